package transfer

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanbeam/models"
	"lanbeam/network"
)

// State is a Transfer Session state.
type State string

const (
	StateIdle                  State = "idle"
	StateAwaitingTransferStart State = "awaiting_transfer_start"
	StateTransferring          State = "transferring"
	StateFinalizing            State = "finalizing"
	StateAborted               State = "aborted"
)

const defaultMimeType = "application/octet-stream"

// Sender writes protocol messages to one connection.
type Sender interface {
	SendOn(link network.LinkID, message network.Message) error
	CurrentLink() network.LinkID
}

// Persister stores a fully reassembled file and returns where it went.
type Persister interface {
	Persist(desc models.FileDescriptor, data []byte) (string, error)
}

// Progress is a snapshot of the active transfer.
type Progress struct {
	State      State
	Direction  models.Direction
	FileID     string
	Name       string
	BytesDone  int64
	TotalBytes int64
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Sender    Sender
	Store     *Store
	Persister Persister
	ChunkSize int
	Logger    logrus.FieldLogger

	OnProgress      func(direction models.Direction, bytesDone int64)
	OnRecordUpdated func(record models.TransferRecord)
	OnFailed        func(record models.TransferRecord, err error)

	now func() time.Time
}

// Session is the chunk-transfer state machine for one connection lifetime.
// All message handling is serialized by mu.
type Session struct {
	opts  SessionOptions
	store *Store
	log   logrus.FieldLogger

	mu        sync.Mutex
	state     State
	direction models.Direction
	record    models.TransferRecord
	nextIndex int
	bytesDone int64
	source    io.Closer
	peer      string
	// link is the connection the active transfer is bound to. Messages and
	// disconnects for other links leave the transfer alone.
	link network.LinkID
	// retired is the newest link whose disconnect has been handled.
	retired network.LinkID

	pending []func()
}

// NewSession validates options and returns an idle session.
func NewSession(options SessionOptions) (*Session, error) {
	if options.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if options.Persister == nil {
		return nil, errors.New("persister is required")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.Store == nil {
		options.Store = NewStoreWithChunkLimits(min(MinChunkSize, options.ChunkSize), max(MaxChunkSize, options.ChunkSize))
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.now == nil {
		options.now = time.Now
	}

	return &Session{
		opts:  options,
		store: options.Store,
		log:   options.Logger.WithField("component", "transfer"),
		state: StateIdle,
	}, nil
}

// Store returns the chunk store driven by this session.
func (s *Session) Store() *Store {
	return s.store
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the current transfer snapshot.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{
		State:      s.state,
		Direction:  s.direction,
		FileID:     s.record.ID,
		Name:       s.record.Name,
		BytesDone:  s.bytesDone,
		TotalBytes: s.record.Size,
	}
}

// SetPeer records the identified peer name for subsequent records.
func (s *Session) SetPeer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = name
}

// SendFile offers the file at path to the peer.
func (s *Session) SendFile(path string) (models.TransferRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.TransferRecord{}, fail(ReasonSourceReadFailed, fmt.Errorf("open %q: %w", path, err))
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return models.TransferRecord{}, fail(ReasonSourceReadFailed, fmt.Errorf("stat %q: %w", path, err))
	}
	if info.IsDir() {
		_ = file.Close()
		return models.TransferRecord{}, fail(ReasonSourceReadFailed, fmt.Errorf("%q is a directory", path))
	}

	name := filepath.Base(path)
	record, err := s.Send(name, mimeTypeFor(name), file, info.Size(), file)
	if err != nil && record.ID == "" {
		_ = file.Close()
	}
	return record, err
}

// Send offers size bytes of source under name. closer, if non-nil, is closed
// when the transfer ends.
func (s *Session) Send(name, mimeType string, source io.ReaderAt, size int64, closer io.Closer) (models.TransferRecord, error) {
	var (
		record models.TransferRecord
		err    error
	)
	s.run(func() {
		record, err = s.beginSendLocked(name, mimeType, source, size, closer)
	})
	return record, err
}

func (s *Session) beginSendLocked(name, mimeType string, source io.ReaderAt, size int64, closer io.Closer) (models.TransferRecord, error) {
	if s.state != StateIdle {
		return models.TransferRecord{}, fail(ReasonBusy, ErrTransferActive)
	}
	link := s.opts.Sender.CurrentLink()
	if link == 0 || link <= s.retired {
		return models.TransferRecord{}, fail(ReasonNotConnected, network.ErrNotConnected)
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	fileID := uuid.NewString()
	set, err := NewChunkSet(fileID, source, size, s.opts.ChunkSize)
	if err != nil {
		return models.TransferRecord{}, fail(ReasonSourceReadFailed, err)
	}
	if err := s.store.BeginSend(set); err != nil {
		return models.TransferRecord{}, fail(ReasonBusy, err)
	}

	desc := models.FileDescriptor{
		ID:          fileID,
		Name:        name,
		Size:        size,
		MimeType:    mimeType,
		TotalChunks: set.TotalChunks,
	}
	s.startLocked(link, models.DirectionSend, desc)
	s.source = closer

	s.log.WithFields(logrus.Fields{
		"file_id": desc.ID,
		"name":    desc.Name,
		"size":    desc.Size,
		"chunks":  desc.TotalChunks,
	}).Info("offering file")

	if err := s.opts.Sender.SendOn(link, network.FileOffer{File: desc}); err != nil {
		failure := fail(ReasonOf(err), fmt.Errorf("send file offer: %w", err))
		if failure.Reason == ReasonTransportError {
			failure.Reason = ReasonConnectionLost
		}
		s.abortLocked(failure, false)
		return s.record, failure
	}

	if desc.TotalChunks == 0 {
		s.completeSendLocked()
	}
	return s.record, nil
}

// HandleMessage applies one inbound message received on link. Connect
// messages are handled by the connection manager and ignored here.
func (s *Session) HandleMessage(link network.LinkID, message network.Message) {
	s.run(func() {
		entry := s.log.WithFields(logrus.Fields{"link": link, "kind": message.Kind().String()})
		if link <= s.retired {
			entry.Debug("dropping message from a disconnected link")
			return
		}
		if s.state != StateIdle && link != s.link {
			entry.WithField("transfer_link", s.link).Warn("dropping message from another link")
			return
		}

		switch m := message.(type) {
		case network.FileOffer:
			s.handleFileOfferLocked(link, m.File)
		case network.ChunkRequest:
			s.handleChunkRequestLocked(m.Index)
		case network.ChunkData:
			s.handleChunkDataLocked(m.Index, m.Data)
		case network.TransferError:
			s.handleTransferErrorLocked(m)
		case network.Connect:
		default:
			s.log.WithField("kind", message.Kind().String()).Warn("unhandled message kind")
		}
	})
}

// HandleDisconnect aborts the transfer bound to link, if any, and clears the
// chunk store. Later messages from link are dropped.
func (s *Session) HandleDisconnect(link network.LinkID, err error) {
	s.run(func() {
		if link > s.retired {
			s.retired = link
		}
		if s.state != StateIdle {
			if s.link != link {
				return
			}
			cause := err
			if cause == nil {
				cause = errors.New("peer disconnected")
			}
			s.abortLocked(fail(ReasonConnectionLost, cause), false)
		}
		s.store.Reset()
		if current := s.opts.Sender.CurrentLink(); current == 0 || current <= link {
			s.peer = ""
		}
	})
}

func (s *Session) handleChunkRequestLocked(index int) {
	set := s.store.Sending()
	if s.direction != models.DirectionSend || set == nil || s.state == StateIdle {
		s.log.WithField("chunk", index).Warn("chunk request without an active send")
		return
	}

	entry := s.log.WithFields(logrus.Fields{"file_id": set.FileID, "chunk": index})
	if index < 0 || index >= set.TotalChunks {
		s.abortLocked(fail(ReasonProtocolError, fmt.Errorf("%w: requested %d of %d", ErrChunkOutOfRange, index, set.TotalChunks)), true)
		return
	}
	if index != s.nextIndex {
		entry.WithField("expected", s.nextIndex).Warn("out of sequence chunk request")
	}

	data, err := s.store.Chunk(index)
	if err != nil {
		s.abortLocked(fail(ReasonSourceReadFailed, err), true)
		return
	}

	s.transferringLocked()
	if err := s.opts.Sender.SendOn(s.link, network.ChunkData{Index: index, Data: data}); err != nil {
		s.abortLocked(fail(ReasonConnectionLost, fmt.Errorf("send chunk %d: %w", index, err)), false)
		return
	}
	entry.Debug("sent chunk")

	if index >= s.nextIndex {
		s.bytesDone += int64(len(data))
		s.nextIndex = index + 1
		s.progressLocked()
	}

	if index == set.TotalChunks-1 {
		s.completeSendLocked()
	}
}

func (s *Session) completeSendLocked() {
	s.record.Available = true
	s.record.Status = models.TransferComplete
	s.record.BytesDone = s.bytesDone
	s.log.WithField("file_id", s.record.ID).Info("send complete")
	s.finishLocked()
	s.emitRecordLocked()
}

func (s *Session) handleFileOfferLocked(link network.LinkID, desc models.FileDescriptor) {
	entry := s.log.WithFields(logrus.Fields{"file_id": desc.ID, "name": desc.Name, "size": desc.Size})
	if s.state != StateIdle || s.store.Active() {
		entry.Warn("rejecting file offer: transfer already active")
		s.notifyLinkLocked(link, desc.ID, ReasonBusy, "a transfer is already in progress")
		return
	}

	desc.Name = sanitizeName(desc.Name)
	if err := s.store.BeginReceive(desc); err != nil {
		reason := ReasonOf(err)
		entry.WithError(err).Warn("rejecting file offer")
		s.notifyLinkLocked(link, desc.ID, reason, err.Error())
		return
	}

	s.startLocked(link, models.DirectionReceive, desc)
	entry.WithField("chunks", desc.TotalChunks).Info("receiving file")

	if desc.TotalChunks == 0 {
		s.finalizeLocked()
		return
	}
	s.requestChunkLocked(0)
}

func (s *Session) handleChunkDataLocked(index int, data []byte) {
	desc, ok := s.store.Receiving()
	if s.direction != models.DirectionReceive || !ok || s.state == StateIdle {
		s.log.WithField("chunk", index).Warn("chunk data without an active receive")
		return
	}

	entry := s.log.WithFields(logrus.Fields{"file_id": desc.ID, "chunk": index})
	replaced, err := s.store.StoreChunk(index, data)
	if err != nil {
		entry.WithError(err).Warn("rejecting chunk")
		s.abortLocked(fail(ReasonProtocolError, err), true)
		return
	}
	if index != s.nextIndex || replaced {
		entry.WithFields(logrus.Fields{"expected": s.nextIndex, "replaced": replaced}).Warn("out of sequence chunk stored")
	}
	entry.Debug("stored chunk")

	s.transferringLocked()
	s.bytesDone = s.store.ReceivedBytes()
	s.progressLocked()

	if index+1 < desc.TotalChunks {
		s.requestChunkLocked(index + 1)
		return
	}
	s.finalizeLocked()
}

// transferringLocked enters the transferring state, announcing it once.
func (s *Session) transferringLocked() {
	if s.state == StateTransferring {
		return
	}
	s.state = StateTransferring
	s.record.Status = models.TransferTransferring
	s.emitRecordLocked()
}

func (s *Session) requestChunkLocked(index int) {
	s.nextIndex = index
	if err := s.opts.Sender.SendOn(s.link, network.ChunkRequest{Index: index}); err != nil {
		s.abortLocked(fail(ReasonConnectionLost, fmt.Errorf("request chunk %d: %w", index, err)), false)
	}
}

func (s *Session) finalizeLocked() {
	s.state = StateFinalizing
	desc, _ := s.store.Receiving()

	data, err := s.store.Assemble()
	if err != nil {
		s.abortLocked(fail(ReasonChunkCountMismatch, err), true)
		return
	}
	path, err := s.opts.Persister.Persist(desc, data)
	if err != nil {
		s.abortLocked(fail(ReasonPersistFailed, err), true)
		return
	}

	s.bytesDone = int64(len(data))
	s.record.Available = true
	s.record.Status = models.TransferComplete
	s.record.Path = path
	s.record.BytesDone = s.bytesDone
	s.log.WithFields(logrus.Fields{"file_id": desc.ID, "path": path}).Info("receive complete")
	s.finishLocked()
	s.emitRecordLocked()
}

func (s *Session) handleTransferErrorLocked(m network.TransferError) {
	entry := s.log.WithFields(logrus.Fields{"file_id": m.FileID, "reason": m.Reason})
	if s.state == StateIdle {
		entry.Info("peer reported transfer error while idle")
		return
	}
	if m.FileID != "" && m.FileID != s.record.ID {
		entry.Warn("ignoring transfer error for another file")
		return
	}

	reason := Reason(m.Reason)
	if reason == ReasonBusy {
		reason = ReasonPeerRejected
	}
	s.abortLocked(fail(reason, fmt.Errorf("peer aborted transfer: %s", m.Message)), false)
}

func (s *Session) startLocked(link network.LinkID, direction models.Direction, desc models.FileDescriptor) {
	s.link = link
	s.state = StateAwaitingTransferStart
	s.direction = direction
	s.nextIndex = 0
	s.bytesDone = 0
	s.record = models.RecordFromDescriptor(desc, direction, s.peer)
	s.emitRecordLocked()
}

func (s *Session) abortLocked(failure *Failure, notifyPeer bool) {
	s.state = StateAborted
	if notifyPeer {
		s.notifyPeerLocked(s.record.ID, failure.Reason, failure.Error())
	}

	s.record.Available = false
	s.record.Status = models.TransferFailed
	s.record.Reason = string(failure.Reason)
	s.record.BytesDone = s.bytesDone
	s.log.WithFields(logrus.Fields{
		"file_id":   s.record.ID,
		"direction": s.direction,
		"reason":    failure.Reason,
	}).WithError(failure.Err).Error("transfer aborted")

	s.finishLocked()
	s.emitRecordLocked()

	if s.opts.OnFailed != nil {
		record := s.record
		s.pending = append(s.pending, func() { s.opts.OnFailed(record, failure) })
	}
}

func (s *Session) finishLocked() {
	s.store.Reset()
	if s.source != nil {
		_ = s.source.Close()
		s.source = nil
	}
	s.state = StateIdle
}

func (s *Session) notifyPeerLocked(fileID string, reason Reason, message string) {
	s.notifyLinkLocked(s.link, fileID, reason, message)
}

func (s *Session) notifyLinkLocked(link network.LinkID, fileID string, reason Reason, message string) {
	if err := s.opts.Sender.SendOn(link, network.TransferError{FileID: fileID, Reason: string(reason), Message: message}); err != nil {
		s.log.WithError(err).Debug("could not notify peer")
	}
}

func (s *Session) progressLocked() {
	if s.opts.OnProgress == nil {
		return
	}
	direction, done := s.direction, s.bytesDone
	s.pending = append(s.pending, func() { s.opts.OnProgress(direction, done) })
}

func (s *Session) emitRecordLocked() {
	s.record.UpdatedAt = s.opts.now().UnixMilli()
	if s.opts.OnRecordUpdated == nil {
		return
	}
	record := s.record
	s.pending = append(s.pending, func() { s.opts.OnRecordUpdated(record) })
}

// run executes fn under the session lock, then delivers the callbacks fn
// queued once the lock is released.
func (s *Session) run(fn func()) {
	s.mu.Lock()
	fn()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, event := range events {
		event()
	}
}

func mimeTypeFor(name string) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return defaultMimeType
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
