package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbeam/models"
	"lanbeam/network"
)

const testLink network.LinkID = 1

type memWire struct {
	mu      sync.Mutex
	queue   []network.Message
	sent    []network.Message
	err     error
	link    network.LinkID
	offline bool
}

func (w *memWire) currentLocked() network.LinkID {
	switch {
	case w.offline:
		return 0
	case w.link == 0:
		return testLink
	default:
		return w.link
	}
}

func (w *memWire) CurrentLink() network.LinkID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLocked()
}

func (w *memWire) setLink(link network.LinkID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.link = link
}

func (w *memWire) SendOn(link network.LinkID, message network.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if link == 0 || link != w.currentLocked() {
		return network.ErrNotConnected
	}
	w.queue = append(w.queue, message)
	w.sent = append(w.sent, message)
	return nil
}

func (w *memWire) drain() []network.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.queue
	w.queue = nil
	return out
}

func (w *memWire) history() []network.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]network.Message(nil), w.sent...)
}

type memPersister struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (p *memPersister) Persist(desc models.FileDescriptor, data []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if p.files == nil {
		p.files = make(map[string][]byte)
	}
	p.files[desc.Name] = append([]byte(nil), data...)
	return "/mem/" + desc.Name, nil
}

func (p *memPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

type recorder struct {
	mu       sync.Mutex
	records  []models.TransferRecord
	failures []error
	progress []int64
}

func (r *recorder) options(wire Sender, persister Persister, chunkSize int) SessionOptions {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return SessionOptions{
		Sender:    wire,
		Persister: persister,
		ChunkSize: chunkSize,
		Logger:    logger,
		OnProgress: func(_ models.Direction, done int64) {
			r.mu.Lock()
			r.progress = append(r.progress, done)
			r.mu.Unlock()
		},
		OnRecordUpdated: func(record models.TransferRecord) {
			r.mu.Lock()
			r.records = append(r.records, record)
			r.mu.Unlock()
		},
		OnFailed: func(_ models.TransferRecord, err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) last() models.TransferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return models.TransferRecord{}
	}
	return r.records[len(r.records)-1]
}

type sessionPair struct {
	sender, receiver         *Session
	senderWire, receiverWire *memWire
	senderRec, receiverRec   *recorder
	persister                *memPersister
}

func newSessionPair(t *testing.T, chunkSize int) *sessionPair {
	t.Helper()
	p := &sessionPair{
		senderWire:   &memWire{},
		receiverWire: &memWire{},
		senderRec:    &recorder{},
		receiverRec:  &recorder{},
		persister:    &memPersister{},
	}
	var err error
	p.sender, err = NewSession(p.senderRec.options(p.senderWire, &memPersister{}, chunkSize))
	require.NoError(t, err)
	p.receiver, err = NewSession(p.receiverRec.options(p.receiverWire, p.persister, chunkSize))
	require.NoError(t, err)
	return p
}

// pump delivers queued messages in both directions until the wires are idle.
func (p *sessionPair) pump(t *testing.T) {
	t.Helper()
	for round := 0; round < 100000; round++ {
		toReceiver := p.senderWire.drain()
		for _, message := range toReceiver {
			p.receiver.HandleMessage(testLink, message)
		}
		toSender := p.receiverWire.drain()
		for _, message := range toSender {
			p.sender.HandleMessage(testLink, message)
		}
		if len(toReceiver) == 0 && len(toSender) == 0 {
			return
		}
	}
	t.Fatalf("pump did not settle")
}

func TestSessionTransfersTwentyThousandBytesInThreeChunks(t *testing.T) {
	pair := newSessionPair(t, 8192)
	data := fixtureBytes(20000)

	record, err := pair.sender.Send("photo.jpg", "image/jpeg", bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
	assert.Equal(t, models.TransferPending, record.Status)
	assert.Equal(t, StateAwaitingTransferStart, pair.sender.State())

	pair.pump(t)

	var requests []int
	for _, message := range pair.receiverWire.history() {
		request, ok := message.(network.ChunkRequest)
		require.True(t, ok, "receiver sent %T", message)
		requests = append(requests, request.Index)
	}
	assert.Equal(t, []int{0, 1, 2}, requests)

	var lengths []int
	for _, message := range pair.senderWire.history()[1:] {
		data, ok := message.(network.ChunkData)
		require.True(t, ok, "sender sent %T", message)
		lengths = append(lengths, len(data.Data))
	}
	assert.Equal(t, []int{8192, 8192, 3616}, lengths)

	assert.Equal(t, data, pair.persister.files["photo.jpg"])

	received := pair.receiverRec.last()
	assert.True(t, received.Available)
	assert.Equal(t, models.TransferComplete, received.Status)
	assert.Equal(t, models.DirectionReceive, received.Direction)
	assert.EqualValues(t, 20000, received.BytesDone)
	assert.Equal(t, "/mem/photo.jpg", received.Path)

	var statuses []models.TransferStatus
	for _, r := range pair.receiverRec.records {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []models.TransferStatus{models.TransferPending, models.TransferTransferring, models.TransferComplete}, statuses)

	sent := pair.senderRec.last()
	assert.True(t, sent.Available)
	assert.Equal(t, models.DirectionSend, sent.Direction)
	assert.Equal(t, record.ID, sent.ID)

	assert.Equal(t, StateIdle, pair.sender.State())
	assert.Equal(t, StateIdle, pair.receiver.State())
	assert.False(t, pair.sender.Store().Active())
	assert.False(t, pair.receiver.Store().Active())
}

func TestSessionByteCountsConverge(t *testing.T) {
	for _, size := range []int{0, 1, 8191, 8192, 8193, 5*8192 + 77} {
		pair := newSessionPair(t, 8192)
		data := fixtureBytes(size)

		_, err := pair.sender.Send("blob.bin", "", bytes.NewReader(data), int64(size), nil)
		require.NoError(t, err)
		pair.pump(t)

		received := pair.receiverRec.last()
		require.True(t, received.Available, "size %d not available", size)
		assert.EqualValues(t, size, received.BytesDone)
		assert.EqualValues(t, size, pair.senderRec.last().BytesDone)
		assert.Equal(t, data, pair.persister.files["blob.bin"])
		if size > 0 {
			assert.EqualValues(t, size, pair.receiverRec.progress[len(pair.receiverRec.progress)-1])
			assert.EqualValues(t, size, pair.senderRec.progress[len(pair.senderRec.progress)-1])
		}
	}
}

func TestSessionSenderWaitsForEachRequest(t *testing.T) {
	wire := &memWire{}
	rec := &recorder{}
	session, err := NewSession(rec.options(wire, &memPersister{}, 10))
	require.NoError(t, err)

	_, err = session.Send("a.bin", "", bytes.NewReader(fixtureBytes(35)), 35, nil)
	require.NoError(t, err)

	offer := wire.drain()
	require.Len(t, offer, 1)
	require.IsType(t, network.FileOffer{}, offer[0])
	assert.Equal(t, 4, offer[0].(network.FileOffer).File.TotalChunks)

	for index := 0; index < 4; index++ {
		assert.Empty(t, wire.drain(), "sender must not transmit before chunk %d is requested", index)
		session.HandleMessage(testLink, network.ChunkRequest{Index: index})
		out := wire.drain()
		require.Len(t, out, 1)
		chunk, ok := out[0].(network.ChunkData)
		require.True(t, ok)
		assert.Equal(t, index, chunk.Index)
	}
	assert.True(t, rec.last().Available)
	assert.Equal(t, StateIdle, session.State())
}

func TestSessionRejectsSecondSendWhileActive(t *testing.T) {
	pair := newSessionPair(t, 10)
	first, err := pair.sender.Send("a.bin", "", bytes.NewReader(fixtureBytes(30)), 30, nil)
	require.NoError(t, err)

	_, err = pair.sender.Send("b.bin", "", bytes.NewReader(fixtureBytes(30)), 30, nil)
	require.ErrorIs(t, err, ErrTransferActive)
	assert.Equal(t, ReasonBusy, ReasonOf(err))

	pair.pump(t)
	assert.Equal(t, first.ID, pair.senderRec.last().ID)
	assert.True(t, pair.senderRec.last().Available)
}

func TestSessionReceiverAnswersBusyAndSenderAborts(t *testing.T) {
	pair := newSessionPair(t, 10)
	pair.receiver.HandleMessage(testLink, network.FileOffer{File: testDescriptor("other", 30, 10)})
	pair.receiverWire.drain()

	_, err := pair.sender.Send("a.bin", "", bytes.NewReader(fixtureBytes(30)), 30, nil)
	require.NoError(t, err)
	pair.pump(t)

	desc, ok := pair.receiver.Store().Receiving()
	require.True(t, ok, "active receive must survive a busy rejection")
	assert.Equal(t, "other", desc.ID)

	last := pair.senderRec.last()
	assert.False(t, last.Available)
	assert.Equal(t, models.TransferFailed, last.Status)
	assert.Equal(t, string(ReasonPeerRejected), last.Reason)
	require.Len(t, pair.senderRec.failures, 1)
	assert.Equal(t, ReasonPeerRejected, ReasonOf(pair.senderRec.failures[0]))
	assert.False(t, pair.sender.Store().Active())
}

func TestSessionDisconnectMidTransferPersistsNothing(t *testing.T) {
	wire := &memWire{}
	rec := &recorder{}
	persister := &memPersister{}
	session, err := NewSession(rec.options(wire, persister, 10))
	require.NoError(t, err)

	set, err := SplitBytes("file-1", fixtureBytes(50), 10)
	require.NoError(t, err)
	session.HandleMessage(testLink, network.FileOffer{File: testDescriptor("file-1", 50, 10)})
	for index := 0; index < 2; index++ {
		chunk, err := set.Chunk(index)
		require.NoError(t, err)
		session.HandleMessage(testLink, network.ChunkData{Index: index, Data: chunk})
	}
	require.Equal(t, StateTransferring, session.State())

	session.HandleDisconnect(testLink, errors.New("socket closed"))

	assert.Equal(t, StateIdle, session.State())
	assert.False(t, session.Store().Active())
	assert.False(t, session.Store().IsComplete())
	assert.Zero(t, persister.count())

	last := rec.last()
	assert.False(t, last.Available)
	assert.Equal(t, string(ReasonConnectionLost), last.Reason)
	require.Len(t, rec.failures, 1)
	assert.Equal(t, ReasonConnectionLost, ReasonOf(rec.failures[0]))
}

func TestSessionOutOfRangeRequestAbortsAndNotifiesPeer(t *testing.T) {
	wire := &memWire{}
	rec := &recorder{}
	session, err := NewSession(rec.options(wire, &memPersister{}, 10))
	require.NoError(t, err)

	_, err = session.Send("a.bin", "", bytes.NewReader(fixtureBytes(30)), 30, nil)
	require.NoError(t, err)
	wire.drain()

	session.HandleMessage(testLink, network.ChunkRequest{Index: 7})

	out := wire.drain()
	require.Len(t, out, 1)
	notice, ok := out[0].(network.TransferError)
	require.True(t, ok)
	assert.Equal(t, string(ReasonProtocolError), notice.Reason)
	assert.Equal(t, string(ReasonProtocolError), rec.last().Reason)
	assert.False(t, session.Store().Active())
}

func TestSessionOutOfRangeChunkAbortsReceive(t *testing.T) {
	wire := &memWire{}
	rec := &recorder{}
	persister := &memPersister{}
	session, err := NewSession(rec.options(wire, persister, 10))
	require.NoError(t, err)

	session.HandleMessage(testLink, network.FileOffer{File: testDescriptor("file-1", 30, 10)})
	session.HandleMessage(testLink, network.ChunkData{Index: 9, Data: []byte("x")})

	assert.Equal(t, StateIdle, session.State())
	assert.False(t, session.Store().Active())
	assert.Zero(t, persister.count())
	assert.Equal(t, string(ReasonProtocolError), rec.last().Reason)
}

func TestSessionPersistFailureIsReported(t *testing.T) {
	pair := newSessionPair(t, 10)
	pair.persister.err = errors.New("disk full")

	_, err := pair.sender.Send("a.bin", "", bytes.NewReader(fixtureBytes(25)), 25, nil)
	require.NoError(t, err)
	pair.pump(t)

	last := pair.receiverRec.last()
	assert.False(t, last.Available)
	assert.Equal(t, string(ReasonPersistFailed), last.Reason)
	assert.False(t, pair.receiver.Store().Active())
}

func TestSessionSendWithoutConnectionFails(t *testing.T) {
	wire := &memWire{err: network.ErrNotConnected}
	rec := &recorder{}
	session, err := NewSession(rec.options(wire, &memPersister{}, 10))
	require.NoError(t, err)

	record, err := session.Send("a.bin", "", bytes.NewReader(fixtureBytes(25)), 25, nil)
	require.ErrorIs(t, err, network.ErrNotConnected)
	assert.Equal(t, ReasonNotConnected, ReasonOf(err))
	assert.Equal(t, models.TransferFailed, record.Status)
	assert.False(t, session.Store().Active())
}

func TestSessionIgnoresStrayMessagesWhileIdle(t *testing.T) {
	wire := &memWire{}
	rec := &recorder{}
	session, err := NewSession(rec.options(wire, &memPersister{}, 10))
	require.NoError(t, err)

	session.HandleMessage(testLink, network.ChunkRequest{Index: 0})
	session.HandleMessage(testLink, network.ChunkData{Index: 0, Data: []byte("x")})
	session.HandleMessage(testLink, network.TransferError{Reason: "busy"})

	assert.Equal(t, StateIdle, session.State())
	assert.Empty(t, wire.history())
	assert.Empty(t, rec.records)
}

func TestSessionRejectsUnsafeNames(t *testing.T) {
	wire := &memWire{}
	rec := &recorder{}
	session, err := NewSession(rec.options(wire, &memPersister{}, 10))
	require.NoError(t, err)

	desc := testDescriptor("file-1", 10, 10)
	desc.Name = "../"
	session.HandleMessage(testLink, network.FileOffer{File: desc})

	out := wire.drain()
	require.Len(t, out, 1)
	notice, ok := out[0].(network.TransferError)
	require.True(t, ok)
	assert.Equal(t, string(ReasonProtocolError), notice.Reason)
	assert.False(t, session.Store().Active())
}

func TestSessionTransfersEmptyFileWithoutChunkRoundTrip(t *testing.T) {
	senderWire, receiverWire := &memWire{}, &memWire{}
	senderRec, receiverRec := &recorder{}, &recorder{}
	dir := t.TempDir()

	sender, err := NewSession(senderRec.options(senderWire, &memPersister{}, 8192))
	require.NoError(t, err)
	receiver, err := NewSession(receiverRec.options(receiverWire, FilePersister{Dir: dir}, 8192))
	require.NoError(t, err)

	record, err := sender.Send("empty.txt", "text/plain", bytes.NewReader(nil), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TransferComplete, record.Status)
	assert.True(t, record.Available)
	assert.Equal(t, StateIdle, sender.State())

	offers := senderWire.drain()
	require.Len(t, offers, 1)
	offer, ok := offers[0].(network.FileOffer)
	require.True(t, ok, "sender sent %T", offers[0])
	assert.Zero(t, offer.File.TotalChunks)
	assert.Zero(t, offer.File.Size)

	receiver.HandleMessage(testLink, offer)

	assert.Empty(t, receiverWire.history(), "an empty file needs no chunk requests")
	received := receiverRec.last()
	assert.Equal(t, models.TransferComplete, received.Status)
	assert.True(t, received.Available)
	assert.Zero(t, received.BytesDone)
	assert.Equal(t, StateIdle, receiver.State())
	assert.False(t, receiver.Store().Active())

	var statuses []models.TransferStatus
	for _, r := range receiverRec.records {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []models.TransferStatus{models.TransferPending, models.TransferComplete}, statuses)

	info, err := os.Stat(received.Path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "empty.txt"), received.Path)
	assert.Zero(t, info.Size())
}

func TestSessionWithoutLinkRefusesToSend(t *testing.T) {
	wire := &memWire{offline: true}
	rec := &recorder{}
	session, err := NewSession(rec.options(wire, &memPersister{}, 10))
	require.NoError(t, err)

	record, err := session.Send("a.bin", "", bytes.NewReader(fixtureBytes(25)), 25, nil)
	require.ErrorIs(t, err, network.ErrNotConnected)
	assert.Equal(t, ReasonNotConnected, ReasonOf(err))
	assert.Empty(t, record.ID)
	assert.Empty(t, wire.history())
	assert.Empty(t, rec.records)
}

func TestSessionDropsMessagesFromDisconnectedLink(t *testing.T) {
	wire := &memWire{}
	rec := &recorder{}
	persister := &memPersister{}
	session, err := NewSession(rec.options(wire, persister, 10))
	require.NoError(t, err)

	session.HandleMessage(testLink, network.FileOffer{File: testDescriptor("file-1", 30, 10)})
	session.HandleDisconnect(testLink, errors.New("socket closed"))
	recordsAfterDisconnect := len(rec.records)
	wire.drain()

	session.HandleMessage(testLink, network.FileOffer{File: testDescriptor("file-2", 30, 10)})
	session.HandleMessage(testLink, network.ChunkData{Index: 0, Data: fixtureBytes(10)})

	assert.Equal(t, StateIdle, session.State())
	assert.False(t, session.Store().Active())
	assert.Empty(t, wire.drain(), "nothing may be sent in reply to a retired link")
	assert.Len(t, rec.records, recordsAfterDisconnect)
	assert.Zero(t, persister.count())
}

func TestSessionIgnoresLateDisconnectOfPreviousLink(t *testing.T) {
	wire := &memWire{link: 2}
	rec := &recorder{}
	session, err := NewSession(rec.options(wire, &memPersister{}, 10))
	require.NoError(t, err)

	session.HandleMessage(2, network.FileOffer{File: testDescriptor("file-1", 30, 10)})
	require.Equal(t, StateAwaitingTransferStart, session.State())

	session.HandleDisconnect(1, errors.New("old socket closed"))
	session.HandleMessage(1, network.ChunkData{Index: 0, Data: fixtureBytes(10)})

	assert.Equal(t, StateAwaitingTransferStart, session.State())
	assert.True(t, session.Store().Active())
	assert.Zero(t, session.Store().ReceivedBytes())
	assert.Empty(t, rec.failures)
}

func TestSessionRepliesOnlyOnTheTransferLink(t *testing.T) {
	wire := &memWire{link: 2}
	rec := &recorder{}
	persister := &memPersister{}
	session, err := NewSession(rec.options(wire, persister, 10))
	require.NoError(t, err)

	set, err := SplitBytes("file-1", fixtureBytes(30), 10)
	require.NoError(t, err)
	session.HandleMessage(2, network.FileOffer{File: testDescriptor("file-1", 30, 10)})
	require.Len(t, wire.drain(), 1)

	// A new connection replaced link 2 before its last chunk was handled.
	wire.setLink(3)
	chunk, err := set.Chunk(0)
	require.NoError(t, err)
	session.HandleMessage(2, network.ChunkData{Index: 0, Data: chunk})

	assert.Empty(t, wire.drain(), "the next request must not leak onto link 3")
	assert.Equal(t, StateIdle, session.State())
	assert.Equal(t, string(ReasonConnectionLost), rec.last().Reason)
	assert.Zero(t, persister.count())
}
