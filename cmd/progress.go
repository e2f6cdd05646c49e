package cmd

import (
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"lanbeam/models"
)

// progressView renders one bar per transfer record.
type progressView struct {
	progress *mpb.Progress

	mu      sync.Mutex
	bars    map[string]*mpb.Bar
	current string
}

func newProgressView(out io.Writer) *progressView {
	return &progressView{
		progress: mpb.New(mpb.WithOutput(out), mpb.WithWidth(40)),
		bars:     make(map[string]*mpb.Bar),
	}
}

func (v *progressView) newBar(record models.TransferRecord) *mpb.Bar {
	label := "↑ " + record.Name
	if record.Direction == models.DirectionReceive {
		label = "↓ " + record.Name
	}
	return v.progress.AddBar(record.Size,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: 24, C: decor.DindentRight}),
			decor.CountersKibiByte(" % .2f / % .2f", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12, C: decor.DindentRight}),
		),
	)
}

// Record tracks a record update. Finished records complete or abort their bar.
func (v *progressView) Record(record models.TransferRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()

	bar, ok := v.bars[record.ID]
	if !ok {
		if record.Status == models.TransferFailed {
			return
		}
		bar = v.newBar(record)
		v.bars[record.ID] = bar
	}
	v.current = record.ID

	switch record.Status {
	case models.TransferComplete:
		bar.SetTotal(-1, true)
		delete(v.bars, record.ID)
	case models.TransferFailed:
		bar.Abort(false)
		delete(v.bars, record.ID)
	}
}

// Progress moves the active bar.
func (v *progressView) Progress(_ models.Direction, bytesDone int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bar, ok := v.bars[v.current]; ok {
		bar.SetCurrent(bytesDone)
	}
}

// Wait blocks until every bar has finished rendering.
func (v *progressView) Wait() {
	v.mu.Lock()
	for id, bar := range v.bars {
		bar.Abort(false)
		delete(v.bars, id)
	}
	v.mu.Unlock()
	v.progress.Wait()
}
