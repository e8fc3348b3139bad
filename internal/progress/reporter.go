package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/exam-id-scanner/internal/metrics"
	"github.com/JakeFAU/exam-id-scanner/internal/predictor"
)

// DefaultReportInterval is how often the Reporter refreshes the status line.
const DefaultReportInterval = time.Second

// Snapshotter is the read-only view of the shared predictor.
type Snapshotter interface {
	Snapshot() predictor.Snapshot
}

// Renderer displays status lines. Render is called from the Reporter loop only;
// Finish is called once, after the loop stopped.
type Renderer interface {
	Render(status string)
	Finish(status string)
}

// FormatStatus renders a snapshot as "<percent>% (<current> / <end>)".
func FormatStatus(s predictor.Snapshot) string {
	return fmt.Sprintf("%.2f%% (%d / %d)", s.Progress*100, s.CurrentID, s.EndCondition)
}

// Reporter periodically publishes the scan position. Each tick takes one
// snapshot so the predictor lock is held only for the read, never while
// rendering.
type Reporter struct {
	src      Snapshotter
	renderer Renderer
	interval time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReporter builds a Reporter. A nil renderer disables drawing but the
// metrics gauges are still updated.
func NewReporter(src Snapshotter, renderer Renderer, interval time.Duration) *Reporter {
	if renderer == nil {
		renderer = NopRenderer{}
	}
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		src:      src,
		renderer: renderer,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the reporting loop. Calling it more than once has no effect.
func (r *Reporter) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run()
}

// Stop ends the loop, renders a final status and waits for the loop to exit
// or ctx to finish, whichever comes first.
func (r *Reporter) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if !r.started.Load() {
		r.finish()
		return nil
	}
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress reporter stop: %w", ctx.Err())
	}
}

func (r *Reporter) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick()
	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stopCh:
			r.finish()
			return
		}
	}
}

func (r *Reporter) tick() {
	snap := r.src.Snapshot()
	metrics.SetScanPosition(snap.Progress, snap.CurrentID)
	r.renderer.Render(FormatStatus(snap))
}

func (r *Reporter) finish() {
	snap := r.src.Snapshot()
	metrics.SetScanPosition(snap.Progress, snap.CurrentID)
	r.renderer.Finish(FormatStatus(snap))
}
