// Package worker implements the probe loop run by each member of the scan pool.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-id-scanner/internal/clock/system"
	"github.com/JakeFAU/exam-id-scanner/internal/metrics"
	"github.com/JakeFAU/exam-id-scanner/internal/predictor"
	"github.com/JakeFAU/exam-id-scanner/internal/probe"
	"github.com/JakeFAU/exam-id-scanner/internal/progress"
)

// DefaultMaxAttempts is the number of probe attempts spent on one candidate.
const DefaultMaxAttempts = 5

// Generator hands out candidates and accepts hit reports. predictor.Guarded
// satisfies it.
type Generator interface {
	Next() (int64, bool)
	Hit(id int64) error
}

// Limiter paces probe attempts. A nil Limiter never blocks.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Clock returns timestamps for emitted events.
type Clock interface {
	Now() time.Time
}

// Config controls Worker behavior.
type Config struct {
	// RunID tags every emitted event.
	RunID [16]byte
	// MaxAttempts is the total attempt budget per candidate (default 5).
	MaxAttempts int
	// RetryBackoff is the initial delay between attempts; zero retries immediately.
	RetryBackoff time.Duration
	// RetryBackoffMax caps the exponential delay when RetryBackoff is set.
	RetryBackoffMax time.Duration
}

// Worker pulls candidates from a shared Generator until it is exhausted or the
// run is canceled.
type Worker struct {
	index   int
	gen     Generator
	prober  probe.Prober
	limiter Limiter
	emitter progress.Emitter
	clock   Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	index int,
	gen Generator,
	prober probe.Prober,
	limiter Limiter,
	emitter progress.Emitter,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		index:   index,
		gen:     gen,
		prober:  prober,
		limiter: limiter,
		emitter: emitter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.Int("index", index)),
	}
}

// Run blocks until the generator is exhausted or ctx is canceled. A probe that
// is already in flight when ctx is canceled is allowed to finish.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		candidate, ok := w.gen.Next()
		if !ok {
			w.logger.Debug("generator exhausted")
			return
		}
		w.process(ctx, candidate)
	}
}

func (w *Worker) process(ctx context.Context, candidate int64) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	matched, attempts, err := w.probeWithRetry(ctx, candidate)
	dur := w.clock.Now().Sub(start)
	if dur < 0 {
		dur = 0
	}

	if err != nil {
		w.handleFailure(ctx, candidate, attempts, dur, err)
		return
	}

	w.emit(progress.Event{
		Stage:     progress.StageProbeDone,
		Candidate: candidate,
		Attempts:  attempts,
		Matched:   matched,
		Dur:       dur,
	})
	if matched {
		w.reportHit(candidate)
	}
}

func (w *Worker) handleFailure(ctx context.Context, candidate int64, attempts int, dur time.Duration, err error) {
	if attempts == 0 {
		// canceled before the first attempt; the candidate was never probed
		w.logger.Debug("candidate skipped after cancellation", zap.Int64("id", candidate))
		return
	}
	metrics.ObserveProbeAttempt("abandoned")
	if ctx.Err() != nil && attempts < w.cfg.MaxAttempts {
		w.logger.Warn("candidate abandoned after cancellation",
			zap.Int64("id", candidate),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	} else {
		fields := []zap.Field{
			zap.Int64("id", candidate),
			zap.Int("attempts", attempts),
			zap.Error(err),
		}
		if errors.Is(err, probe.ErrSession) {
			fields = append(fields, zap.Bool("session_expired", true))
		}
		w.logger.Error("failed to probe exam id", fields...)
	}
	w.emit(progress.Event{
		Stage:     progress.StageProbeFailed,
		Candidate: candidate,
		Attempts:  attempts,
		Dur:       dur,
		Note:      err.Error(),
	})
}

func (w *Worker) reportHit(candidate int64) {
	err := w.gen.Hit(candidate)
	if err == nil {
		w.logger.Info("found exam id", zap.Int64("id", candidate))
		w.emit(progress.Event{Stage: progress.StageHit, Candidate: candidate})
		return
	}
	var anomalous *predictor.AnomalousHitError
	if errors.As(err, &anomalous) {
		w.logger.Error("ignoring exam id outside of expected window",
			zap.Int64("id", anomalous.ID),
			zap.Int64("window_start", anomalous.WindowStart),
			zap.Int64("window_end", anomalous.WindowEnd),
		)
	} else {
		w.logger.Error("hit report failed", zap.Int64("id", candidate), zap.Error(err))
	}
	w.emit(progress.Event{Stage: progress.StageHitRejected, Candidate: candidate, Note: err.Error()})
}

func (w *Worker) emit(evt progress.Event) {
	evt.RunID = w.cfg.RunID
	evt.Worker = w.index
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.emitter.Emit(evt)
}
