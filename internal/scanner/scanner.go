// Package scanner runs one exam id scan: it owns the shared predictor, the
// worker pool and the progress reporter for the lifetime of a run.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-id-scanner/internal/clock/system"
	"github.com/JakeFAU/exam-id-scanner/internal/dispatcher"
	iduuid "github.com/JakeFAU/exam-id-scanner/internal/id/uuid"
	"github.com/JakeFAU/exam-id-scanner/internal/predictor"
	"github.com/JakeFAU/exam-id-scanner/internal/probe"
	"github.com/JakeFAU/exam-id-scanner/internal/progress"
	"github.com/JakeFAU/exam-id-scanner/internal/worker"
)

const (
	// DefaultWorkers is the size of the worker pool.
	DefaultWorkers = 8

	reporterStopTimeout = 5 * time.Second

	tracerName = "github.com/JakeFAU/exam-id-scanner/internal/scanner"
)

// ErrAlreadyRan is returned when Run is called twice on the same Scanner.
var ErrAlreadyRan = errors.New("scanner already ran")

// Config describes one scan.
type Config struct {
	StartID      int64
	EndCondition int64
	Window       predictor.Window
	Workers      int
	// MaxAttempts is the probe attempt budget per candidate.
	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	ReportInterval  time.Duration
}

// Result summarizes a finished or aborted run.
type Result struct {
	RunID        uuid.UUID `json:"run_id"`
	StartID      int64     `json:"start_id"`
	EndCondition int64     `json:"end_condition"`
	// StoppedAt is the predictor position when the run ended. After a
	// cancellation it is approximate: candidates just below it may not have
	// been probed.
	StoppedAt  int64     `json:"stopped_at"`
	Hits       []int64   `json:"hits"`
	Canceled   bool      `json:"canceled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the wall time of the run.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithLimiter paces probe attempts across the whole pool.
func WithLimiter(l worker.Limiter) Option {
	return func(s *Scanner) { s.limiter = l }
}

// WithEmitter sends progress events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Scanner) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithRenderer draws the periodic status line.
func WithRenderer(r progress.Renderer) Option {
	return func(s *Scanner) {
		if r != nil {
			s.renderer = r
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c worker.Clock) Option {
	return func(s *Scanner) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id uuid.UUID) Option {
	return func(s *Scanner) { s.runID = id }
}

// Scanner orchestrates a single run.
type Scanner struct {
	cfg      Config
	runID    uuid.UUID
	gen      *predictor.Guarded
	prober   probe.Prober
	limiter  worker.Limiter
	emitter  progress.Emitter
	renderer progress.Renderer
	clock    worker.Clock
	logger   *zap.Logger

	ran atomic.Bool
}

// New validates cfg and builds the predictor for the run.
func New(cfg Config, prober probe.Prober, opts ...Option) (*Scanner, error) {
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = worker.DefaultMaxAttempts
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = progress.DefaultReportInterval
	}
	p, err := predictor.New(cfg.StartID, cfg.EndCondition, cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("create predictor: %w", err)
	}

	s := &Scanner{
		cfg:      cfg,
		gen:      predictor.NewGuarded(p),
		prober:   prober,
		emitter:  progress.NopEmitter{},
		renderer: progress.NopRenderer{},
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == uuid.Nil {
		id, err := iduuid.New().NewRunID()
		if err != nil {
			return nil, fmt.Errorf("create run id: %w", err)
		}
		s.runID = id
	}
	s.logger = s.logger.With(zap.Stringer("run_id", s.runID))
	return s, nil
}

// RunID returns the id tagging this run's events and report.
func (s *Scanner) RunID() uuid.UUID {
	return s.runID
}

// Snapshot returns the current predictor state; safe to call while running.
func (s *Scanner) Snapshot() predictor.Snapshot {
	return s.gen.Snapshot()
}

// Run scans until every worker finished or ctx is canceled. Cancellation is
// not an error: the returned Result has Canceled set and reports where the
// scan stopped. Probes in flight at cancellation are left to finish on their
// own and are not awaited.
func (s *Scanner) Run(ctx context.Context) (Result, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRan
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("scan.run_id", s.runID.String()),
		attribute.Int64("scan.start_id", s.cfg.StartID),
		attribute.Int64("scan.end_condition", s.cfg.EndCondition),
		attribute.Int("scan.workers", s.cfg.Workers),
	)

	startedAt := s.clock.Now()
	s.emit(progress.Event{
		TS:        startedAt,
		Stage:     progress.StageScanStart,
		Candidate: s.cfg.StartID,
		Target:    s.cfg.EndCondition,
	})
	pool := dispatcher.New(s.workers())
	s.logger.Info("scan started",
		zap.Int64("start_id", s.cfg.StartID),
		zap.Int64("end_condition", s.cfg.EndCondition),
		zap.Stringer("direction", s.gen.Snapshot().Direction),
		zap.Int("workers", pool.Size()),
	)

	reporter := progress.NewReporter(s.gen, s.renderer, s.cfg.ReportInterval)
	reporter.Start()

	done := pool.Start(ctx)

	select {
	case <-done:
	case <-ctx.Done():
	}
	// workers also return early on cancellation, so done alone is not enough
	canceled := ctx.Err() != nil && !s.gen.Snapshot().Exhausted
	if canceled {
		s.logger.Info("aborting")
		span.AddEvent("aborting")
	} else {
		s.logger.Info("done")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reporterStopTimeout)
	defer cancel()
	if err := reporter.Stop(stopCtx); err != nil {
		s.logger.Warn("progress reporter did not stop", zap.Error(err))
	}

	snap := s.gen.Snapshot()
	finishedAt := s.clock.Now()
	result := Result{
		RunID:        s.runID,
		StartID:      s.cfg.StartID,
		EndCondition: s.cfg.EndCondition,
		StoppedAt:    snap.CurrentID,
		Hits:         s.gen.Hits(),
		Canceled:     canceled,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
	s.logger.Info("stopped at",
		zap.Int64("id", result.StoppedAt),
		zap.Int("hits", len(result.Hits)),
		zap.Duration("elapsed", result.Duration()),
	)

	span.SetAttributes(
		attribute.Int64("scan.stopped_at", result.StoppedAt),
		attribute.Int("scan.hits", len(result.Hits)),
	)

	stage := progress.StageScanDone
	if canceled {
		stage = progress.StageScanAborted
		span.SetStatus(codes.Error, "scan aborted")
	}
	dur := result.Duration()
	if dur < 0 {
		dur = 0
	}
	s.emit(progress.Event{
		TS:        finishedAt,
		Stage:     stage,
		Candidate: result.StoppedAt,
		Dur:       dur,
	})
	return result, nil
}

func (s *Scanner) workers() []dispatcher.Runner {
	cfg := worker.Config{
		RunID:           progress.UUIDToBytes(s.runID),
		MaxAttempts:     s.cfg.MaxAttempts,
		RetryBackoff:    s.cfg.RetryBackoff,
		RetryBackoffMax: s.cfg.RetryBackoffMax,
	}
	runners := make([]dispatcher.Runner, 0, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		runners = append(runners, worker.New(i, s.gen, s.prober, s.limiter, s.emitter, s.clock, cfg, s.logger))
	}
	return runners
}

func (s *Scanner) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(s.runID)
	s.emitter.Emit(evt)
}

// Hits returns the hits accepted so far, in report order.
func (s *Scanner) Hits() []int64 {
	return s.gen.Hits()
}
