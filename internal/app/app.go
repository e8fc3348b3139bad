// Package app builds the long-lived services a scan needs from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-id-scanner/internal/api"
	"github.com/JakeFAU/exam-id-scanner/internal/config"
	"github.com/JakeFAU/exam-id-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/exam-id-scanner/internal/predictor"
	collyprobe "github.com/JakeFAU/exam-id-scanner/internal/probe/colly"
	"github.com/JakeFAU/exam-id-scanner/internal/progress"
	progresssinks "github.com/JakeFAU/exam-id-scanner/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/exam-id-scanner/internal/publisher/pubsub"
	"github.com/JakeFAU/exam-id-scanner/internal/scanner"
	gcsstorage "github.com/JakeFAU/exam-id-scanner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/exam-id-scanner/internal/storage/local"
	pgstore "github.com/JakeFAU/exam-id-scanner/internal/storage/postgres"
	"github.com/JakeFAU/exam-id-scanner/internal/telemetry"
)

const serverShutdownTimeout = 10 * time.Second

// App contains the scan's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registerer prometheus.Registerer
	prober     *collyprobe.Prober
	limiter    *ratelimit.Limiter
	hub        *progress.Hub
	blobs      scanner.BlobStore
	gcs        *gcsstorage.BlobStore
	hitStore   *pgstore.HitStore
	publisher  *gcppublisher.Publisher
	tracer     *sdktrace.TracerProvider

	server     *http.Server
	serverAddr string
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the progress metrics on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies. On error everything built so
// far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:        cfg,
		logger:     logger,
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.logger.Info("building application dependencies")
	if err := a.build(ctx); err != nil {
		if cerr := a.Close(context.Background()); cerr != nil {
			a.logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: "examscan"})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	a.prober, err = collyprobe.New(collyprobe.Config{
		BaseURL:       a.cfg.Session.BaseURL,
		SessionID:     a.cfg.Session.ID,
		SessionCookie: a.cfg.Session.Cookie,
		UserAgent:     a.cfg.HTTP.UserAgent,
		Timeout:       a.cfg.HTTPTimeout(),
	})
	if err != nil {
		return fmt.Errorf("prober init failed: %w", err)
	}
	a.logger.Info("using colly prober",
		zap.String("base_url", a.cfg.Session.BaseURL),
		zap.String("user_agent", a.cfg.HTTP.UserAgent),
		zap.Duration("timeout", a.cfg.HTTPTimeout()),
	)

	a.limiter = ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.HTTP.RateLimitRPS,
		Burst: a.cfg.HTTP.RateLimitBurst,
	})
	if a.limiter.Unlimited() {
		a.logger.Info("rate limiter disabled")
	} else {
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", a.cfg.HTTP.RateLimitRPS),
			zap.Int("burst", a.cfg.HTTP.RateLimitBurst),
		)
	}

	if err = a.setupStorage(ctx); err != nil {
		return err
	}
	if err = a.setupDatabase(ctx); err != nil {
		return err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return err
	}
	return a.setupProgress(ctx)
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch {
	case a.cfg.Report.GCSBucket != "":
		a.gcs, err = gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Report.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = a.gcs
		a.logger.Info("writing run reports to GCS", zap.String("bucket", a.cfg.Report.GCSBucket))
	case a.cfg.Report.LocalDir != "":
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Report.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("writing run reports to disk", zap.String("path", a.cfg.Report.LocalDir))
	default:
		a.logger.Debug("no report destination configured")
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no DSN specified for database, skipping hit store")
		return nil
	}
	var err error
	a.hitStore, err = pgstore.NewHitStore(ctx, pgstore.HitStoreConfig{
		DSN:       a.cfg.DB.DSN,
		RunsTable: a.cfg.DB.RunsTable,
		HitsTable: a.cfg.DB.HitsTable,
		MaxConns:  a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("hit store init failed: %w", err)
	}
	if a.cfg.DB.CreateSchema {
		if err = a.hitStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("hit store schema: %w", err)
		}
	}
	a.logger.Info("hit store initialized",
		zap.String("runs_table", a.cfg.DB.RunsTable),
		zap.String("hits_table", a.cfg.DB.HitsTable),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicID == "" {
		a.logger.Debug("no Pub/Sub topic configured, hit notifications disabled")
		return nil
	}
	var err error
	a.publisher, err = gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	prom, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{prom}

	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Output.HitsFile != "" {
		hitFile, err := progresssinks.NewHitFileSink(a.cfg.Output.HitsFile)
		if err != nil {
			return fmt.Errorf("hit file sink init failed: %w", err)
		}
		sinkList = append(sinkList, hitFile)
		a.logger.Info("appending hits to file", zap.String("path", a.cfg.Output.HitsFile))
	}
	if a.hitStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.hitStore, a.logger.Named("progress_store")))
	}
	if a.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(
			a.publisher,
			a.cfg.PubSub.TopicID,
			a.logger.Named("progress_publisher"),
		))
	}

	hubCfg := progress.HubConfig{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.BatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutSec) * time.Second,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// NewScanner builds a scan between startID and endCondition on the shared
// services. renderer may be nil for a silent run.
func (a *App) NewScanner(startID, endCondition int64, renderer progress.Renderer) (*scanner.Scanner, error) {
	initial, maxDelay := a.cfg.RetryBackoff()
	opts := []scanner.Option{
		scanner.WithLimiter(a.limiter),
		scanner.WithEmitter(a.hub),
		scanner.WithLogger(a.logger),
	}
	if renderer != nil {
		opts = append(opts, scanner.WithRenderer(renderer))
	}
	return scanner.New(scanner.Config{
		StartID:      startID,
		EndCondition: endCondition,
		Window: predictor.Window{
			Backwards: a.cfg.Scan.WindowBackwards,
			Forwards:  a.cfg.Scan.WindowForwards,
		},
		Workers:         a.cfg.Scan.Threads,
		MaxAttempts:     a.cfg.Scan.MaxAttempts,
		RetryBackoff:    initial,
		RetryBackoffMax: maxDelay,
		ReportInterval:  a.cfg.ReportInterval(),
	}, a.prober, opts...)
}

// Serve starts the status server when server.listen is set. It returns once
// the listener is bound; serving continues in the background until Close.
func (a *App) Serve(status api.StatusSource) error {
	if a.cfg.Server.Listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	apiServer := api.NewServer(status, api.Config{APIKey: a.cfg.Server.APIKey}, a.logger.Named("api"))
	a.serverAddr = ln.Addr().String()
	a.server = &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Stringer("addr", ln.Addr()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

// ServerAddr returns the bound address of the status server, or "" when it is
// not running.
func (a *App) ServerAddr() string {
	return a.serverAddr
}

// WriteReport stores the run report when a report destination is configured
// and returns its URI, or "" when reports are disabled.
func (a *App) WriteReport(ctx context.Context, r scanner.Result) (string, error) {
	if a.blobs == nil {
		return "", nil
	}
	return scanner.WriteReport(ctx, a.blobs, a.cfg.Report.Prefix, r)
}

// HubStats reports how many progress events were delivered or dropped.
func (a *App) HubStats() progress.HubStats {
	if a.hub == nil {
		return progress.HubStats{}
	}
	return a.hub.Stats()
}

// Close gracefully shuts down the application. The progress hub is drained
// before the stores its sinks write to are closed.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		cancel()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub close: %w", err))
		}
	}
	if a.hitStore != nil {
		a.hitStore.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs close: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if len(errs) == 0 {
		a.logger.Debug("shutdown complete")
	}
	return errors.Join(errs...)
}
