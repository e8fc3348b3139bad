package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/exam-id-scanner/internal/progress"
)

// PrometheusSink exports scan progress metrics via Prometheus. It owns all
// collectors for scans started/completed/running and per-probe counters.
type PrometheusSink struct {
	scansStarted   prometheus.Counter
	scansCompleted *prometheus.CounterVec
	scansRunning   prometheus.Gauge
	scanRuntime    *prometheus.HistogramVec

	probes        *prometheus.CounterVec
	probeAttempts prometheus.Histogram
	probeDuration *prometheus.HistogramVec
	hits          *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examscan_scans_started_total",
			Help: "Total scans that have started.",
		}),
		scansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examscan_scans_completed_total",
			Help: "Total scans completed partitioned by result.",
		}, []string{"result"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examscan_scans_running",
			Help: "Current number of running scans.",
		}),
		scanRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "examscan_scan_runtime_seconds",
			Help:    "Wall time per completed scan.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examscan_probes_total",
			Help: "Candidates probed partitioned by result (match, miss, failed).",
		}, []string{"result"}),
		probeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "examscan_probe_attempts",
			Help:    "Attempts spent per candidate.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "examscan_probe_duration_seconds",
			Help:    "Probe duration including retries partitioned by result.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"result"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examscan_hits_total",
			Help: "Matched exam ids partitioned by status (accepted, rejected).",
		}, []string{"status"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.scansStarted,
		s.scansCompleted,
		s.scansRunning,
		s.scanRuntime,
		s.probes,
		s.probeAttempts,
		s.probeDuration,
		s.hits,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScanStart, progress.StageScanDone, progress.StageScanAborted:
		s.handleScanEvent(evt)
	case progress.StageProbeDone, progress.StageProbeFailed:
		s.handleProbeEvent(evt)
	case progress.StageHit:
		s.hits.WithLabelValues("accepted").Inc()
	case progress.StageHitRejected:
		s.hits.WithLabelValues("rejected").Inc()
	}
}

func (s *PrometheusSink) handleScanEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScanStart:
		s.scansStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.scansRunning.Inc()
		}
		return
	case progress.StageScanDone:
		s.scansCompleted.WithLabelValues("done").Inc()
		s.observeRuntime(evt, "done")
	case progress.StageScanAborted:
		s.scansCompleted.WithLabelValues("aborted").Inc()
		s.observeRuntime(evt, "aborted")
	}
	if s.tracker.complete(evt.RunID) {
		s.scansRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.scanRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleProbeEvent(evt progress.Event) {
	result := "failed"
	if evt.Stage == progress.StageProbeDone {
		result = "miss"
		if evt.Matched {
			result = "match"
		}
	}
	s.probes.WithLabelValues(result).Inc()
	if evt.Attempts > 0 {
		s.probeAttempts.Observe(float64(evt.Attempts))
	}
	if evt.Dur > 0 {
		s.probeDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
