package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubConfig controls buffering and batching for the Hub. Zero values fall
// back to the defaults below.
type HubConfig struct {
	BufferSize     int           // channel capacity between Emit and the batching loop
	MaxBatchEvents int           // flush as soon as this many events are pending
	MaxBatchWait   time.Duration // flush a partial batch after this long
	SinkTimeout    time.Duration // deadline for each Consume call
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// HubStats counts what happened to emitted events.
type HubStats struct {
	Accepted int64
	Dropped  int64
}

// Hub decouples workers from event consumers: Emit queues without blocking and
// a single goroutine hands batches to every sink in registration order.
type Hub struct {
	cfg         HubConfig
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter dropThrottle
	pendingDrop atomic.Int64
	accepted    atomic.Int64
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine over sinks.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: dropThrottle{every: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. Probe events never block: when the
// buffer is full they are dropped and a rate-limited warning is logged.
// Durable stages wait for buffer space until the hub closes or its base
// context ends.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
		return
	default:
	}
	if evt.Stage.Durable() && h.enqueueBlocking(evt) {
		return
	}
	h.dropped.Add(1)
	h.pendingDrop.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.pendingDrop.Swap(0)
		h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", count))
	}
}

func (h *Hub) enqueueBlocking(evt Event) bool {
	var baseDone <-chan struct{}
	if h.cfg.BaseContext != nil {
		baseDone = h.cfg.BaseContext.Done()
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
		return true
	case <-h.stopCh:
		h.logger.Warn("progress event lost on close", zap.String("stage", string(evt.Stage)), zap.Int64("candidate", evt.Candidate))
		return false
	case <-baseDone:
		return false
	}
}

// Stats returns the accepted and dropped event counts so far.
func (h *Hub) Stats() HubStats {
	if h == nil {
		return HubStats{}
	}
	return HubStats{Accepted: h.accepted.Load(), Dropped: h.dropped.Load()}
}

// Close drains remaining events, flushes sinks, closes them, and blocks until
// the background goroutine exits. Subsequent calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := &batcher{hub: h, pending: make([]Event, 0, h.cfg.MaxBatchEvents)}
	wait := time.NewTimer(h.cfg.MaxBatchWait)
	wait.Stop()
	armed := false
	disarm := func() {
		if armed && !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		armed = false
	}
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				disarm()
			} else if !armed {
				// the first event of a batch starts the wait; later ones do not extend it
				wait.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-wait.C:
			armed = false
			b.flush()
		case <-h.stopCh:
			disarm()
			h.drain(b)
			return
		}
	}
}

// drain empties the channel after Close, flushes what is left and closes sinks.
func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		default:
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// batcher accumulates events until MaxBatchEvents is reached or the wait expires.
type batcher struct {
	hub     *Hub
	pending []Event
}

// add appends evt and reports whether the batch filled up and was flushed.
func (b *batcher) add(evt Event) bool {
	b.pending = append(b.pending, evt)
	if len(b.pending) < b.hub.cfg.MaxBatchEvents {
		return false
	}
	b.flush()
	return true
}

func (b *batcher) flush() {
	if len(b.pending) == 0 {
		return
	}
	out := append([]Event(nil), b.pending...)
	b.pending = b.pending[:0]
	for _, sink := range b.hub.sinks {
		if sink != nil {
			b.hub.deliver(sink, out)
		}
	}
}

func (h *Hub) deliver(sink Sink, batch []Event) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	defer cancel()
	if err := sink.Consume(ctx, batch); err != nil {
		h.logger.Warn("progress sink rejected batch",
			zap.String("sink", sinkName(sink)),
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", sinkName(sink)), zap.Error(err))
		}
	}
}

func sinkName(s Sink) string {
	return fmt.Sprintf("%T", s)
}

// dropThrottle lets one backpressure warning through per interval.
type dropThrottle struct {
	every time.Duration
	last  atomic.Int64
}

func (d *dropThrottle) Allow(now time.Time) bool {
	if d.every <= 0 {
		return true
	}
	prev := d.last.Load()
	if now.UnixNano()-prev < d.every.Nanoseconds() {
		return false
	}
	return d.last.CompareAndSwap(prev, now.UnixNano())
}
