package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageProbeDone))
	hub.Emit(sampleEvent(StageHit))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageScanStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    HubConfig{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageProbeDone))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, HubStats{Dropped: 1}, hub.Stats())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageHit))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())
	require.Equal(t, int64(1), hub.Stats().Accepted)

	// emitting after close is a no-op and closing again only waits
	hub.Emit(sampleEvent(StageHit))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubKeepsHitsUnderBackpressure(t *testing.T) {
	t.Parallel()

	sink := &gatedSink{stubSink: newStubSink(), entered: make(chan struct{}, 16), release: make(chan struct{})}
	hub := NewHub(HubConfig{
		BufferSize:     1,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageProbeDone))
	<-sink.entered // the batching loop is now stuck in Consume

	hub.Emit(sampleEvent(StageProbeDone)) // fills the buffer
	hub.Emit(sampleEvent(StageProbeDone)) // dropped
	require.Equal(t, int64(1), hub.Stats().Dropped)

	hit := sampleEvent(StageHit)
	hit.Candidate = 1003
	emitted := make(chan struct{})
	go func() {
		hub.Emit(hit)
		close(emitted)
	}()
	select {
	case <-emitted:
		t.Fatal("hit returned while the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("hit was never enqueued")
	}
	require.NoError(t, hub.Close(context.Background()))

	var hits []Event
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			if evt.Stage == StageHit {
				hits = append(hits, evt)
			}
		}
	}
	require.Len(t, hits, 1)
	require.Equal(t, int64(1003), hits[0].Candidate)
	require.Equal(t, HubStats{Accepted: 3, Dropped: 1}, hub.Stats())
}

func TestHubReleasesBlockedHitOnClose(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    HubConfig{},
		events: make(chan Event),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	emitted := make(chan struct{})
	go func() {
		hub.Emit(sampleEvent(StageHit))
		close(emitted)
	}()
	close(hub.stopCh)
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("blocked hit not released by close")
	}
	require.Equal(t, int64(1), hub.Stats().Dropped)
}

func TestStageDurable(t *testing.T) {
	t.Parallel()

	for _, stage := range []Stage{StageScanStart, StageScanDone, StageScanAborted, StageHit} {
		require.True(t, stage.Durable(), stage)
	}
	for _, stage := range []Stage{StageProbeDone, StageProbeFailed, StageHitRejected} {
		require.False(t, stage.Durable(), stage)
	}
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageHit})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.Equal(t, HubStats{}, hub.Stats())
}

func TestHubKeepsFlushingAfterSinkError(t *testing.T) {
	t.Parallel()

	failing := newStubSink()
	failing.err = errors.New("database unavailable")
	healthy := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 1}, failing, healthy)

	hub.Emit(sampleEvent(StageHit))
	hub.Emit(sampleEvent(StageHit))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, healthy.Batches(), 2)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageHit))
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, HubStats{}, hub.Stats())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := sampleEvent(StageProbeFailed)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing run id", func(e *Event) { e.RunID = [16]byte{} }},
		{"missing timestamp", func(e *Event) { e.TS = time.Time{} }},
		{"unknown stage", func(e *Event) { e.Stage = "FETCH" }},
		{"probe without candidate", func(e *Event) { e.Candidate = 0 }},
		{"probe without attempts", func(e *Event) { e.Attempts = 0 }},
		{"negative duration", func(e *Event) { e.Dur = -time.Second }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evt := valid
			tc.mutate(&evt)
			require.Error(t, evt.Validate())
		})
	}

	run := Event{RunID: valid.RunID, TS: time.Now(), Stage: StageScanStart}
	require.NoError(t, run.Validate())
	require.Equal(t, uuid.UUID(valid.RunID), valid.RunUUID())
}

// gatedSink blocks every Consume until release is closed.
type gatedSink struct {
	*stubSink
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSink) Consume(ctx context.Context, batch []Event) error {
	s.entered <- struct{}{}
	<-s.release
	return s.stubSink.Consume(ctx, batch)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID:     UUIDToBytes(uuid.New()),
		TS:        time.Now(),
		Stage:     stage,
		Worker:    1,
		Candidate: 386905127888735,
		Attempts:  1,
	}
}
