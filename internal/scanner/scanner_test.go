package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/exam-id-scanner/internal/predictor"
	"github.com/JakeFAU/exam-id-scanner/internal/probe"
	"github.com/JakeFAU/exam-id-scanner/internal/progress"
	"github.com/JakeFAU/exam-id-scanner/internal/storage/memory"
)

func TestScannerRunsToExhaustion(t *testing.T) {
	t.Parallel()

	valid := map[int64]bool{1003: true, 1901: true, 2905: true}
	isHit := func(id int64) bool { return valid[id] }

	// single worker keeps the hit order deterministic
	expected := sequentialHits(t, 1001, 6001, predictor.DefaultWindow, isHit)
	require.NotEmpty(t, expected)

	emitter := &recordingEmitter{}
	renderer := &recordingRenderer{}
	core, logs := observer.New(zap.InfoLevel)
	runID := uuid.New()

	s, err := New(Config{StartID: 1001, EndCondition: 6001, Workers: 1, Window: predictor.DefaultWindow},
		probe.Func(func(_ context.Context, id int64) (bool, error) { return isHit(id), nil }),
		WithEmitter(emitter),
		WithRenderer(renderer),
		WithLogger(zap.New(core)),
		WithRunID(runID),
	)
	require.NoError(t, err)
	require.Equal(t, runID, s.RunID())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Canceled)
	require.Equal(t, expected, res.Hits)
	require.Equal(t, runID, res.RunID)
	require.Greater(t, res.StoppedAt, int64(6001))
	require.False(t, res.FinishedAt.Before(res.StartedAt))
	require.True(t, s.Snapshot().Exhausted)

	events := emitter.all()
	require.Equal(t, progress.StageScanStart, events[0].Stage)
	require.Equal(t, int64(1001), events[0].Candidate)
	require.Equal(t, int64(6001), events[0].Target)
	last := events[len(events)-1]
	require.Equal(t, progress.StageScanDone, last.Stage)
	require.Equal(t, res.StoppedAt, last.Candidate)
	require.Equal(t, progress.UUIDToBytes(runID), last.RunID)
	require.Len(t, emitter.byStage(progress.StageHit), len(expected))

	require.Equal(t, 1, renderer.finishes())
	require.Equal(t, "100.00%", renderer.final()[:7])
	require.Equal(t, 1, logs.FilterMessage("done").Len())
	require.Equal(t, 1, logs.FilterMessage("stopped at").Len())

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRan)
}

func TestScannerStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	prober := probe.Func(func(context.Context, int64) (bool, error) {
		if calls.Add(1) == 50 {
			cancel()
		}
		return false, nil
	})
	emitter := &recordingEmitter{}
	core, logs := observer.New(zap.InfoLevel)

	s, err := New(Config{StartID: 1, EndCondition: 1_000_000_001, Workers: 4}, prober,
		WithEmitter(emitter),
		WithLogger(zap.New(core)),
	)
	require.NoError(t, err)

	type outcome struct {
		res Result
		err error
	}
	finished := make(chan outcome, 1)
	go func() {
		res, runErr := s.Run(ctx)
		finished <- outcome{res: res, err: runErr}
	}()

	var res Result
	select {
	case out := <-finished:
		require.NoError(t, out.err)
		res = out.res
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop after cancellation")
	}
	require.True(t, res.Canceled)
	require.Less(t, calls.Load(), int64(1000))
	require.Equal(t, 1, logs.FilterMessage("aborting").Len())

	// workers still finishing a probe may emit after the abort event
	aborted := emitter.byStage(progress.StageScanAborted)
	require.Len(t, aborted, 1)
	require.Equal(t, res.StoppedAt, aborted[0].Candidate)
}

func TestScannerCancelDoesNotWaitForBlockedCandidates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var calls atomic.Int64
	prober := probe.Func(func(context.Context, int64) (bool, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return false, nil
	})

	s, err := New(Config{StartID: 1, EndCondition: 100_001, Workers: 2}, prober)
	require.NoError(t, err)

	finished := make(chan Result, 1)
	go func() {
		res, runErr := s.Run(ctx)
		if runErr == nil {
			finished <- res
		}
	}()

	select {
	case res := <-finished:
		require.True(t, res.Canceled)
		require.Positive(t, res.StoppedAt)
	case <-time.After(time.Second):
		t.Fatal("scan waited for a blocked probe after cancellation")
	}
}

func TestScannerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	noop := probe.Func(func(context.Context, int64) (bool, error) { return false, nil })

	_, err := New(Config{StartID: 1000, EndCondition: 2001}, noop)
	require.ErrorIs(t, err, predictor.ErrEvenStartID)

	_, err = New(Config{StartID: 1001, EndCondition: 2001, Window: predictor.Window{Backwards: -1}}, noop)
	require.ErrorIs(t, err, predictor.ErrInvalidWindow)

	_, err = New(Config{StartID: 1001, EndCondition: 2001}, nil)
	require.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	runID := uuid.New()
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	res := Result{
		RunID:        runID,
		StartID:      386905127888735,
		EndCondition: 386905127988735,
		StoppedAt:    386905127890001,
		Canceled:     true,
		StartedAt:    started,
		FinishedAt:   started.Add(time.Minute),
	}

	uri, err := WriteReport(context.Background(), store, "reports", res)
	require.NoError(t, err)
	require.Equal(t, "memory://reports/"+runID.String()+".json", uri)

	data, contentType, ok := store.Get("reports/" + runID.String() + ".json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, runID.String(), decoded["run_id"])
	require.Equal(t, true, decoded["canceled"])
	require.Equal(t, []any{}, decoded["hits"])

	_, err = WriteReport(context.Background(), failingStore{}, "", res)
	require.ErrorContains(t, err, "put report")
}

func sequentialHits(t *testing.T, start, end int64, w predictor.Window, isHit func(int64) bool) []int64 {
	t.Helper()
	p, err := predictor.New(start, end, w)
	require.NoError(t, err)
	var hits []int64
	for {
		id, ok := p.NextID()
		if !ok {
			return hits
		}
		if isHit(id) {
			require.NoError(t, p.IDHit(id))
			hits = append(hits, id)
		}
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) all() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

func (e *recordingEmitter) byStage(stage progress.Stage) []progress.Event {
	var out []progress.Event
	for _, evt := range e.all() {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

type recordingRenderer struct {
	mu       sync.Mutex
	finished []string
}

func (r *recordingRenderer) Render(string) {}

func (r *recordingRenderer) Finish(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, status)
}

func (r *recordingRenderer) finishes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

func (r *recordingRenderer) final() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[len(r.finished)-1]
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}
