package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/exam-id-scanner/internal/predictor"
	"github.com/JakeFAU/exam-id-scanner/internal/probe"
	"github.com/JakeFAU/exam-id-scanner/internal/worker"
)

// TestDispatcherDrainsGenerator runs a real pool against a shared predictor and
// checks every candidate is probed exactly once.
func TestDispatcherDrainsGenerator(t *testing.T) {
	t.Parallel()

	reference, err := predictor.New(1, 40001, predictor.DefaultWindow)
	require.NoError(t, err)
	var expected []int64
	for {
		id, ok := reference.NextID()
		if !ok {
			break
		}
		expected = append(expected, id)
	}

	p, err := predictor.New(1, 40001, predictor.DefaultWindow)
	require.NoError(t, err)
	gen := predictor.NewGuarded(p)

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
	)
	prober := probe.Func(func(_ context.Context, id int64) (bool, error) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return false, nil
	})

	runners := make([]Runner, 0, 8)
	for i := 0; i < 8; i++ {
		runners = append(runners, worker.New(i, gen, prober, nil, nil, nil, worker.Config{}, nil))
	}
	d := New(runners)
	require.Equal(t, 8, d.Size())

	select {
	case <-d.Start(context.Background()):
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, len(expected))
	for _, id := range expected {
		require.Equal(t, 1, seen[id], "candidate %d", id)
	}
	require.True(t, gen.Snapshot().Exhausted)
}

// TestDispatcherStopsOnCancel ensures blocked workers are awaited and the done
// channel closes once they return after cancellation.
func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	runners := []Runner{blockingRunner{&started}, blockingRunner{&started}}
	d := New(runners)

	ctx, cancel := context.WithCancel(context.Background())
	done := d.Start(ctx)

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("pool finished before cancellation")
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherWithoutWorkers(t *testing.T) {
	t.Parallel()

	d := New(nil)
	require.Zero(t, d.Size())
	select {
	case <-d.Start(context.Background()):
	case <-time.After(time.Second):
		t.Fatal("empty pool did not finish")
	}
}

type blockingRunner struct {
	started *atomic.Int32
}

func (r blockingRunner) Run(ctx context.Context) {
	r.started.Add(1)
	<-ctx.Done()
}
