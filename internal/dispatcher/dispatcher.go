// Package dispatcher runs the scan's worker pool.
package dispatcher

import (
	"context"
	"sync"
)

// Runner is a pool member; worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans a shared generator out to a pool of workers.
type Dispatcher struct {
	workers []Runner
}

// New creates a Dispatcher.
func New(workers []Runner) *Dispatcher {
	return &Dispatcher{workers: append([]Runner(nil), workers...)}
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Start launches every worker and returns a channel that is closed once all
// of them have returned. Workers stop on their own when the generator is
// exhausted, or stop pulling once ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
