package predictor

import "sync"

// Snapshot is a consistent, lock-free copy of the predictor state.
type Snapshot struct {
	Progress     float64
	StartID      int64
	CurrentID    int64
	EndCondition int64
	WindowStart  int64
	WindowEnd    int64
	Direction    Direction
	Exhausted    bool
	Hits         int
}

// Guarded owns a Predictor and serializes every access to it. The lock is only
// held for a single predictor call, never across I/O.
type Guarded struct {
	mu   sync.Mutex
	p    *Predictor
	hits []int64
}

// NewGuarded wraps p. The caller must not use p directly afterwards.
func NewGuarded(p *Predictor) *Guarded {
	return &Guarded{p: p}
}

// Next returns the next candidate, or false once the scan is exhausted.
func (g *Guarded) Next() (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.p.NextID()
}

// Hit reports a confirmed id. Accepted hits are remembered for the run report.
func (g *Guarded) Hit(id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.p.IDHit(id); err != nil {
		return err
	}
	g.hits = append(g.hits, id)
	return nil
}

// Hits returns the accepted hits in the order they were reported.
func (g *Guarded) Hits() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.hits...)
}

// Snapshot copies the current state for reporting.
func (g *Guarded) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	start, end := g.p.Bounds()
	return Snapshot{
		Progress:     g.p.Progress(),
		StartID:      g.p.StartID(),
		CurrentID:    g.p.CurrentID(),
		EndCondition: g.p.EndCondition(),
		WindowStart:  start,
		WindowEnd:    end,
		Direction:    g.p.Direction(),
		Exhausted:    g.p.Exhausted(),
		Hits:         len(g.hits),
	}
}
