// Package predictor generates candidate exam ids around a known-valid id.
//
// Candidate ids are always odd. The predictor scans a bounded window densely,
// jumps the window ahead once it is exhausted and recenters it whenever a hit
// is reported, so that scanning stays close to the most recent valid id.
package predictor

import (
	"errors"
	"fmt"
)

const (
	// ShiftMagnitude is how far the window moves when it is exhausted or after a hit.
	ShiftMagnitude int64 = 1000
	// Stride is the distance between two consecutive candidates.
	Stride int64 = 2
)

// DefaultWindow is the window used by the command line tool.
var DefaultWindow = Window{Backwards: 150, Forwards: 150}

var (
	// ErrEvenStartID is returned when the starting id is not odd.
	ErrEvenStartID = errors.New("start id must be odd")
	// ErrInvalidWindow is returned for negative window magnitudes.
	ErrInvalidWindow = errors.New("window magnitudes must be non-negative")
)

// Window describes how far the active window extends around its center.
type Window struct {
	Backwards int64
	Forwards  int64
}

// Direction is the travel direction of a scan.
type Direction int

// Supported travel directions.
const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// AnomalousHitError reports a hit too far outside the active window to be applied.
type AnomalousHitError struct {
	ID          int64
	WindowStart int64
	WindowEnd   int64
}

func (e *AnomalousHitError) Error() string {
	return fmt.Sprintf("id hit outside of expected window: %d - [%d; %d]", e.ID, e.WindowStart, e.WindowEnd)
}

// Predictor holds the mutable search state. It is not safe for concurrent use;
// share it through Guarded.
type Predictor struct {
	window    Window
	direction Direction

	currentID int64

	windowStart int64
	windowEnd   int64

	startID      int64
	endCondition int64

	exhausted bool
}

// New builds a Predictor scanning from startID toward endCondition.
func New(startID, endCondition int64, window Window) (*Predictor, error) {
	if startID%2 == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEvenStartID, startID)
	}
	if window.Backwards < 0 || window.Forwards < 0 {
		return nil, fmt.Errorf("%w: backwards=%d forwards=%d", ErrInvalidWindow, window.Backwards, window.Forwards)
	}

	direction := Forward
	if startID > endCondition {
		direction = Backward
	}

	return &Predictor{
		window:       window,
		direction:    direction,
		currentID:    startID,
		windowStart:  startID - window.Backwards,
		windowEnd:    startID + window.Forwards,
		startID:      startID,
		endCondition: endCondition,
	}, nil
}

// StartID returns the id the scan started from.
func (p *Predictor) StartID() int64 { return p.startID }

// CurrentID returns the next value that will be considered.
func (p *Predictor) CurrentID() int64 { return p.currentID }

// EndCondition returns the boundary id.
func (p *Predictor) EndCondition() int64 { return p.endCondition }

// Direction returns the travel direction.
func (p *Predictor) Direction() Direction { return p.direction }

// Bounds returns the active window.
func (p *Predictor) Bounds() (start, end int64) { return p.windowStart, p.windowEnd }

// Exhausted reports whether the boundary has been crossed.
func (p *Predictor) Exhausted() bool { return p.exhausted }

// NextID returns the next candidate. Once it returns false it always does.
func (p *Predictor) NextID() (int64, bool) {
	if p.exhausted {
		return 0, false
	}

	for {
		next := p.currentID
		if p.direction == Backward {
			p.currentID -= Stride
			if next < p.windowStart {
				p.shiftWindow()
				// never step back over ids that were already issued
				if p.currentID > next {
					p.currentID = next
				}
				continue
			}
			if next < p.endCondition {
				p.exhausted = true
				return 0, false
			}
			return next, true
		}

		p.currentID += Stride
		if next > p.windowEnd {
			p.shiftWindow()
			if p.currentID < next {
				p.currentID = next
			}
			continue
		}
		if next > p.endCondition {
			p.exhausted = true
			return 0, false
		}
		return next, true
	}
}

// IDHit recenters the window on a confirmed id and moves it one shift ahead.
// Hits further than one shift outside the window are rejected unchanged. Once
// exhausted, the window still moves but the final position is kept.
func (p *Predictor) IDHit(id int64) error {
	if id < p.windowStart-ShiftMagnitude || id > p.windowEnd+ShiftMagnitude {
		return &AnomalousHitError{ID: id, WindowStart: p.windowStart, WindowEnd: p.windowEnd}
	}

	stoppedAt := p.currentID
	p.windowStart = id - p.window.Backwards
	p.windowEnd = id + p.window.Forwards
	p.shiftWindow()
	if p.exhausted {
		p.currentID = stoppedAt
	}
	return nil
}

// Progress estimates how far the scan has traveled toward the boundary, in [0,1].
func (p *Predictor) Progress() float64 {
	if p.exhausted {
		return 1
	}

	var travelled, total int64
	if p.direction == Backward {
		if p.currentID < p.endCondition {
			return 1
		}
		travelled = p.startID - p.currentID
		total = p.startID - p.endCondition
	} else {
		if p.currentID > p.endCondition {
			return 1
		}
		travelled = p.currentID - p.startID
		total = p.endCondition - p.startID
	}
	if total == 0 {
		return 0
	}

	fraction := float64(travelled) / float64(total)
	switch {
	case fraction < 0:
		return 0
	case fraction > 1:
		return 1
	}
	return fraction
}

// shiftWindow translates the window in the travel direction and restarts at its
// leading edge.
func (p *Predictor) shiftWindow() {
	if p.direction == Backward {
		p.windowStart -= ShiftMagnitude
		p.windowEnd -= ShiftMagnitude
		p.currentID = toOdd(p.windowEnd, -1)
		return
	}

	p.windowStart += ShiftMagnitude
	p.windowEnd += ShiftMagnitude
	p.currentID = toOdd(p.windowStart, 1)
}

// toOdd moves v by one step toward step's sign if v is even.
func toOdd(v, step int64) int64 {
	if v%2 == 0 {
		return v + step
	}
	return v
}
