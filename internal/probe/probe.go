// Package probe defines how a single candidate exam id is checked against CampusNet.
package probe

import (
	"context"
	"errors"
	"fmt"
)

// Prober checks whether a candidate id refers to an existing exam.
type Prober interface {
	Probe(ctx context.Context, id int64) (bool, error)
}

// ErrSession is returned when the service answers with its login form,
// meaning the session cookie is no longer valid.
var ErrSession = errors.New("invalid session")

// TransientError wraps a network or HTTP failure for one probe attempt.
type TransientError struct {
	ID         int64
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("probe %d: status %d: %v", e.ID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("probe %d: %v", e.ID, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Func adapts a function to the Prober interface.
type Func func(ctx context.Context, id int64) (bool, error)

// Probe calls f.
func (f Func) Probe(ctx context.Context, id int64) (bool, error) {
	return f(ctx, id)
}
