// Package system provides the wall clock used by workers and the scanner.
package system

import "time"

// Clock stamps events and run boundaries with UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
