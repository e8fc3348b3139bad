// Package progress defines the event structures emitted while a scan runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageScanStart   Stage = "SCAN_START"
	StageScanDone    Stage = "SCAN_DONE"
	StageScanAborted Stage = "SCAN_ABORTED"
	StageProbeDone   Stage = "PROBE_DONE"
	StageProbeFailed Stage = "PROBE_FAILED"
	StageHit         Stage = "HIT"
	StageHitRejected Stage = "HIT_REJECTED"
)

// Durable reports whether the Hub must deliver events of this stage even under
// backpressure: run lifecycle events and accepted hits.
func (s Stage) Durable() bool {
	switch s {
	case StageScanStart, StageScanDone, StageScanAborted, StageHit:
		return true
	default:
		return false
	}
}

// Event captures a single step of scan progress.
type Event struct {
	// RunID identifies the scan run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or probe milestone occurred.
	Stage Stage
	// Worker is the index of the emitting worker; zero for run events.
	Worker int
	// Candidate is the exam id the event refers to. For SCAN_DONE and
	// SCAN_ABORTED it carries the final position.
	Candidate int64
	// Target is the end condition of the run; only set on SCAN_START, whose
	// Candidate is the start id.
	Target int64
	// Attempts counts the probe attempts spent on Candidate.
	Attempts int
	// Matched is set when the probe recognised an existing exam.
	Matched bool
	// Dur captures probe latency, or run time for the closing run event.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart, StageScanDone, StageScanAborted:
	case StageProbeDone, StageProbeFailed:
		if e.Candidate == 0 {
			return fmt.Errorf("%s requires candidate", e.Stage)
		}
		if e.Attempts <= 0 {
			return fmt.Errorf("%s requires attempts", e.Stage)
		}
	case StageHit, StageHitRejected:
		if e.Candidate == 0 {
			return fmt.Errorf("%s requires candidate", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
