package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the scan_runs status column.
type RunStatus string

// Scan run statuses persisted in scan_runs.status.
const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunAborted RunStatus = "aborted"
)

// ScanRun models a row of scan_runs.
type ScanRun struct {
	// ID is the run identifier shared with progress events.
	ID uuid.UUID
	// StartID is the known-valid exam id the scan started from.
	StartID int64
	// EndCondition is the boundary the scan moves toward.
	EndCondition int64
	// StartedAt captures when the run was marked running.
	StartedAt time.Time
}

// ExamHit is one discovered exam id.
type ExamHit struct {
	RunID   uuid.UUID
	ExamID  int64
	FoundAt time.Time
}

// HitRepository persists scan runs and the exam ids they discovered.
type HitRepository interface {
	// StartRun inserts the run row, or leaves an existing one untouched.
	StartRun(ctx context.Context, run ScanRun) error
	// FinishRun records the final status and stopping point of a run.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, stoppedAt int64) error
	// RecordHits stores discovered exam ids; duplicates are ignored.
	RecordHits(ctx context.Context, hits []ExamHit) error
}
