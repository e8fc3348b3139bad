// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/exam-id-scanner/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultRunsTable = "scan_runs"
	DefaultHitsTable = "exam_ids"
)

// HitStoreConfig controls the Postgres connection pool used for scan results.
type HitStoreConfig struct {
	DSN             string
	RunsTable       string
	HitsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// HitStore writes scan runs and discovered exam ids into Postgres. It
// satisfies store.HitRepository.
type HitStore struct {
	pool      execCloser
	runsTable string
	hitsTable string
}

var _ store.HitRepository = (*HitStore)(nil)

// NewHitStore creates a Postgres-backed HitStore using the provided config.
func NewHitStore(ctx context.Context, cfg HitStoreConfig) (*HitStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	runs, hits, err := tableNames(cfg.RunsTable, cfg.HitsTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &HitStore{pool: pool, runsTable: runs, hitsTable: hits}, nil
}

// NewHitStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHitStoreWithPool(pool execCloser, runsTable, hitsTable string) (*HitStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	runs, hits, err := tableNames(runsTable, hitsTable)
	if err != nil {
		return nil, err
	}
	return &HitStore{pool: pool, runsTable: runs, hitsTable: hits}, nil
}

func tableNames(runs, hits string) (string, string, error) {
	if runs == "" {
		runs = DefaultRunsTable
	}
	if hits == "" {
		hits = DefaultHitsTable
	}
	for _, table := range []string{runs, hits} {
		if !validTableName.MatchString(table) {
			return "", "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return runs, hits, nil
}

// Close releases the underlying pool resources.
func (s *HitStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the runs and hits tables when they do not exist.
func (s *HitStore) EnsureSchema(ctx context.Context) error {
	runs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            UUID PRIMARY KEY,
	start_id      BIGINT NOT NULL,
	end_condition BIGINT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	stopped_at    BIGINT
)`, s.runsTable)
	if _, err := s.pool.Exec(ctx, runs); err != nil {
		return fmt.Errorf("create %s: %w", s.runsTable, err)
	}
	hits := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	exam_id  BIGINT PRIMARY KEY,
	run_id   UUID NOT NULL,
	found_at TIMESTAMPTZ NOT NULL
)`, s.hitsTable)
	if _, err := s.pool.Exec(ctx, hits); err != nil {
		return fmt.Errorf("create %s: %w", s.hitsTable, err)
	}
	return nil
}

// StartRun inserts the run row; an existing row is left untouched.
func (s *HitStore) StartRun(ctx context.Context, run store.ScanRun) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("hit store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, start_id, end_condition, status, started_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, run.ID, run.StartID, run.EndCondition, store.RunRunning, run.StartedAt); err != nil {
		return fmt.Errorf("insert scan run: %w", err)
	}
	return nil
}

// FinishRun records the final status and stopping point of a run.
func (s *HitStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	stoppedAt int64,
) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("hit store is not configured")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, finished_at = $2, stopped_at = $3
WHERE id = $4`, s.runsTable)
	tag, err := s.pool.Exec(ctx, query, status, finishedAt, stoppedAt, runID)
	if err != nil {
		return fmt.Errorf("update scan run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan run %s not found", runID)
	}
	return nil
}

// RecordHits inserts discovered exam ids. An exam id already recorded by an
// earlier run keeps its original row.
func (s *HitStore) RecordHits(ctx context.Context, hits []store.ExamHit) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("hit store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (exam_id, run_id, found_at)
VALUES ($1, $2, $3)
ON CONFLICT (exam_id) DO NOTHING`, s.hitsTable)
	for _, hit := range hits {
		if _, err := s.pool.Exec(ctx, query, hit.ExamID, hit.RunID, hit.FoundAt); err != nil {
			return fmt.Errorf("insert exam id %d: %w", hit.ExamID, err)
		}
	}
	return nil
}
