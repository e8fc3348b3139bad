package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-id-scanner/internal/progress"
	"github.com/JakeFAU/exam-id-scanner/internal/store"
)

// StoreSink persists scan runs and accepted hits via a store.HitRepository.
// Hits within one batch are written with a single call.
type StoreSink struct {
	repo   store.HitRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.HitRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run lifecycle events and hits to the repository in batch
// order. It respects ctx deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var pending []store.ExamHit

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.repo.RecordHits(ctx, pending); err != nil {
			return fmt.Errorf("record hits: %w", err)
		}
		s.logger.Debug("hits stored", zap.Int("count", len(pending)))
		pending = pending[:0]
		return nil
	}

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageScanStart:
			run := store.ScanRun{
				ID:           evt.RunUUID(),
				StartID:      evt.Candidate,
				EndCondition: evt.Target,
				StartedAt:    evt.TS,
			}
			if err := s.repo.StartRun(ctx, run); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageHit:
			pending = append(pending, store.ExamHit{
				RunID:   evt.RunUUID(),
				ExamID:  evt.Candidate,
				FoundAt: evt.TS,
			})
		case progress.StageScanDone, progress.StageScanAborted:
			if err := flush(); err != nil {
				return err
			}
			status := store.RunDone
			if evt.Stage == progress.StageScanAborted {
				status = store.RunAborted
			}
			if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS, status, evt.Candidate); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	return flush()
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
