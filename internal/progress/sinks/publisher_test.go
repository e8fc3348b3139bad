package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/exam-id-scanner/internal/progress"
	"github.com/JakeFAU/exam-id-scanner/internal/publisher/memory"
)

func TestPublisherSinkPublishesHits(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "exam-ids", nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageScanStart, TS: ts},
		{RunID: runID, Stage: progress.StageHit, TS: ts, Candidate: 386905127888737},
		{RunID: runID, Stage: progress.StageHitRejected, TS: ts, Candidate: 9},
	}))

	payloads := pub.ByTopic("exam-ids")
	require.Len(t, payloads, 1)
	require.Equal(t, HitMessage{RunID: runUUID.String(), ExamID: 386905127888737, FoundAt: ts}, payloads[0])
}

func TestPublisherSinkReturnsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	sink := NewPublisherSink(pub, "exam-ids", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageHit, TS: time.Now(), Candidate: 3},
	})
	require.ErrorContains(t, err, "publish hit 3")
}
