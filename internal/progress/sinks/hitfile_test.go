package sinks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/exam-id-scanner/internal/progress"
)

func TestHitFileSinkAppendsHits(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "exam-ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("386905127888735\n"), 0o600))

	sink, err := NewHitFileSink(path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageProbeDone, TS: now, Candidate: 386905127888737, Attempts: 1, Matched: true},
		{Stage: progress.StageHit, TS: now, Candidate: 386905127888737},
		{Stage: progress.StageHitRejected, TS: now, Candidate: 5},
	}))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageHit, TS: now, Candidate: 386905127889741},
	}))
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "386905127888735\n386905127888737\n386905127889741\n", string(data))

	require.Error(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageHit, Candidate: 1}}))
}

func TestHitFileSinkRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewHitFileSink("")
	require.Error(t, err)

	_, err = NewHitFileSink(filepath.Join(t.TempDir(), "missing", "ids.txt"))
	require.ErrorContains(t, err, "open hit file")
}
