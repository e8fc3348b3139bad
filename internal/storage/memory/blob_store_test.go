package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "reports/run.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/run.json", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Get("reports/run.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, "application/json", contentType)

	stored[0] = 'X'
	again, _, _ := store.Get("reports/run.json")
	require.Equal(t, "content", string(again))

	_, _, ok = store.Get("missing")
	require.False(t, ok)
}
