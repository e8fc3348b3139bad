package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "reports"})
	require.ErrorContains(t, err, "client")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket")

	_, err = Dial(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	s, err := New(&storage.Client{}, Config{Bucket: "reports"})
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), " ", "application/json", nil)
	require.ErrorContains(t, err, "path is required")
	require.NoError(t, s.Close())
}
