package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
)

// BlobStore persists run reports. The local, gcs and memory storage packages
// satisfy it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ReportPath returns the object path of a run report below prefix.
func ReportPath(prefix string, r Result) string {
	return path.Join(prefix, r.RunID.String()+".json")
}

// WriteReport stores r as indented JSON and returns the object URI.
func WriteReport(ctx context.Context, store BlobStore, prefix string, r Result) (string, error) {
	if store == nil {
		return "", fmt.Errorf("blob store is required")
	}
	if r.Hits == nil {
		r.Hits = []int64{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	uri, err := store.PutObject(ctx, ReportPath(prefix, r), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put report: %w", err)
	}
	return uri, nil
}
