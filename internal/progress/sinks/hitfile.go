package sinks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/JakeFAU/exam-id-scanner/internal/progress"
)

// HitFileSink appends every accepted exam id to a file, one decimal id per
// line, so the list can be fed to bulk registration.
type HitFileSink struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewHitFileSink opens (or creates) path for appending.
func NewHitFileSink(path string) (*HitFileSink, error) {
	if path == "" {
		return nil, errors.New("hit file path is required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open hit file: %w", err)
	}
	return &HitFileSink{file: f}, nil
}

// Consume writes the HIT events of batch and syncs the file.
func (s *HitFileSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("hit file sink closed")
	}

	w := bufio.NewWriter(s.file)
	wrote := false
	for _, evt := range batch {
		if evt.Stage != progress.StageHit {
			continue
		}
		if _, err := w.WriteString(strconv.FormatInt(evt.Candidate, 10) + "\n"); err != nil {
			return fmt.Errorf("write hit: %w", err)
		}
		wrote = true
	}
	if !wrote {
		return nil
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush hit file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync hit file: %w", err)
	}
	return nil
}

// Close closes the underlying file. Subsequent calls are no-ops.
func (s *HitFileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close hit file: %w", err)
	}
	return nil
}
