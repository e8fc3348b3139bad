package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-id-scanner/internal/progress"
)

// Publisher sends a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// HitMessage is the payload published for every accepted exam id.
type HitMessage struct {
	RunID   string    `json:"run_id"`
	ExamID  int64     `json:"exam_id"`
	FoundAt time.Time `json:"found_at"`
}

// PublisherSink publishes each HIT event to a topic.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes the hits of batch. The first failure aborts the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage != progress.StageHit {
			continue
		}
		msg := HitMessage{
			RunID:   evt.RunUUID().String(),
			ExamID:  evt.Candidate,
			FoundAt: evt.TS,
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish hit %d: %w", evt.Candidate, err)
		}
		s.logger.Debug("hit published", zap.Int64("exam_id", evt.Candidate), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
