package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/exam-id-scanner/internal/progress"
)

// LogSink writes every event as one structured log line. Per-probe stages
// log at debug, hits and run boundaries at info, failures and rejected hits
// at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink; a nil logger discards output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		ce := s.logger.Check(levelFor(evt.Stage), "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.Int64("candidate", evt.Candidate),
		}
		switch evt.Stage {
		case progress.StageProbeDone, progress.StageProbeFailed:
			fields = append(fields,
				zap.Int("worker", evt.Worker),
				zap.Int("attempts", evt.Attempts),
				zap.Bool("matched", evt.Matched),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageScanStart:
			fields = append(fields, zap.Int64("target", evt.Target))
		case progress.StageScanDone, progress.StageScanAborted:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageProbeFailed, progress.StageHitRejected:
		return zapcore.WarnLevel
	case progress.StageHit, progress.StageScanStart, progress.StageScanDone, progress.StageScanAborted:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
