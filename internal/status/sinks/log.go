package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshboard/meshboard/internal/status"
)

// LogSink emits structured logs for federation event streams. It is useful
// during development or audits where no other sink is wired.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []status.Event) error {
	for _, evt := range batch {
		s.logger.Info("federation event",
			zap.String("stage", string(evt.Stage)),
			zap.String("domain", evt.Domain),
			zap.String("outcome", string(evt.Outcome)),
			zap.Int("delivered", evt.Delivered),
			zap.Int("domains_visited", evt.DomainsVisited),
			zap.Int("instances_stored", evt.InstancesStored),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
