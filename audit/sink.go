package audit

import (
	"context"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
)

// Sink receives audited messages.
type Sink interface {
	Write(ctx context.Context, msg *message.Message) error
	Close() error
}

// LogSink writes one debug line per message.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogSink{logger: logger.WithComponent("audit")}
}

func (s *LogSink) Write(ctx context.Context, msg *message.Message) error {
	fields := map[string]interface{}{
		"id":       msg.ID(),
		"type":     msg.Type(),
		"from":     msg.Sender(),
		"to":       msg.Recipient(),
		"priority": msg.Priority(),
	}
	if c := msg.CorrelationID(); c != "" {
		fields["correlation_id"] = c
	}
	s.logger.Debug("message", fields)
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink writes to every sink in order. A failing sink does not stop the
// others; their errors are joined.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, msg *message.Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
