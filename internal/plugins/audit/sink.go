package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Sink persists or forwards audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// NoOpSink discards every event.
type NoOpSink struct{}

func (NoOpSink) Record(context.Context, Event) error { return nil }

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Record(ctx context.Context, event Event) error { return f(ctx, event) }

// RepositorySink writes events to the auth_logs table.
type RepositorySink struct {
	repo AuditRepository
}

// NewRepositorySink creates a sink backed by the given repository.
func NewRepositorySink(repo AuditRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Record(ctx context.Context, event Event) error {
	return s.repo.Insert(ctx, &event)
}

// LogSink writes events to the structured log. Failed high-severity events
// are logged at WARN so they stand out.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink on the given logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if !event.Success && (event.Severity == SeverityHigh || event.Severity == SeverityCritical) {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("action", event.Action),
		slog.Bool("success", event.Success),
		slog.String("severity", string(event.Severity)),
		slog.String("ip", event.IPAddress),
	}
	if event.UserID != nil {
		attrs = append(attrs, slog.Int64("user_id", *event.UserID))
	}
	if event.Email != "" {
		attrs = append(attrs, slog.String("email", event.Email))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}

	s.logger.LogAttrs(ctx, level, "auth event", attrs...)
	return nil
}

// MultiSink fans an event out to several sinks. Every sink is attempted;
// the errors are joined.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
