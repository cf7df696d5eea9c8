package audit

// Package audit provides AuditSink implementations. Sinks are fire-and-forget:
// a failing sink logs and moves on, it never fails the auth decision that
// produced the event.

import (
	"context"
	"log/slog"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// SlogSink writes audit events to the structured log.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink writing to the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Record(ctx context.Context, event domainauth.AuditEvent) {
	attrs := []any{
		"action", string(event.Action),
		"outcome", string(event.Outcome),
		"actor_id", event.ActorID,
		"ip", event.IPAddress,
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, "meta_"+k, v)
	}
	s.logger.InfoContext(ctx, "audit event", attrs...)
}
