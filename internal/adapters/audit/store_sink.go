package audit

import (
	"context"
	"log/slog"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// AuditStore persists audit events. Implemented by the Postgres repo in
// internal/data.
type AuditStore interface {
	Insert(ctx context.Context, event domainauth.AuditEvent) error
}

// StoreSink persists events through an AuditStore. Insert failures are logged
// and swallowed so the caller's flow is unaffected.
type StoreSink struct {
	store   AuditStore
	logger  *slog.Logger
	timeout time.Duration
}

// NewStoreSink creates a persisting sink.
func NewStoreSink(store AuditStore, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{
		store:   store,
		logger:  logger.With("component", "audit_store"),
		timeout: 5 * time.Second,
	}
}

func (s *StoreSink) Record(ctx context.Context, event domainauth.AuditEvent) {
	// Detach from the request context so a canceled request still gets its
	// security event persisted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.store.Insert(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit event",
			"err", err, "action", string(event.Action))
	}
}
