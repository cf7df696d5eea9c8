package audit

import (
	"context"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Fanout delivers each event to every configured sink in order.
type Fanout struct {
	sinks []ports.AuditSink
}

// NewFanout creates a fanout over the given sinks. Nil sinks are skipped.
func NewFanout(sinks ...ports.AuditSink) *Fanout {
	kept := make([]ports.AuditSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept}
}

func (f *Fanout) Record(ctx context.Context, event domainauth.AuditEvent) {
	for _, s := range f.sinks {
		s.Record(ctx, event)
	}
}
