package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/casetrail/tcm-ui-api/internal/data/pgxutil"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// AuditRepo is the append-only store for security events. Events are never
// updated or deleted through this repo.
type AuditRepo struct {
	DB *sql.DB
}

// NewAuditRepo creates a new AuditRepo.
func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{DB: db}
}

// Insert appends one event. A missing ID or timestamp is filled in here so
// sinks can stay dumb.
func (r *AuditRepo) Insert(ctx context.Context, event domainauth.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if event.Metadata == nil {
		metadata = []byte("{}")
	}

	var actorID *string
	if event.ActorID != "" {
		actorID = &event.ActorID
	}

	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		_, execErr := conn.Exec(ctx, `
			INSERT INTO audit_events
				(id, actor_id, action, outcome, ip_address, user_agent, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
			event.ID, actorID, string(event.Action), string(event.Outcome),
			event.IPAddress, event.UserAgent, metadata, event.At)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListFilter narrows ListRecent results.
type ListFilter struct {
	ActorID string
	Action  domainauth.AuditAction
	Limit   int
}

type auditRow struct {
	ID         string    `db:"id"`
	ActorID    *string   `db:"actor_id"`
	Action     string    `db:"action"`
	Outcome    string    `db:"outcome"`
	IPAddress  *string   `db:"ip_address"`
	UserAgent  *string   `db:"user_agent"`
	Metadata   []byte    `db:"metadata"`
	OccurredAt time.Time `db:"occurred_at"`
}

func (r auditRow) toDomain() (domainauth.AuditEvent, error) {
	event := domainauth.AuditEvent{
		ID:      r.ID,
		Action:  domainauth.AuditAction(r.Action),
		Outcome: domainauth.AuditOutcome(r.Outcome),
		At:      r.OccurredAt,
	}
	if r.ActorID != nil {
		event.ActorID = *r.ActorID
	}
	if r.IPAddress != nil {
		event.IPAddress = *r.IPAddress
	}
	if r.UserAgent != nil {
		event.UserAgent = *r.UserAgent
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &event.Metadata); err != nil {
			return event, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
	}
	return event, nil
}

// ListRecent returns recent events, newest first, for operator review.
func (r *AuditRepo) ListRecent(ctx context.Context, filter ListFilter) ([]domainauth.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, actor_id, action, outcome, ip_address, user_agent, metadata, occurred_at
		FROM audit_events
		WHERE ($1 = '' OR actor_id = $1)
		  AND ($2 = '' OR action = $2)
		ORDER BY occurred_at DESC
		LIMIT $3`

	var rowsSlice []auditRow
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, filter.ActorID, string(filter.Action), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		rowsSlice, err = pgx.CollectRows(rows, pgx.RowToStructByName[auditRow])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	events := make([]domainauth.AuditEvent, 0, len(rowsSlice))
	for _, row := range rowsSlice {
		event, convErr := row.toDomain()
		if convErr != nil {
			return nil, convErr
		}
		events = append(events, event)
	}
	return events, nil
}
