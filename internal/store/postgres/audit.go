package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/audit"
)

// AuditStore implements audit.Store with sqlx.
type AuditStore struct {
	db *sqlx.DB
}

// NewAuditStore returns a new AuditStore.
func NewAuditStore(db *sqlx.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, events ...audit.Event) error {
	for _, e := range events {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO audit_events (id, ref_id, type, data, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.RefID, e.Type, []byte(e.Data), e.CreatedAt,
		); err != nil {
			return fmt.Errorf("appending audit event: %w", err)
		}
	}
	return nil
}

func (s *AuditStore) ListByRef(ctx context.Context, refID string) ([]audit.Event, error) {
	var events []audit.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM audit_events WHERE ref_id = $1 ORDER BY created_at ASC`, refID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	return events, nil
}

func (s *AuditStore) ListByType(ctx context.Context, eventType audit.Type) ([]audit.Event, error) {
	var events []audit.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM audit_events WHERE type = $1 ORDER BY created_at ASC`, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	return events, nil
}
