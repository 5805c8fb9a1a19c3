package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// OutboxRepo implements store.OutboxRepository with sqlx.
type OutboxRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewOutboxRepo returns a new OutboxRepo.
func NewOutboxRepo(db *sqlx.DB, clk clock.Clock) *OutboxRepo {
	return &OutboxRepo{db: db, clk: clk}
}

func (r *OutboxRepo) Enqueue(ctx context.Context, entries ...store.OutboxEntry) error {
	now := r.clk.Now().UTC()
	for _, e := range entries {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO outbox (collection, doc_id, payload, attempts, state, created_at, updated_at)
			 VALUES ($1, $2, $3, 0, 'pending', $4, $4)`,
			e.Collection, e.DocID, []byte(e.Payload), now,
		); err != nil {
			return fmt.Errorf("enqueueing outbox entry: %w", err)
		}
	}
	return nil
}

func (r *OutboxRepo) ListPending(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	var entries []store.OutboxEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM outbox WHERE state = 'pending' ORDER BY id ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending outbox entries: %w", err)
	}
	return entries, nil
}

func (r *OutboxRepo) MarkDone(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET state = 'done', updated_at = $1 WHERE id = $2`,
		r.clk.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking outbox entry done: %w", err)
	}
	return nil
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, id int64, lastError string, terminal bool) error {
	state := store.OutboxPending
	if terminal {
		state = store.OutboxFailed
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox
		 SET attempts = attempts + 1, last_error = $1, state = $2, updated_at = $3
		 WHERE id = $4`,
		lastError, state, r.clk.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking outbox entry failed: %w", err)
	}
	return nil
}
