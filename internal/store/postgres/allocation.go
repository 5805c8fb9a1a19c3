package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// AllocationRepo implements store.AllocationRepository with sqlx.
type AllocationRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewAllocationRepo returns a new AllocationRepo.
func NewAllocationRepo(db *sqlx.DB, clk clock.Clock) *AllocationRepo {
	return &AllocationRepo{db: db, clk: clk}
}

func (r *AllocationRepo) Insert(ctx context.Context, a *store.Allocation) error {
	a.CreatedAt = r.clk.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO allocations (id, round_id, item_id, team_id, amount, phase, state, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.RoundID, a.ItemID, a.TeamID, a.Amount, a.Phase, a.State, a.Reason, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting allocation: %w", err)
	}
	return nil
}

// ReplacePending swaps the round's pending preview set in one transaction so
// a concurrent reader never sees a half-written preview.
func (r *AllocationRepo) ReplacePending(ctx context.Context, roundID string, allocs []store.Allocation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM allocations WHERE round_id = $1 AND state = 'pending'`, roundID,
	); err != nil {
		return fmt.Errorf("deleting pending allocations: %w", err)
	}

	now := r.clk.Now().UTC()
	for _, a := range allocs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO allocations (id, round_id, item_id, team_id, amount, phase, state, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)`,
			a.ID, roundID, a.ItemID, a.TeamID, a.Amount, a.Phase, a.Reason, now,
		); err != nil {
			return fmt.Errorf("inserting pending allocation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pending allocations: %w", err)
	}
	return nil
}

func (r *AllocationRepo) ListPendingByRound(ctx context.Context, roundID string) ([]store.Allocation, error) {
	return r.listByState(ctx, roundID, store.AllocationPending)
}

func (r *AllocationRepo) ListFinalByRound(ctx context.Context, roundID string) ([]store.Allocation, error) {
	return r.listByState(ctx, roundID, store.AllocationFinal)
}

func (r *AllocationRepo) listByState(ctx context.Context, roundID, state string) ([]store.Allocation, error) {
	var allocs []store.Allocation
	err := r.db.SelectContext(ctx, &allocs,
		`SELECT * FROM allocations WHERE round_id = $1 AND state = $2 ORDER BY item_id ASC`,
		roundID, state,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s allocations: %w", state, err)
	}
	return allocs, nil
}

func (r *AllocationRepo) DeletePendingByRound(ctx context.Context, roundID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM allocations WHERE round_id = $1 AND state = 'pending'`, roundID,
	)
	if err != nil {
		return fmt.Errorf("deleting pending allocations: %w", err)
	}
	return nil
}
