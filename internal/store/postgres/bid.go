package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// BidRepo implements store.BidRepository with sqlx.
type BidRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB, clk clock.Clock) *BidRepo {
	return &BidRepo{db: db, clk: clk}
}

// Upsert inserts a bid or replaces the team's previous bid on the item. The
// (item_id, team_id) uniqueness lives in the schema, so a later bid always
// supersedes regardless of interleaving.
func (r *BidRepo) Upsert(ctx context.Context, b *store.Bid) error {
	now := r.clk.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO bids (id, round_id, item_id, team_id, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (item_id, team_id)
		 DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		b.ID, b.RoundID, b.ItemID, b.TeamID, b.Amount, b.CreatedAt, b.UpdatedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("upserting bid: %w", err)
	}
	return nil
}

func (r *BidRepo) ListByRound(ctx context.Context, roundID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT * FROM bids WHERE round_id = $1 ORDER BY item_id ASC, team_id ASC`, roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}
