package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/store"
)

// ItemRepo implements store.ItemRepository with sqlx.
type ItemRepo struct {
	db *sqlx.DB
}

// NewItemRepo returns a new ItemRepo.
func NewItemRepo(db *sqlx.DB) *ItemRepo {
	return &ItemRepo{db: db}
}

func (r *ItemRepo) Create(ctx context.Context, it *store.Item) error {
	if it.Status == "" {
		it.Status = store.ItemPending
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, round_id, player_name, position, base_price, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		it.ID, it.RoundID, it.PlayerName, it.Position, it.BasePrice, it.Status,
	)
	if err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

func (r *ItemRepo) GetByID(ctx context.Context, id string) (*store.Item, error) {
	var it store.Item
	err := r.db.GetContext(ctx, &it, `SELECT * FROM items WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return &it, nil
}

func (r *ItemRepo) ListByRound(ctx context.Context, roundID string) ([]store.Item, error) {
	var items []store.Item
	err := r.db.SelectContext(ctx, &items,
		`SELECT * FROM items WHERE round_id = $1 ORDER BY id ASC`, roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

func (r *ItemRepo) TransitionStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE items SET status = $1 WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning item status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}
