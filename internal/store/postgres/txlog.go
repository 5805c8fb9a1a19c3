package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// TransactionRepo implements store.TransactionRepository with sqlx. The
// ledger is append-only; there are no update or delete paths.
type TransactionRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewTransactionRepo returns a new TransactionRepo.
func NewTransactionRepo(db *sqlx.DB, clk clock.Clock) *TransactionRepo {
	return &TransactionRepo{db: db, clk: clk}
}

func (r *TransactionRepo) Append(ctx context.Context, t *store.Transaction) error {
	t.CreatedAt = r.clk.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (id, team_id, season_id, kind, amount, balance_before, balance_after, description, ref_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TeamID, t.SeasonID, t.Kind, t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.Description, t.RefID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepo) ListByTeam(ctx context.Context, teamID string) ([]store.Transaction, error) {
	var txns []store.Transaction
	err := r.db.SelectContext(ctx, &txns,
		`SELECT * FROM transactions WHERE team_id = $1 ORDER BY created_at ASC`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txns, nil
}
