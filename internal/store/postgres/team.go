package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// TeamRepo implements store.TeamRepository with sqlx.
type TeamRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewTeamRepo returns a new TeamRepo.
func NewTeamRepo(db *sqlx.DB, clk clock.Clock) *TeamRepo {
	return &TeamRepo{db: db, clk: clk}
}

func (r *TeamRepo) Create(ctx context.Context, t *store.Team) error {
	now := r.clk.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO teams (id, season_id, name, budget_remaining, total_spent, roster_count, roster_limit, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.SeasonID, t.Name, t.BudgetRemaining, t.TotalSpent, t.RosterCount, t.RosterLimit,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating team: %w", err)
	}
	return nil
}

func (r *TeamRepo) GetByID(ctx context.Context, id string) (*store.Team, error) {
	var t store.Team
	err := r.db.GetContext(ctx, &t, `SELECT * FROM teams WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting team: %w", err)
	}
	return &t, nil
}

// DebitForWin deducts the win amount and grows the roster in one statement.
// Budget and roster capacity are re-validated in the WHERE clause, so a team
// that can no longer afford the win is left untouched and the caller sees
// false. The RETURNING clause hands back the post-debit balance so ledger
// rows never depend on a read taken before the debit.
func (r *TeamRepo) DebitForWin(ctx context.Context, id string, amount int64) (int64, bool, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE teams
		 SET budget_remaining = budget_remaining - $1,
		     total_spent = total_spent + $1,
		     roster_count = roster_count + 1,
		     updated_at = $2
		 WHERE id = $3 AND budget_remaining >= $1 AND roster_count < roster_limit
		 RETURNING budget_remaining`,
		amount, r.clk.Now().UTC(), id,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("debiting team: %w", err)
	}
	return balance, true, nil
}
