package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// RoundRepo implements store.RoundRepository with sqlx.
type RoundRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewRoundRepo returns a new RoundRepo.
func NewRoundRepo(db *sqlx.DB, clk clock.Clock) *RoundRepo {
	return &RoundRepo{db: db, clk: clk}
}

func (r *RoundRepo) Create(ctx context.Context, rd *store.Round) error {
	now := r.clk.Now().UTC()
	rd.CreatedAt, rd.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rounds (id, season_id, seq, kind, base_price, status, mode, starts_at, ends_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rd.ID, rd.SeasonID, rd.Seq, rd.Kind, rd.BasePrice, rd.Status, rd.Mode,
		rd.StartsAt, rd.EndsAt, rd.CreatedAt, rd.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating round: %w", err)
	}
	return nil
}

func (r *RoundRepo) GetByID(ctx context.Context, id string) (*store.Round, error) {
	var rd store.Round
	err := r.db.GetContext(ctx, &rd, `SELECT * FROM rounds WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting round: %w", err)
	}
	return &rd, nil
}

// TransitionStatus is the round-level compare-and-swap. The expected status
// sits in the WHERE clause, so under concurrent callers exactly one UPDATE
// changes a row.
func (r *RoundRepo) TransitionStatus(ctx context.Context, id, from, to string) (bool, error) {
	now := r.clk.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE rounds
		 SET status = $1,
		     updated_at = $2,
		     completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END
		 WHERE id = $3 AND status = $4`,
		to, now, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning round status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *RoundRepo) SetPreviewFingerprint(ctx context.Context, id string, fingerprint *string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rounds SET preview_fingerprint = $1, updated_at = $2 WHERE id = $3`,
		fingerprint, r.clk.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("setting preview fingerprint: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("round %s not found", id)
	}
	return nil
}

func (r *RoundRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]store.Round, error) {
	var rounds []store.Round
	err := r.db.SelectContext(ctx, &rounds,
		`SELECT * FROM rounds WHERE status = 'active' AND ends_at < $1 ORDER BY ends_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired active rounds: %w", err)
	}
	return rounds, nil
}
