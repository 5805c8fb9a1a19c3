package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// TiebreakerRepo implements store.TiebreakerRepository with sqlx.
type TiebreakerRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewTiebreakerRepo returns a new TiebreakerRepo.
func NewTiebreakerRepo(db *sqlx.DB, clk clock.Clock) *TiebreakerRepo {
	return &TiebreakerRepo{db: db, clk: clk}
}

func (r *TiebreakerRepo) Create(ctx context.Context, tb *store.Tiebreaker, participants []store.TiebreakerParticipant) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	tb.CreatedAt = r.clk.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tiebreakers (id, round_id, item_id, status, highest_bid, highest_team, ceiling_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tb.ID, tb.RoundID, tb.ItemID, tb.Status, tb.HighestBid, tb.HighestTeam, tb.CeilingAt, tb.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting tiebreaker: %w", err)
	}

	for _, p := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tiebreaker_participants (tiebreaker_id, team_id, status)
			 VALUES ($1, $2, $3)`,
			tb.ID, p.TeamID, p.Status,
		); err != nil {
			return fmt.Errorf("inserting participant %s: %w", p.TeamID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tiebreaker: %w", err)
	}
	return nil
}

func (r *TiebreakerRepo) GetByID(ctx context.Context, id string) (*store.Tiebreaker, error) {
	var tb store.Tiebreaker
	err := r.db.GetContext(ctx, &tb, `SELECT * FROM tiebreakers WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting tiebreaker: %w", err)
	}
	return &tb, nil
}

func (r *TiebreakerRepo) ListParticipants(ctx context.Context, id string) ([]store.TiebreakerParticipant, error) {
	var participants []store.TiebreakerParticipant
	err := r.db.SelectContext(ctx, &participants,
		`SELECT * FROM tiebreaker_participants WHERE tiebreaker_id = $1 ORDER BY team_id ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	return participants, nil
}

// RecordBid accepts the bid only when the tiebreaker is still active, the
// team is an active participant, and amount strictly exceeds the stored
// highest bid at write time. Two simultaneous bids race the same conditional
// UPDATE; one loses and writes nothing.
func (r *TiebreakerRepo) RecordBid(ctx context.Context, id, teamID string, amount int64, at time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE tiebreakers
		 SET highest_bid = $1, highest_team = $2, last_bid_at = $3
		 WHERE id = $4 AND status = 'active' AND highest_bid < $1
		   AND EXISTS (
		     SELECT 1 FROM tiebreaker_participants
		     WHERE tiebreaker_id = $4 AND team_id = $2 AND status = 'active'
		   )`,
		amount, teamID, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("recording bid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tiebreaker_bids (id, tiebreaker_id, team_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), id, teamID, amount, at,
	); err != nil {
		return false, fmt.Errorf("appending bid history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing bid: %w", err)
	}
	return true, nil
}

// Withdraw marks the participant withdrawn unless it currently holds the
// highest bid. The leader check and the participant flip happen in one
// statement, so a bid landing concurrently cannot let the new leader slip
// out.
func (r *TiebreakerRepo) Withdraw(ctx context.Context, id, teamID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tiebreaker_participants
		 SET status = 'withdrawn'
		 WHERE tiebreaker_id = $1 AND team_id = $2 AND status = 'active'
		   AND EXISTS (
		     SELECT 1 FROM tiebreakers
		     WHERE id = $1 AND status = 'active'
		       AND (highest_team IS NULL OR highest_team <> $2)
		   )`,
		id, teamID,
	)
	if err != nil {
		return false, fmt.Errorf("withdrawing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *TiebreakerRepo) CountActiveParticipants(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tiebreaker_participants WHERE tiebreaker_id = $1 AND status = 'active'`, id,
	)
	if err != nil {
		return 0, fmt.Errorf("counting active participants: %w", err)
	}
	return n, nil
}

func (r *TiebreakerRepo) Resolve(ctx context.Context, id, winnerTeamID string, amount int64, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tiebreakers
		 SET status = 'resolved', highest_team = $1, highest_bid = $2, resolved_at = $3
		 WHERE id = $4 AND status = 'active'`,
		winnerTeamID, amount, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("resolving tiebreaker: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *TiebreakerRepo) TransitionStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tiebreakers SET status = $1 WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning tiebreaker status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *TiebreakerRepo) ListOpenByRound(ctx context.Context, roundID string) ([]store.Tiebreaker, error) {
	var tbs []store.Tiebreaker
	err := r.db.SelectContext(ctx, &tbs,
		`SELECT * FROM tiebreakers
		 WHERE round_id = $1 AND status IN ('pending', 'active', 'needs_manual')
		 ORDER BY created_at ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing open tiebreakers: %w", err)
	}
	return tbs, nil
}

func (r *TiebreakerRepo) ListActivePastCeiling(ctx context.Context, now time.Time) ([]store.Tiebreaker, error) {
	var tbs []store.Tiebreaker
	err := r.db.SelectContext(ctx, &tbs,
		`SELECT * FROM tiebreakers WHERE status = 'active' AND ceiling_at < $1 ORDER BY ceiling_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired tiebreakers: %w", err)
	}
	return tbs, nil
}
