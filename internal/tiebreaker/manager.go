// Package tiebreaker runs the last-person-standing sub-auction that
// resolves equal highest bids. A tiebreaker ends the instant exactly one
// participant remains active; the survivor wins at the current highest bid
// and the outcome is committed through the finalization applier.
package tiebreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkelholt/squadbid/internal/allocation"
	"github.com/mkelholt/squadbid/internal/audit"
	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/finalize"
	"github.com/mkelholt/squadbid/internal/notify"
	"github.com/mkelholt/squadbid/internal/store"
)

// Errors returned by tiebreaker operations. These are typed rejections:
// nothing was mutated when one is returned.
var (
	ErrNotActive          = errors.New("tiebreaker is not active")
	ErrNotParticipant     = errors.New("team is not an active participant")
	ErrBidTooLow          = errors.New("bid must exceed the current highest bid")
	ErrInsufficientBudget = errors.New("bid exceeds remaining budget")
	ErrLeaderWithdraw     = errors.New("current highest bidder cannot withdraw")
)

// Manager coordinates tiebreaker lifecycle against the durable store.
type Manager struct {
	tiebreakers store.TiebreakerRepository
	rounds      store.RoundRepository
	teams       store.TeamRepository
	audit       audit.Store
	applier     *finalize.Applier
	notifier    notify.Notifier
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
	ceiling     time.Duration
}

// NewManager creates a tiebreaker Manager. ceiling is the wall-clock window
// after which an unresolved tiebreaker is flagged for manual resolution.
func NewManager(repos *store.Repositories, applier *finalize.Applier, notifier notify.Notifier, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, ceiling time.Duration) *Manager {
	return &Manager{
		tiebreakers: repos.Tiebreakers,
		rounds:      repos.Rounds,
		teams:       repos.Teams,
		audit:       repos.Audit,
		applier:     applier,
		notifier:    notifier,
		logger:      logger,
		tracer:      tp.Tracer("github.com/mkelholt/squadbid/internal/tiebreaker"),
		clock:       clk,
		ceiling:     ceiling,
	}
}

// CreateForTie seeds a tiebreaker from a detected tie: the tied amount
// becomes the opening highest bid with no leading team, and every tied team
// starts as an active participant.
func (m *Manager) CreateForTie(ctx context.Context, round *store.Round, tie allocation.Tie) (*store.Tiebreaker, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateForTie",
		trace.WithAttributes(
			attribute.String("round.id", round.ID),
			attribute.String("item.id", tie.ItemID),
			attribute.Int64("amount", tie.Amount),
			attribute.Int("teams", len(tie.TeamIDs)),
		),
	)
	defer span.End()

	if len(tie.TeamIDs) < 2 {
		return nil, fmt.Errorf("tiebreaker requires at least 2 tied teams, got %d", len(tie.TeamIDs))
	}

	now := m.clock.Now().UTC()
	tb := &store.Tiebreaker{
		ID:         uuid.NewString(),
		RoundID:    round.ID,
		ItemID:     tie.ItemID,
		Status:     store.TiebreakerActive,
		HighestBid: tie.Amount,
		CeilingAt:  now.Add(m.ceiling),
	}

	participants := make([]store.TiebreakerParticipant, 0, len(tie.TeamIDs))
	for _, teamID := range tie.TeamIDs {
		participants = append(participants, store.TiebreakerParticipant{
			TiebreakerID: tb.ID,
			TeamID:       teamID,
			Status:       store.ParticipantActive,
		})
	}

	if err := m.tiebreakers.Create(ctx, tb, participants); err != nil {
		return nil, fmt.Errorf("creating tiebreaker: %w", err)
	}

	m.appendAudit(ctx, audit.Event{
		RefID: tb.ID,
		Type:  audit.TiebreakerCreated,
		Data: mustJSON(audit.TiebreakerData{
			RoundID: round.ID, ItemID: tie.ItemID,
			Amount: tie.Amount, Teams: tie.TeamIDs,
		}),
	})
	m.notify(ctx, fmt.Sprintf("Tiebreaker opened for item %s at %d between %d teams", tie.ItemID, tie.Amount, len(tie.TeamIDs)))

	m.logger.InfoContext(ctx, "tiebreaker created",
		slog.String("tiebreaker_id", tb.ID),
		slog.String("item_id", tie.ItemID),
		slog.Int64("amount", tie.Amount),
		slog.Int("participants", len(participants)),
	)
	return tb, nil
}

// Get returns a tiebreaker with its participants.
func (m *Manager) Get(ctx context.Context, id string) (*store.Tiebreaker, []store.TiebreakerParticipant, error) {
	tb, err := m.tiebreakers.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading tiebreaker: %w", err)
	}
	participants, err := m.tiebreakers.ListParticipants(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading participants: %w", err)
	}
	return tb, participants, nil
}

// PlaceBid places an ascending bid. The write is a conditional update on the
// stored highest bid, so two simultaneous bids cannot both win the
// increment; the loser gets ErrBidTooLow and can retry against the new high.
func (m *Manager) PlaceBid(ctx context.Context, id, teamID string, amount int64) error {
	ctx, span := m.tracer.Start(ctx, "Manager.PlaceBid",
		trace.WithAttributes(
			attribute.String("tiebreaker.id", id),
			attribute.String("team.id", teamID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	tb, err := m.tiebreakers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading tiebreaker: %w", err)
	}
	if tb.Status != store.TiebreakerActive {
		return ErrNotActive
	}
	if amount <= tb.HighestBid {
		return ErrBidTooLow
	}

	team, err := m.teams.GetByID(ctx, teamID)
	if err != nil {
		return fmt.Errorf("loading team: %w", err)
	}
	if amount > team.BudgetRemaining {
		return ErrInsufficientBudget
	}

	ok, err := m.tiebreakers.RecordBid(ctx, id, teamID, amount, m.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording bid: %w", err)
	}
	if !ok {
		// The conditional write did not land: either the team is not an
		// active participant, or a concurrent bid raised the high first.
		if !m.isActiveParticipant(ctx, id, teamID) {
			return ErrNotParticipant
		}
		return ErrBidTooLow
	}

	m.appendAudit(ctx, audit.Event{
		RefID: id,
		Type:  audit.TiebreakerBidPlaced,
		Data: mustJSON(audit.TiebreakerData{
			RoundID: tb.RoundID, ItemID: tb.ItemID,
			TeamID: teamID, Amount: amount,
		}),
	})

	m.logger.InfoContext(ctx, "tiebreaker bid placed",
		slog.String("tiebreaker_id", id),
		slog.String("team_id", teamID),
		slog.Int64("amount", amount),
	)
	return nil
}

// Withdraw removes a team from the tiebreaker. The current highest bidder
// may not retreat. When the withdrawal leaves exactly one active
// participant, the tiebreaker resolves immediately in their favor.
func (m *Manager) Withdraw(ctx context.Context, id, teamID string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Withdraw",
		trace.WithAttributes(
			attribute.String("tiebreaker.id", id),
			attribute.String("team.id", teamID),
		),
	)
	defer span.End()

	tb, err := m.tiebreakers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading tiebreaker: %w", err)
	}
	if tb.Status != store.TiebreakerActive {
		return ErrNotActive
	}
	if tb.HighestTeam != nil && *tb.HighestTeam == teamID {
		return ErrLeaderWithdraw
	}

	ok, err := m.tiebreakers.Withdraw(ctx, id, teamID)
	if err != nil {
		return fmt.Errorf("withdrawing: %w", err)
	}
	if !ok {
		if !m.isActiveParticipant(ctx, id, teamID) {
			return ErrNotParticipant
		}
		return ErrLeaderWithdraw
	}

	m.appendAudit(ctx, audit.Event{
		RefID: id,
		Type:  audit.TiebreakerWithdrawn,
		Data: mustJSON(audit.TiebreakerData{
			RoundID: tb.RoundID, ItemID: tb.ItemID, TeamID: teamID,
		}),
	})
	m.logger.InfoContext(ctx, "tiebreaker withdrawal",
		slog.String("tiebreaker_id", id),
		slog.String("team_id", teamID),
	)

	remaining, err := m.tiebreakers.CountActiveParticipants(ctx, id)
	if err != nil {
		return fmt.Errorf("counting active participants: %w", err)
	}
	if remaining == 1 {
		return m.resolve(ctx, id)
	}
	return nil
}

// resolve closes the tiebreaker in favor of the sole remaining active
// participant and commits the allocation. By the withdrawal invariant the
// survivor is the highest bidder whenever any sub-bid was placed; with no
// sub-bids they win at the seeded tied amount.
func (m *Manager) resolve(ctx context.Context, id string) error {
	participants, err := m.tiebreakers.ListParticipants(ctx, id)
	if err != nil {
		return fmt.Errorf("loading participants: %w", err)
	}
	var winner string
	for _, p := range participants {
		if p.Status == store.ParticipantActive {
			winner = p.TeamID
			break
		}
	}
	if winner == "" {
		return fmt.Errorf("tiebreaker %s has no active participant to resolve", id)
	}

	tb, err := m.tiebreakers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading tiebreaker: %w", err)
	}

	now := m.clock.Now().UTC()
	ok, err := m.tiebreakers.Resolve(ctx, id, winner, tb.HighestBid, now)
	if err != nil {
		return fmt.Errorf("resolving tiebreaker: %w", err)
	}
	if !ok {
		// A concurrent withdrawal already resolved it. Exactly-once is
		// guaranteed by the conditional resolve, so losing the race is fine.
		return nil
	}

	m.appendAudit(ctx, audit.Event{
		RefID: id,
		Type:  audit.TiebreakerResolved,
		Data: mustJSON(audit.TiebreakerData{
			RoundID: tb.RoundID, ItemID: tb.ItemID,
			TeamID: winner, Amount: tb.HighestBid,
		}),
	})

	round, err := m.rounds.GetByID(ctx, tb.RoundID)
	if err != nil {
		return fmt.Errorf("loading round: %w", err)
	}

	alloc, _, err := m.applier.CommitOne(ctx, round, finalize.Input{
		ItemID: tb.ItemID,
		TeamID: winner,
		Amount: tb.HighestBid,
		Phase:  store.PhaseTiebreaker,
	})
	if err != nil {
		return fmt.Errorf("committing tiebreaker allocation: %w", err)
	}
	if alloc != nil && alloc.State == store.AllocationFailed {
		m.logger.WarnContext(ctx, "tiebreaker winner failed commit re-validation",
			slog.String("tiebreaker_id", id),
			slog.String("team_id", winner),
		)
	}

	if err := m.completeRoundIfDone(ctx, round); err != nil {
		return err
	}

	m.notify(ctx, fmt.Sprintf("Tiebreaker for item %s resolved: team %s wins at %d", tb.ItemID, winner, tb.HighestBid))
	m.logger.InfoContext(ctx, "tiebreaker resolved",
		slog.String("tiebreaker_id", id),
		slog.String("winner", winner),
		slog.Int64("amount", tb.HighestBid),
	)
	return nil
}

// completeRoundIfDone moves the round out of tiebreaker_pending once its
// last open tiebreaker is gone.
func (m *Manager) completeRoundIfDone(ctx context.Context, round *store.Round) error {
	open, err := m.tiebreakers.ListOpenByRound(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("listing open tiebreakers: %w", err)
	}
	if len(open) > 0 {
		return nil
	}

	ok, err := m.rounds.TransitionStatus(ctx, round.ID, store.RoundTiebreaker, store.RoundCompleted)
	if err != nil {
		return fmt.Errorf("completing round: %w", err)
	}
	if ok {
		m.appendAudit(ctx, audit.Event{
			RefID: round.ID,
			Type:  audit.RoundCompleted,
			Data:  mustJSON(audit.StatusChangeData{From: store.RoundTiebreaker, To: store.RoundCompleted}),
		})
	}
	return nil
}

// SweepCeilings flags active tiebreakers past their wall-clock ceiling with
// two or more active participants for mandatory manual resolution. No
// automatic winner is ever chosen on timeout.
func (m *Manager) SweepCeilings(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SweepCeilings")
	defer span.End()

	expired, err := m.tiebreakers.ListActivePastCeiling(ctx, m.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing expired tiebreakers: %w", err)
	}

	flagged := 0
	for _, tb := range expired {
		remaining, err := m.tiebreakers.CountActiveParticipants(ctx, tb.ID)
		if err != nil {
			return flagged, fmt.Errorf("counting active participants: %w", err)
		}
		if remaining < 2 {
			continue
		}

		ok, err := m.tiebreakers.TransitionStatus(ctx, tb.ID, store.TiebreakerActive, store.TiebreakerNeedsManual)
		if err != nil {
			return flagged, fmt.Errorf("flagging tiebreaker: %w", err)
		}
		if !ok {
			continue
		}
		flagged++

		m.appendAudit(ctx, audit.Event{
			RefID: tb.ID,
			Type:  audit.TiebreakerNeedsManual,
			Data: mustJSON(audit.TiebreakerData{
				RoundID: tb.RoundID, ItemID: tb.ItemID, Amount: tb.HighestBid,
			}),
		})
		m.notify(ctx, fmt.Sprintf("Tiebreaker for item %s hit its ceiling with %d teams remaining; manual resolution required", tb.ItemID, remaining))
		m.logger.WarnContext(ctx, "tiebreaker needs manual resolution",
			slog.String("tiebreaker_id", tb.ID),
			slog.Int("active_participants", remaining),
		)
	}
	return flagged, nil
}

// ResolveManual is the operator exit for a ceiling-expired tiebreaker: the
// chosen team wins at the current highest bid.
func (m *Manager) ResolveManual(ctx context.Context, id, teamID string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.ResolveManual",
		trace.WithAttributes(
			attribute.String("tiebreaker.id", id),
			attribute.String("team.id", teamID),
		),
	)
	defer span.End()

	tb, err := m.tiebreakers.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("loading tiebreaker: %w", err)
	}
	if tb.Status != store.TiebreakerNeedsManual {
		return ErrNotActive
	}
	if !m.isActiveParticipant(ctx, id, teamID) {
		return ErrNotParticipant
	}

	// Re-arm so the conditional resolve applies, then resolve.
	if _, err := m.tiebreakers.TransitionStatus(ctx, id, store.TiebreakerNeedsManual, store.TiebreakerActive); err != nil {
		return fmt.Errorf("re-arming tiebreaker: %w", err)
	}
	now := m.clock.Now().UTC()
	ok, err := m.tiebreakers.Resolve(ctx, id, teamID, tb.HighestBid, now)
	if err != nil {
		return fmt.Errorf("resolving tiebreaker: %w", err)
	}
	if !ok {
		return ErrNotActive
	}

	m.appendAudit(ctx, audit.Event{
		RefID: id,
		Type:  audit.TiebreakerResolved,
		Data: mustJSON(audit.TiebreakerData{
			RoundID: tb.RoundID, ItemID: tb.ItemID,
			TeamID: teamID, Amount: tb.HighestBid,
		}),
	})

	round, err := m.rounds.GetByID(ctx, tb.RoundID)
	if err != nil {
		return fmt.Errorf("loading round: %w", err)
	}
	if _, _, err := m.applier.CommitOne(ctx, round, finalize.Input{
		ItemID: tb.ItemID,
		TeamID: teamID,
		Amount: tb.HighestBid,
		Phase:  store.PhaseTiebreaker,
	}); err != nil {
		return fmt.Errorf("committing tiebreaker allocation: %w", err)
	}
	return m.completeRoundIfDone(ctx, round)
}

// Cancel is the administrator override; it voids the tiebreaker without a
// winner and leaves the item pending.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Cancel",
		trace.WithAttributes(attribute.String("tiebreaker.id", id)),
	)
	defer span.End()

	for _, from := range []string{store.TiebreakerActive, store.TiebreakerNeedsManual} {
		ok, err := m.tiebreakers.TransitionStatus(ctx, id, from, store.TiebreakerCancelled)
		if err != nil {
			return fmt.Errorf("cancelling tiebreaker: %w", err)
		}
		if ok {
			m.appendAudit(ctx, audit.Event{
				RefID: id,
				Type:  audit.TiebreakerCancelled,
				Data:  mustJSON(audit.StatusChangeData{From: from, To: store.TiebreakerCancelled}),
			})
			return nil
		}
	}
	return ErrNotActive
}

func (m *Manager) isActiveParticipant(ctx context.Context, id, teamID string) bool {
	participants, err := m.tiebreakers.ListParticipants(ctx, id)
	if err != nil {
		return false
	}
	for _, p := range participants {
		if p.TeamID == teamID {
			return p.Status == store.ParticipantActive
		}
	}
	return false
}

func (m *Manager) notify(ctx context.Context, message string) {
	if err := m.notifier.Notify(ctx, message); err != nil {
		m.logger.WarnContext(ctx, "notification failed", slog.Any("error", err))
	}
}

func (m *Manager) appendAudit(ctx context.Context, events ...audit.Event) {
	for i := range events {
		events[i].ID = uuid.NewString()
		events[i].CreatedAt = m.clock.Now().UTC()
	}
	if err := m.audit.Append(ctx, events...); err != nil {
		m.logger.ErrorContext(ctx, "failed to append audit events", slog.Any("error", err))
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
