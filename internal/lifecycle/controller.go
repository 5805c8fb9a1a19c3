// Package lifecycle decides, on every access to a round, whether it needs a
// state transition, and makes that decision safe under concurrent callers.
// There is no background scheduler dependency: finalization is triggered
// lazily by the next access (or by the optional sweeper), and a conditional
// status update is the only concurrency-control primitive.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkelholt/squadbid/internal/allocation"
	"github.com/mkelholt/squadbid/internal/audit"
	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/finalize"
	"github.com/mkelholt/squadbid/internal/store"
	"github.com/mkelholt/squadbid/internal/tiebreaker"
)

// Outcome classifies a CheckAndAdvance call.
type Outcome string

const (
	// OutcomeNotDue means the round is not active yet or its timer has not
	// elapsed; nothing was written.
	OutcomeNotDue Outcome = "not_due"
	// OutcomeCompleted means the round was already finalized.
	OutcomeCompleted Outcome = "already_completed"
	// OutcomeAwaitingManual means the round sits in an operator-gated state.
	OutcomeAwaitingManual Outcome = "awaiting_manual_finalization"
	// OutcomeMarkedManual means this caller won the race to mark the round
	// as awaiting manual finalization.
	OutcomeMarkedManual Outcome = "marked_for_manual_finalization"
	// OutcomeAlreadyClaimed means another caller holds the finalizing claim.
	OutcomeAlreadyClaimed Outcome = "already_being_finalized"
	// OutcomeFinalized means this caller claimed the round and committed it.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeTiebreakersCreated means this caller claimed the round and
	// detected ties; tiebreakers now gate completion.
	OutcomeTiebreakersCreated Outcome = "tiebreakers_created"
	// OutcomeTiebreakerPending means tiebreakers from an earlier claim are
	// still open.
	OutcomeTiebreakerPending Outcome = "tiebreaker_pending"
)

// Errors returned by bid intake and the manual workflow.
var (
	ErrRoundNotActive    = errors.New("round is not accepting bids")
	ErrRoundClosed       = errors.New("round bidding window has closed")
	ErrBidBelowBase      = errors.New("bid is below the item base price")
	ErrItemNotInRound    = errors.New("item does not belong to this round")
	ErrNotAwaitingManual = errors.New("round is not awaiting manual finalization")
	ErrNoPreview         = errors.New("round has no pending preview")
	ErrPreviewStale      = errors.New("bids changed since preview; run preview again")
	ErrTiesPending       = errors.New("round has unresolved ties; finalize immediately to open tiebreakers")
)

// Controller owns round state transitions.
type Controller struct {
	rounds      store.RoundRepository
	items       store.ItemRepository
	bids        store.BidRepository
	teams       store.TeamRepository
	allocations store.AllocationRepository
	audit       audit.Store
	applier     *finalize.Applier
	tiebreakers *tiebreaker.Manager
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
}

// NewController creates a lifecycle Controller.
func NewController(repos *store.Repositories, applier *finalize.Applier, tiebreakers *tiebreaker.Manager, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Controller {
	return &Controller{
		rounds:      repos.Rounds,
		items:       repos.Items,
		bids:        repos.Bids,
		teams:       repos.Teams,
		allocations: repos.Allocations,
		audit:       repos.Audit,
		applier:     applier,
		tiebreakers: tiebreakers,
		logger:      logger,
		tracer:      tp.Tracer("github.com/mkelholt/squadbid/internal/lifecycle"),
		clock:       clk,
	}
}

// CheckAndAdvance inspects the round and advances it if its timer elapsed.
// Concurrent callers race on a conditional status update: exactly one wins,
// the rest observe a classification and write nothing.
func (c *Controller) CheckAndAdvance(ctx context.Context, roundID string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.CheckAndAdvance",
		trace.WithAttributes(attribute.String("round.id", roundID)),
	)
	defer span.End()

	round, err := c.rounds.GetByID(ctx, roundID)
	if err != nil {
		return "", fmt.Errorf("loading round: %w", err)
	}

	switch round.Status {
	case store.RoundCompleted:
		return OutcomeCompleted, nil
	case store.RoundExpiredPending, store.RoundPendingFinalize:
		return OutcomeAwaitingManual, nil
	case store.RoundTiebreaker:
		return OutcomeTiebreakerPending, nil
	case store.RoundFinalizing:
		return OutcomeAlreadyClaimed, nil
	case store.RoundDraft:
		return OutcomeNotDue, nil
	}

	if !c.clock.Now().After(round.EndsAt) {
		return OutcomeNotDue, nil
	}

	if round.Mode == store.ModeManual {
		ok, err := c.rounds.TransitionStatus(ctx, roundID, store.RoundActive, store.RoundExpiredPending)
		if err != nil {
			return "", fmt.Errorf("marking round expired: %w", err)
		}
		if !ok {
			// A concurrent caller got there first; either way the round now
			// awaits the operator.
			return OutcomeAwaitingManual, nil
		}
		c.appendAudit(ctx, audit.Event{
			RefID: roundID,
			Type:  audit.RoundExpired,
			Data:  mustJSON(audit.StatusChangeData{From: store.RoundActive, To: store.RoundExpiredPending}),
		})
		c.logger.InfoContext(ctx, "round awaiting manual finalization", slog.String("round_id", roundID))
		return OutcomeMarkedManual, nil
	}

	ok, err := c.rounds.TransitionStatus(ctx, roundID, store.RoundActive, store.RoundFinalizing)
	if err != nil {
		return "", fmt.Errorf("claiming round: %w", err)
	}
	if !ok {
		return OutcomeAlreadyClaimed, nil
	}
	c.appendAudit(ctx, audit.Event{
		RefID: roundID,
		Type:  audit.RoundFinalizing,
		Data:  mustJSON(audit.StatusChangeData{From: store.RoundActive, To: store.RoundFinalizing}),
	})

	return c.finalizeClaimed(ctx, round)
}

// finalizeClaimed runs the allocation engine and commits the result. The
// caller must hold the finalizing claim. On failure the round is left in
// finalizing and the error is recorded for operator visibility; the claim is
// never silently reverted, because a second process could then race an
// in-doubt commit.
func (c *Controller) finalizeClaimed(ctx context.Context, round *store.Round) (Outcome, error) {
	outcome, err := c.runFinalization(ctx, round)
	if err != nil {
		c.appendAudit(ctx, audit.Event{
			RefID: round.ID,
			Type:  audit.RoundStuck,
			Data:  mustJSON(audit.StatusChangeData{From: store.RoundFinalizing, To: store.RoundFinalizing, Note: err.Error()}),
		})
		c.logger.ErrorContext(ctx, "finalization failed, round left in finalizing",
			slog.String("round_id", round.ID),
			slog.Any("error", err),
		)
		return "", err
	}
	return outcome, nil
}

func (c *Controller) runFinalization(ctx context.Context, round *store.Round) (Outcome, error) {
	items, err := c.items.ListByRound(ctx, round.ID)
	if err != nil {
		return "", fmt.Errorf("listing items: %w", err)
	}
	bids, err := c.bids.ListByRound(ctx, round.ID)
	if err != nil {
		return "", fmt.Errorf("listing bids: %w", err)
	}

	result := allocation.Compute(items, bids)

	if !result.DirectlyFinalizable() {
		// The round must reach tiebreaker_pending before any tiebreaker
		// exists: a withdrawal that resolves the round's last tiebreaker
		// completes the round with a tiebreaker_pending -> completed swap,
		// which would find the wrong status if creation ran first. Leaving
		// finalizing here also keeps CommitRound's finalizing -> completed
		// swap from landing while tiebreakers are open.
		ok, err := c.rounds.TransitionStatus(ctx, round.ID, store.RoundFinalizing, store.RoundTiebreaker)
		if err != nil {
			return "", fmt.Errorf("marking round tiebreaker_pending: %w", err)
		}
		if ok {
			c.appendAudit(ctx, audit.Event{
				RefID: round.ID,
				Type:  audit.RoundFinalizing,
				Data:  mustJSON(audit.StatusChangeData{From: store.RoundFinalizing, To: store.RoundTiebreaker, Note: fmt.Sprintf("%d tiebreakers", len(result.Ties))}),
			})
		}
		for _, tie := range result.Ties {
			if _, err := c.tiebreakers.CreateForTie(ctx, round, tie); err != nil {
				return "", fmt.Errorf("creating tiebreaker for item %s: %w", tie.ItemID, err)
			}
		}
		// Non-tied winners commit right away; the tied items wait on their
		// tiebreakers.
		if _, err := c.applier.CommitRound(ctx, round, winnersToInputs(result.Winners), result.Unsold); err != nil {
			return "", err
		}
		c.logger.InfoContext(ctx, "tiebreakers created",
			slog.String("round_id", round.ID),
			slog.Int("count", len(result.Ties)),
		)
		return OutcomeTiebreakersCreated, nil
	}

	if _, err := c.applier.CommitRound(ctx, round, winnersToInputs(result.Winners), result.Unsold); err != nil {
		return "", err
	}
	return OutcomeFinalized, nil
}

func winnersToInputs(winners []allocation.Winner) []finalize.Input {
	inputs := make([]finalize.Input, 0, len(winners))
	for _, w := range winners {
		inputs = append(inputs, finalize.Input{
			ItemID: w.ItemID,
			TeamID: w.TeamID,
			Amount: w.Amount,
			Phase:  store.PhaseDirect,
		})
	}
	return inputs
}

// PlaceBid records a team's sealed bid on an item. The round end time is a
// hard deadline checked against the controller clock, never a client clock.
// A team's later bid on the same item supersedes its earlier one.
func (c *Controller) PlaceBid(ctx context.Context, roundID, itemID, teamID string, amount int64) (*store.Bid, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.PlaceBid",
		trace.WithAttributes(
			attribute.String("round.id", roundID),
			attribute.String("item.id", itemID),
			attribute.String("team.id", teamID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	round, err := c.rounds.GetByID(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("loading round: %w", err)
	}
	if round.Status != store.RoundActive {
		return nil, ErrRoundNotActive
	}
	if c.clock.Now().After(round.EndsAt) {
		return nil, ErrRoundClosed
	}

	item, err := c.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("loading item: %w", err)
	}
	if item.RoundID != roundID {
		return nil, ErrItemNotInRound
	}
	if amount < item.BasePrice {
		return nil, ErrBidBelowBase
	}

	if _, err := c.teams.GetByID(ctx, teamID); err != nil {
		return nil, fmt.Errorf("loading team: %w", err)
	}

	bid := &store.Bid{
		ID:      uuid.NewString(),
		RoundID: roundID,
		ItemID:  itemID,
		TeamID:  teamID,
		Amount:  amount,
	}
	if err := c.bids.Upsert(ctx, bid); err != nil {
		return nil, fmt.Errorf("storing bid: %w", err)
	}

	c.appendAudit(ctx, audit.Event{
		RefID: roundID,
		Type:  audit.BidPlaced,
		Data:  mustJSON(audit.BidData{RoundID: roundID, ItemID: itemID, TeamID: teamID, Amount: amount}),
	})
	c.logger.InfoContext(ctx, "bid placed",
		slog.String("round_id", roundID),
		slog.String("item_id", itemID),
		slog.String("team_id", teamID),
		slog.Int64("amount", amount),
	)
	return bid, nil
}

func (c *Controller) appendAudit(ctx context.Context, events ...audit.Event) {
	for i := range events {
		events[i].ID = uuid.NewString()
		events[i].CreatedAt = c.clock.Now().UTC()
	}
	if err := c.audit.Append(ctx, events...); err != nil {
		c.logger.ErrorContext(ctx, "failed to append audit events", slog.Any("error", err))
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
