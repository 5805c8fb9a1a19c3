package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkelholt/squadbid/internal/allocation"
	"github.com/mkelholt/squadbid/internal/audit"
	"github.com/mkelholt/squadbid/internal/store"
)

// Preview is the advisory result handed to the operator before commit.
type Preview struct {
	Allocations []store.Allocation `json:"allocations"`
	Ties        []allocation.Tie   `json:"ties"`
	Unsold      []string           `json:"unsold"`
	Fingerprint string             `json:"fingerprint"`
}

// PreviewFinalization computes and stages the would-be outcome of a round
// awaiting manual finalization. Nothing financial happens: pending allocations
// are advisory, and a bid fingerprint is stored so a later commit can detect
// that the inputs moved underneath the operator.
func (c *Controller) PreviewFinalization(ctx context.Context, roundID string) (*Preview, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.PreviewFinalization",
		trace.WithAttributes(attribute.String("round.id", roundID)),
	)
	defer span.End()

	ok, err := c.rounds.TransitionStatus(ctx, roundID, store.RoundExpiredPending, store.RoundPendingFinalize)
	if err != nil {
		return nil, fmt.Errorf("staging round for preview: %w", err)
	}
	if !ok {
		// Re-previewing an already staged round is allowed; anything else is
		// an operator error.
		round, err := c.rounds.GetByID(ctx, roundID)
		if err != nil {
			return nil, fmt.Errorf("loading round: %w", err)
		}
		if round.Status != store.RoundPendingFinalize {
			return nil, ErrNotAwaitingManual
		}
	}

	items, err := c.items.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	bids, err := c.bids.ListByRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}

	result := allocation.Compute(items, bids)
	pending := make([]store.Allocation, 0, len(result.Winners))
	for _, w := range result.Winners {
		pending = append(pending, store.Allocation{
			ID:      uuid.NewString(),
			RoundID: roundID,
			ItemID:  w.ItemID,
			TeamID:  w.TeamID,
			Amount:  w.Amount,
			Phase:   store.PhaseDirect,
			State:   store.AllocationPending,
		})
	}
	if err := c.allocations.ReplacePending(ctx, roundID, pending); err != nil {
		return nil, fmt.Errorf("staging pending allocations: %w", err)
	}

	fp := allocation.Fingerprint(bids)
	if err := c.rounds.SetPreviewFingerprint(ctx, roundID, &fp); err != nil {
		return nil, fmt.Errorf("storing preview fingerprint: %w", err)
	}

	c.appendAudit(ctx, audit.Event{
		RefID: roundID,
		Type:  audit.RoundPreviewed,
		Data:  mustJSON(audit.StatusChangeData{From: store.RoundExpiredPending, To: store.RoundPendingFinalize, Note: fp}),
	})
	c.logger.InfoContext(ctx, "round previewed",
		slog.String("round_id", roundID),
		slog.Int("winners", len(pending)),
		slog.Int("ties", len(result.Ties)),
	)

	return &Preview{
		Allocations: pending,
		Ties:        result.Ties,
		Unsold:      result.Unsold,
		Fingerprint: fp,
	}, nil
}

// CancelPending discards a staged preview and returns the round to awaiting
// manual finalization.
func (c *Controller) CancelPending(ctx context.Context, roundID string) error {
	ctx, span := c.tracer.Start(ctx, "Controller.CancelPending",
		trace.WithAttributes(attribute.String("round.id", roundID)),
	)
	defer span.End()

	ok, err := c.rounds.TransitionStatus(ctx, roundID, store.RoundPendingFinalize, store.RoundExpiredPending)
	if err != nil {
		return fmt.Errorf("reverting round: %w", err)
	}
	if !ok {
		return ErrNoPreview
	}
	if err := c.allocations.DeletePendingByRound(ctx, roundID); err != nil {
		return fmt.Errorf("discarding pending allocations: %w", err)
	}
	if err := c.rounds.SetPreviewFingerprint(ctx, roundID, nil); err != nil {
		return fmt.Errorf("clearing preview fingerprint: %w", err)
	}
	c.appendAudit(ctx, audit.Event{
		RefID: roundID,
		Type:  audit.RoundPreviewReset,
		Data:  mustJSON(audit.StatusChangeData{From: store.RoundPendingFinalize, To: store.RoundExpiredPending}),
	})
	c.logger.InfoContext(ctx, "round preview cancelled", slog.String("round_id", roundID))
	return nil
}

// CommitPending makes a staged preview effective. The stored bid fingerprint
// must still match the current bids; otherwise the preview is stale and the
// commit is rejected without side effects.
func (c *Controller) CommitPending(ctx context.Context, roundID string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.CommitPending",
		trace.WithAttributes(attribute.String("round.id", roundID)),
	)
	defer span.End()

	round, err := c.rounds.GetByID(ctx, roundID)
	if err != nil {
		return "", fmt.Errorf("loading round: %w", err)
	}
	if round.Status != store.RoundPendingFinalize {
		return "", ErrNoPreview
	}

	bids, err := c.bids.ListByRound(ctx, roundID)
	if err != nil {
		return "", fmt.Errorf("listing bids: %w", err)
	}
	fp := allocation.Fingerprint(bids)
	if round.PreviewFingerprint == nil || *round.PreviewFingerprint != fp {
		return "", ErrPreviewStale
	}

	items, err := c.items.ListByRound(ctx, roundID)
	if err != nil {
		return "", fmt.Errorf("listing items: %w", err)
	}
	result := allocation.Compute(items, bids)
	if !result.DirectlyFinalizable() {
		// Ties cannot be committed from a preview; the operator must finalize
		// immediately, which opens tiebreakers.
		return "", ErrTiesPending
	}

	ok, err := c.rounds.TransitionStatus(ctx, roundID, store.RoundPendingFinalize, store.RoundFinalizing)
	if err != nil {
		return "", fmt.Errorf("claiming round: %w", err)
	}
	if !ok {
		return "", ErrNoPreview
	}
	c.appendAudit(ctx, audit.Event{
		RefID: roundID,
		Type:  audit.RoundFinalizing,
		Data:  mustJSON(audit.StatusChangeData{From: store.RoundPendingFinalize, To: store.RoundFinalizing}),
	})

	if err := c.allocations.DeletePendingByRound(ctx, roundID); err != nil {
		return "", fmt.Errorf("discarding pending allocations: %w", err)
	}
	if err := c.rounds.SetPreviewFingerprint(ctx, roundID, nil); err != nil {
		return "", fmt.Errorf("clearing preview fingerprint: %w", err)
	}

	if _, err := c.applier.CommitRound(ctx, round, winnersToInputs(result.Winners), result.Unsold); err != nil {
		c.appendAudit(ctx, audit.Event{
			RefID: roundID,
			Type:  audit.RoundStuck,
			Data:  mustJSON(audit.StatusChangeData{From: store.RoundFinalizing, To: store.RoundFinalizing, Note: err.Error()}),
		})
		return "", err
	}
	return OutcomeFinalized, nil
}

// FinalizeNow skips the preview gate and runs the automatic finalization path
// on a round awaiting manual finalization. This is the operator's way out
// when a preview reports ties.
func (c *Controller) FinalizeNow(ctx context.Context, roundID string) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.FinalizeNow",
		trace.WithAttributes(attribute.String("round.id", roundID)),
	)
	defer span.End()

	from := store.RoundExpiredPending
	ok, err := c.rounds.TransitionStatus(ctx, roundID, from, store.RoundFinalizing)
	if err != nil {
		return "", fmt.Errorf("claiming round: %w", err)
	}
	if !ok {
		from = store.RoundPendingFinalize
		ok, err = c.rounds.TransitionStatus(ctx, roundID, from, store.RoundFinalizing)
		if err != nil {
			return "", fmt.Errorf("claiming round: %w", err)
		}
	}
	if !ok {
		return "", ErrNotAwaitingManual
	}
	c.appendAudit(ctx, audit.Event{
		RefID: roundID,
		Type:  audit.RoundFinalizing,
		Data:  mustJSON(audit.StatusChangeData{From: from, To: store.RoundFinalizing}),
	})

	if err := c.allocations.DeletePendingByRound(ctx, roundID); err != nil {
		return "", fmt.Errorf("discarding pending allocations: %w", err)
	}
	if err := c.rounds.SetPreviewFingerprint(ctx, roundID, nil); err != nil {
		return "", fmt.Errorf("clearing preview fingerprint: %w", err)
	}

	round, err := c.rounds.GetByID(ctx, roundID)
	if err != nil {
		return "", fmt.Errorf("loading round: %w", err)
	}
	return c.finalizeClaimed(ctx, round)
}
