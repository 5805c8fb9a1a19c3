// Package finalize makes computed allocations durable and financially
// effective, exactly once per item. The primary store is authoritative;
// document snapshots for the secondary store are queued on the outbox and
// mirrored asynchronously.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkelholt/squadbid/internal/audit"
	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
)

// Input is one computed winner handed to the applier.
type Input struct {
	ItemID string
	TeamID string
	Amount int64
	Phase  string
}

// Report summarizes a commit batch. Failed allocations leave their items
// pending for operator remediation; they never block the rest of the batch.
type Report struct {
	Committed []store.Allocation
	Failed    []store.Allocation
	// Skipped lists items that were already sold when the batch ran, which
	// happens when a commit is re-driven after a crash.
	Skipped []string
}

// Applier commits allocations against team budgets and rosters.
type Applier struct {
	rounds       store.RoundRepository
	items        store.ItemRepository
	teams        store.TeamRepository
	allocations  store.AllocationRepository
	transactions store.TransactionRepository
	outbox       store.OutboxRepository
	audit        audit.Store
	logger       *slog.Logger
	tracer       trace.Tracer
	clock        clock.Clock
}

// NewApplier returns a new Applier.
func NewApplier(repos *store.Repositories, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Applier {
	return &Applier{
		rounds:       repos.Rounds,
		items:        repos.Items,
		teams:        repos.Teams,
		allocations:  repos.Allocations,
		transactions: repos.Transactions,
		outbox:       repos.Outbox,
		audit:        repos.Audit,
		logger:       logger,
		tracer:       tp.Tracer("github.com/mkelholt/squadbid/internal/finalize"),
		clock:        clk,
	}
}

// CommitRound applies a full batch: every winner independently, unsold items
// marked, and the round advanced finalizing -> completed. Re-driving the same
// batch is idempotent per item because already-sold items are skipped.
func (a *Applier) CommitRound(ctx context.Context, round *store.Round, winners []Input, unsold []string) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "Applier.CommitRound",
		trace.WithAttributes(
			attribute.String("round.id", round.ID),
			attribute.Int("winners", len(winners)),
		),
	)
	defer span.End()

	report := &Report{}
	for _, w := range winners {
		alloc, skipped, err := a.CommitOne(ctx, round, w)
		if err != nil {
			return report, fmt.Errorf("committing item %s: %w", w.ItemID, err)
		}
		switch {
		case skipped:
			report.Skipped = append(report.Skipped, w.ItemID)
		case alloc.State == store.AllocationFinal:
			report.Committed = append(report.Committed, *alloc)
		default:
			report.Failed = append(report.Failed, *alloc)
		}
	}

	for _, itemID := range unsold {
		if err := a.markUnsold(ctx, round, itemID); err != nil {
			return report, err
		}
	}

	ok, err := a.rounds.TransitionStatus(ctx, round.ID, store.RoundFinalizing, store.RoundCompleted)
	if err != nil {
		return report, fmt.Errorf("completing round: %w", err)
	}
	if ok {
		a.appendAudit(ctx, audit.Event{
			RefID: round.ID,
			Type:  audit.RoundCompleted,
			Data:  mustJSON(audit.StatusChangeData{From: store.RoundFinalizing, To: store.RoundCompleted}),
		})
	}

	a.logger.InfoContext(ctx, "round committed",
		slog.String("round_id", round.ID),
		slog.Int("committed", len(report.Committed)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

// CommitOne applies a single allocation. It returns skipped=true when the
// item was already sold. A failed re-validation (insufficient budget or no
// roster slot) records a failed allocation and mutates no team state; the
// item stays pending for the operator.
func (a *Applier) CommitOne(ctx context.Context, round *store.Round, w Input) (*store.Allocation, bool, error) {
	ctx, span := a.tracer.Start(ctx, "Applier.CommitOne",
		trace.WithAttributes(
			attribute.String("item.id", w.ItemID),
			attribute.String("team.id", w.TeamID),
			attribute.Int64("amount", w.Amount),
		),
	)
	defer span.End()

	item, err := a.items.GetByID(ctx, w.ItemID)
	if err != nil {
		return nil, false, fmt.Errorf("loading item: %w", err)
	}
	if item.Status == store.ItemSold {
		a.logger.InfoContext(ctx, "item already sold, skipping",
			slog.String("item_id", w.ItemID),
		)
		return nil, true, nil
	}

	// The debit statement returns the post-debit balance; both ledger
	// balances derive from it, never from a separate read that a concurrent
	// win could make stale.
	balanceAfter, debited, err := a.teams.DebitForWin(ctx, w.TeamID, w.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("debiting team: %w", err)
	}

	if !debited {
		alloc := &store.Allocation{
			ID:      uuid.NewString(),
			RoundID: round.ID,
			ItemID:  w.ItemID,
			TeamID:  w.TeamID,
			Amount:  w.Amount,
			Phase:   w.Phase,
			State:   store.AllocationFailed,
			Reason:  strptr("insufficient budget or roster capacity at commit time"),
		}
		if err := a.allocations.Insert(ctx, alloc); err != nil {
			return nil, false, fmt.Errorf("recording failed allocation: %w", err)
		}
		a.appendAudit(ctx, audit.Event{
			RefID: round.ID,
			Type:  audit.AllocationFailed,
			Data: mustJSON(audit.AllocationData{
				RoundID: round.ID, ItemID: w.ItemID, TeamID: w.TeamID,
				Amount: w.Amount, Phase: w.Phase,
				Reason: "insufficient budget or roster capacity",
			}),
		})
		a.logger.WarnContext(ctx, "allocation failed re-validation",
			slog.String("item_id", w.ItemID),
			slog.String("team_id", w.TeamID),
			slog.Int64("amount", w.Amount),
		)
		return alloc, false, nil
	}

	alloc := &store.Allocation{
		ID:      uuid.NewString(),
		RoundID: round.ID,
		ItemID:  w.ItemID,
		TeamID:  w.TeamID,
		Amount:  w.Amount,
		Phase:   w.Phase,
		State:   store.AllocationFinal,
	}
	if err := a.allocations.Insert(ctx, alloc); err != nil {
		return nil, false, fmt.Errorf("recording allocation: %w", err)
	}

	if _, err := a.items.TransitionStatus(ctx, w.ItemID, item.Status, store.ItemSold); err != nil {
		return nil, false, fmt.Errorf("marking item sold: %w", err)
	}

	txn := &store.Transaction{
		ID:            uuid.NewString(),
		TeamID:        w.TeamID,
		SeasonID:      round.SeasonID,
		Kind:          "auction_win",
		Amount:        -w.Amount,
		BalanceBefore: balanceAfter + w.Amount,
		BalanceAfter:  balanceAfter,
		Description:   fmt.Sprintf("Won %s in round %d", item.PlayerName, round.Seq),
		RefID:         round.ID,
	}
	if err := a.transactions.Append(ctx, txn); err != nil {
		return nil, false, fmt.Errorf("appending transaction: %w", err)
	}

	a.appendAudit(ctx,
		audit.Event{
			RefID: round.ID,
			Type:  audit.AllocationCommitted,
			Data: mustJSON(audit.AllocationData{
				RoundID: round.ID, ItemID: w.ItemID, TeamID: w.TeamID,
				Amount: w.Amount, Phase: w.Phase,
			}),
		},
		audit.Event{
			RefID: w.TeamID,
			Type:  audit.BudgetDebited,
			Data: mustJSON(audit.BudgetData{
				TeamID: w.TeamID, Amount: -w.Amount,
				BalanceBefore: balanceAfter + w.Amount, BalanceAfter: balanceAfter,
				RefID: round.ID,
			}),
		},
	)

	a.enqueueMirror(ctx, round, item, w, balanceAfter)

	a.logger.InfoContext(ctx, "allocation committed",
		slog.String("item_id", w.ItemID),
		slog.String("team_id", w.TeamID),
		slog.Int64("amount", w.Amount),
		slog.String("phase", w.Phase),
	)
	return alloc, false, nil
}

func (a *Applier) markUnsold(ctx context.Context, round *store.Round, itemID string) error {
	ok, err := a.items.TransitionStatus(ctx, itemID, store.ItemPending, store.ItemUnsold)
	if err != nil {
		return fmt.Errorf("marking item unsold: %w", err)
	}
	if ok {
		a.appendAudit(ctx, audit.Event{
			RefID: round.ID,
			Type:  audit.ItemUnsold,
			Data:  mustJSON(audit.AllocationData{RoundID: round.ID, ItemID: itemID}),
		})
	}
	return nil
}

// enqueueMirror queues secondary-store snapshots. The mirror is best effort:
// a failure here is logged and the primary commit stands.
func (a *Applier) enqueueMirror(ctx context.Context, round *store.Round, item *store.Item, w Input, balanceAfter int64) {
	teamDoc := mustJSON(map[string]any{
		"team_id":          w.TeamID,
		"season_id":        round.SeasonID,
		"budget_remaining": balanceAfter,
		"last_round_id":    round.ID,
	})
	itemDoc := mustJSON(map[string]any{
		"item_id":     item.ID,
		"round_id":    round.ID,
		"player_name": item.PlayerName,
		"status":      store.ItemSold,
		"team_id":     w.TeamID,
		"amount":      w.Amount,
	})

	err := a.outbox.Enqueue(ctx,
		store.OutboxEntry{Collection: "teams", DocID: w.TeamID, Payload: teamDoc},
		store.OutboxEntry{Collection: "items", DocID: item.ID, Payload: itemDoc},
	)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to enqueue mirror writes",
			slog.String("item_id", item.ID),
			slog.Any("error", err),
		)
	}
}

func (a *Applier) appendAudit(ctx context.Context, events ...audit.Event) {
	for i := range events {
		events[i].ID = uuid.NewString()
		events[i].CreatedAt = a.clock.Now().UTC()
	}
	if err := a.audit.Append(ctx, events...); err != nil {
		a.logger.ErrorContext(ctx, "failed to append audit events", slog.Any("error", err))
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func strptr(s string) *string { return &s }
