package tiebreaker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mkelholt/squadbid/internal/allocation"
	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/finalize"
	"github.com/mkelholt/squadbid/internal/notify"
	"github.com/mkelholt/squadbid/internal/store"
	"github.com/mkelholt/squadbid/internal/store/memstore"
	"github.com/mkelholt/squadbid/internal/tiebreaker"
)

const testCeiling = 24 * time.Hour

func newTestManager(t *testing.T) (*tiebreaker.Manager, *store.Repositories, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repos := memstore.Open(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := noop.NewTracerProvider()
	applier := finalize.NewApplier(repos, logger, tp, clk)
	mgr := tiebreaker.NewManager(repos, applier, notify.Noop{}, logger, tp, clk, testCeiling)
	return mgr, repos, clk
}

// seedTie creates a round in tiebreaker_pending with one pending item and a
// tiebreaker between team-a and team-b tied at 100.
func seedTie(t *testing.T, mgr *tiebreaker.Manager, repos *store.Repositories) (*store.Round, *store.Tiebreaker) {
	t.Helper()
	ctx := context.Background()

	round := &store.Round{
		ID:       "round-1",
		SeasonID: "season-1",
		Seq:      5,
		Kind:     store.RoundSingle,
		Status:   store.RoundTiebreaker,
		Mode:     store.ModeAuto,
		StartsAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	if err := repos.Rounds.Create(ctx, round); err != nil {
		t.Fatalf("seeding round: %v", err)
	}
	if err := repos.Items.Create(ctx, &store.Item{
		ID: "item-1", RoundID: round.ID, PlayerName: "striker", BasePrice: 10,
		Status: store.ItemPending,
	}); err != nil {
		t.Fatalf("seeding item: %v", err)
	}
	for _, id := range []string{"team-a", "team-b"} {
		if err := repos.Teams.Create(ctx, &store.Team{
			ID: id, SeasonID: "season-1", Name: id,
			BudgetRemaining: 300, RosterLimit: 20,
		}); err != nil {
			t.Fatalf("seeding team %s: %v", id, err)
		}
	}

	tb, err := mgr.CreateForTie(ctx, round, allocation.Tie{
		ItemID:  "item-1",
		Amount:  100,
		TeamIDs: []string{"team-a", "team-b"},
	})
	if err != nil {
		t.Fatalf("CreateForTie: %v", err)
	}
	return round, tb
}

func TestCreateForTieSeedsOpenAuction(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)

	if tb.Status != store.TiebreakerActive {
		t.Errorf("status = %s, want active", tb.Status)
	}
	if tb.HighestBid != 100 {
		t.Errorf("highest bid = %d, want the tied amount 100", tb.HighestBid)
	}
	if tb.HighestTeam != nil {
		t.Errorf("highest team = %v, want none before the first sub-bid", *tb.HighestTeam)
	}
	if want := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC); !tb.CeilingAt.Equal(want) {
		t.Errorf("ceiling = %v, want %v", tb.CeilingAt, want)
	}

	participants, err := repos.Tiebreakers.ListParticipants(context.Background(), tb.ID)
	if err != nil {
		t.Fatalf("listing participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(participants))
	}
	for _, p := range participants {
		if p.Status != store.ParticipantActive {
			t.Errorf("participant %s status = %s, want active", p.TeamID, p.Status)
		}
	}
}

func TestCreateForTieRejectsSingleTeam(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	round := &store.Round{ID: "round-1", Status: store.RoundTiebreaker}
	if err := repos.Rounds.Create(context.Background(), round); err != nil {
		t.Fatal(err)
	}
	_, err := mgr.CreateForTie(context.Background(), round, allocation.Tie{
		ItemID: "item-1", Amount: 100, TeamIDs: []string{"team-a"},
	})
	if err == nil {
		t.Fatal("expected error for a one-team tie")
	}
}

func TestPlaceBidMustExceedHighest(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	if err := mgr.PlaceBid(ctx, tb.ID, "team-a", 100); !errors.Is(err, tiebreaker.ErrBidTooLow) {
		t.Errorf("bid at current high: err = %v, want ErrBidTooLow", err)
	}
	if err := mgr.PlaceBid(ctx, tb.ID, "team-a", 110); err != nil {
		t.Fatalf("valid bid: %v", err)
	}
	if err := mgr.PlaceBid(ctx, tb.ID, "team-b", 110); !errors.Is(err, tiebreaker.ErrBidTooLow) {
		t.Errorf("matching bid: err = %v, want ErrBidTooLow", err)
	}

	got, _ := repos.Tiebreakers.GetByID(ctx, tb.ID)
	if got.HighestBid != 110 || got.HighestTeam == nil || *got.HighestTeam != "team-a" {
		t.Errorf("high = %d by %v, want 110 by team-a", got.HighestBid, got.HighestTeam)
	}
}

func TestPlaceBidRejectsOverBudget(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)

	err := mgr.PlaceBid(context.Background(), tb.ID, "team-a", 301)
	if !errors.Is(err, tiebreaker.ErrInsufficientBudget) {
		t.Errorf("err = %v, want ErrInsufficientBudget", err)
	}
}

func TestPlaceBidRejectsNonParticipant(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	if err := repos.Teams.Create(ctx, &store.Team{
		ID: "team-x", SeasonID: "season-1", BudgetRemaining: 1000, RosterLimit: 20,
	}); err != nil {
		t.Fatal(err)
	}
	err := mgr.PlaceBid(ctx, tb.ID, "team-x", 150)
	if !errors.Is(err, tiebreaker.ErrNotParticipant) {
		t.Errorf("err = %v, want ErrNotParticipant", err)
	}
}

func TestWithdrawLastStandingResolves(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	round, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	if err := mgr.PlaceBid(ctx, tb.ID, "team-a", 110); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if err := mgr.Withdraw(ctx, tb.ID, "team-b"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	got, _ := repos.Tiebreakers.GetByID(ctx, tb.ID)
	if got.Status != store.TiebreakerResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
	if got.HighestTeam == nil || *got.HighestTeam != "team-a" {
		t.Errorf("winner = %v, want team-a", got.HighestTeam)
	}

	// The win commits through the applier at the final high bid.
	teamA, _ := repos.Teams.GetByID(ctx, "team-a")
	if teamA.BudgetRemaining != 190 {
		t.Errorf("team-a budget = %d, want 190", teamA.BudgetRemaining)
	}
	item, _ := repos.Items.GetByID(ctx, "item-1")
	if item.Status != store.ItemSold {
		t.Errorf("item status = %s, want sold", item.Status)
	}

	// Last open tiebreaker gone, so the round completes.
	gotRound, _ := repos.Rounds.GetByID(ctx, round.ID)
	if gotRound.Status != store.RoundCompleted {
		t.Errorf("round status = %s, want completed", gotRound.Status)
	}
}

func TestWithdrawNoSubBidsWinsAtTiedAmount(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	// No leader yet, so anyone may walk away.
	if err := mgr.Withdraw(ctx, tb.ID, "team-a"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	got, _ := repos.Tiebreakers.GetByID(ctx, tb.ID)
	if got.Status != store.TiebreakerResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
	if got.HighestTeam == nil || *got.HighestTeam != "team-b" {
		t.Errorf("winner = %v, want team-b", got.HighestTeam)
	}
	teamB, _ := repos.Teams.GetByID(ctx, "team-b")
	if teamB.BudgetRemaining != 200 {
		t.Errorf("team-b budget = %d, want 200 (debited the tied amount)", teamB.BudgetRemaining)
	}
}

func TestWithdrawLeaderRejected(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	if err := mgr.PlaceBid(ctx, tb.ID, "team-a", 110); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	err := mgr.Withdraw(ctx, tb.ID, "team-a")
	if !errors.Is(err, tiebreaker.ErrLeaderWithdraw) {
		t.Errorf("err = %v, want ErrLeaderWithdraw", err)
	}

	got, _ := repos.Tiebreakers.GetByID(ctx, tb.ID)
	if got.Status != store.TiebreakerActive {
		t.Errorf("status = %s, want still active", got.Status)
	}
}

func TestSweepCeilingsFlagsStalled(t *testing.T) {
	mgr, repos, clk := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	// Within the ceiling nothing happens.
	flagged, err := mgr.SweepCeilings(ctx)
	if err != nil {
		t.Fatalf("SweepCeilings: %v", err)
	}
	if flagged != 0 {
		t.Fatalf("flagged = %d, want 0", flagged)
	}

	clk.Advance(testCeiling + time.Minute)
	flagged, err = mgr.SweepCeilings(ctx)
	if err != nil {
		t.Fatalf("SweepCeilings: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("flagged = %d, want 1", flagged)
	}

	got, _ := repos.Tiebreakers.GetByID(ctx, tb.ID)
	if got.Status != store.TiebreakerNeedsManual {
		t.Fatalf("status = %s, want needs_manual", got.Status)
	}
	// No automatic winner: the item stays pending and bidding is shut.
	item, _ := repos.Items.GetByID(ctx, "item-1")
	if item.Status != store.ItemPending {
		t.Errorf("item status = %s, want pending", item.Status)
	}
	if err := mgr.PlaceBid(ctx, tb.ID, "team-a", 150); !errors.Is(err, tiebreaker.ErrNotActive) {
		t.Errorf("bid after ceiling: err = %v, want ErrNotActive", err)
	}
}

func TestResolveManualAfterCeiling(t *testing.T) {
	mgr, repos, clk := newTestManager(t)
	round, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	if err := mgr.PlaceBid(ctx, tb.ID, "team-b", 120); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	clk.Advance(testCeiling + time.Minute)
	if _, err := mgr.SweepCeilings(ctx); err != nil {
		t.Fatalf("SweepCeilings: %v", err)
	}

	if err := mgr.ResolveManual(ctx, tb.ID, "team-b"); err != nil {
		t.Fatalf("ResolveManual: %v", err)
	}

	got, _ := repos.Tiebreakers.GetByID(ctx, tb.ID)
	if got.Status != store.TiebreakerResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
	teamB, _ := repos.Teams.GetByID(ctx, "team-b")
	if teamB.BudgetRemaining != 180 {
		t.Errorf("team-b budget = %d, want 180", teamB.BudgetRemaining)
	}
	gotRound, _ := repos.Rounds.GetByID(ctx, round.ID)
	if gotRound.Status != store.RoundCompleted {
		t.Errorf("round status = %s, want completed", gotRound.Status)
	}
}

func TestResolveManualRejectsOutsider(t *testing.T) {
	mgr, repos, clk := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	if err := mgr.PlaceBid(ctx, tb.ID, "team-a", 110); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	clk.Advance(testCeiling + time.Minute)
	if _, err := mgr.SweepCeilings(ctx); err != nil {
		t.Fatalf("SweepCeilings: %v", err)
	}

	err := mgr.ResolveManual(ctx, tb.ID, "team-x")
	if !errors.Is(err, tiebreaker.ErrNotParticipant) {
		t.Errorf("err = %v, want ErrNotParticipant", err)
	}
}

func TestCancelVoidsWithoutWinner(t *testing.T) {
	mgr, repos, _ := newTestManager(t)
	_, tb := seedTie(t, mgr, repos)
	ctx := context.Background()

	if err := mgr.Cancel(ctx, tb.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := repos.Tiebreakers.GetByID(ctx, tb.ID)
	if got.Status != store.TiebreakerCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	item, _ := repos.Items.GetByID(ctx, "item-1")
	if item.Status != store.ItemPending {
		t.Errorf("item status = %s, want pending", item.Status)
	}
	if err := mgr.Cancel(ctx, tb.ID); !errors.Is(err, tiebreaker.ErrNotActive) {
		t.Errorf("second cancel: err = %v, want ErrNotActive", err)
	}
}
