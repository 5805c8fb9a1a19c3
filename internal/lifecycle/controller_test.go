package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mkelholt/squadbid/internal/audit"
	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/finalize"
	"github.com/mkelholt/squadbid/internal/lifecycle"
	"github.com/mkelholt/squadbid/internal/notify"
	"github.com/mkelholt/squadbid/internal/store"
	"github.com/mkelholt/squadbid/internal/store/memstore"
	"github.com/mkelholt/squadbid/internal/tiebreaker"
)

var (
	roundStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	roundEnd   = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
)

func newTestController(t *testing.T) (*lifecycle.Controller, *store.Repositories, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(roundStart)
	repos := memstore.Open(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := noop.NewTracerProvider()
	applier := finalize.NewApplier(repos, logger, tp, clk)
	tbMgr := tiebreaker.NewManager(repos, applier, notify.Noop{}, logger, tp, clk, 24*time.Hour)
	ctrl := lifecycle.NewController(repos, applier, tbMgr, logger, tp, clk)
	return ctrl, repos, clk
}

func seedActiveRound(t *testing.T, repos *store.Repositories, mode string) *store.Round {
	t.Helper()
	round := &store.Round{
		ID:       "round-1",
		SeasonID: "season-1",
		Seq:      1,
		Kind:     store.RoundBulk,
		Status:   store.RoundActive,
		Mode:     mode,
		StartsAt: roundStart,
		EndsAt:   roundEnd,
	}
	if err := repos.Rounds.Create(context.Background(), round); err != nil {
		t.Fatalf("seeding round: %v", err)
	}
	return round
}

func seedItem(t *testing.T, repos *store.Repositories, id, roundID string, basePrice int64) {
	t.Helper()
	err := repos.Items.Create(context.Background(), &store.Item{
		ID: id, RoundID: roundID, PlayerName: "player " + id,
		BasePrice: basePrice, Status: store.ItemPending,
	})
	if err != nil {
		t.Fatalf("seeding item %s: %v", id, err)
	}
}

func seedTeam(t *testing.T, repos *store.Repositories, id string, budget int64) {
	t.Helper()
	err := repos.Teams.Create(context.Background(), &store.Team{
		ID: id, SeasonID: "season-1", Name: id,
		BudgetRemaining: budget, RosterLimit: 20,
	})
	if err != nil {
		t.Fatalf("seeding team %s: %v", id, err)
	}
}

func seedBid(t *testing.T, repos *store.Repositories, roundID, itemID, teamID string, amount int64) {
	t.Helper()
	err := repos.Bids.Upsert(context.Background(), &store.Bid{
		RoundID: roundID, ItemID: itemID, TeamID: teamID, Amount: amount,
	})
	if err != nil {
		t.Fatalf("seeding bid: %v", err)
	}
}

func TestCheckAndAdvanceNotDueBeforeEnd(t *testing.T) {
	ctrl, repos, _ := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeAuto)

	outcome, err := ctrl.CheckAndAdvance(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("CheckAndAdvance: %v", err)
	}
	if outcome != lifecycle.OutcomeNotDue {
		t.Fatalf("outcome = %s, want not_due", outcome)
	}
	got, _ := repos.Rounds.GetByID(context.Background(), round.ID)
	if got.Status != store.RoundActive {
		t.Errorf("round status = %s, want still active", got.Status)
	}
}

func TestCheckAndAdvanceAutoFinalizes(t *testing.T) {
	ctrl, repos, clk := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeAuto)
	seedItem(t, repos, "item-1", round.ID, 10)
	seedItem(t, repos, "item-2", round.ID, 10)
	seedTeam(t, repos, "team-a", 500)
	seedTeam(t, repos, "team-b", 500)
	seedBid(t, repos, round.ID, "item-1", "team-a", 120)
	seedBid(t, repos, round.ID, "item-1", "team-b", 90)
	seedBid(t, repos, round.ID, "item-2", "team-b", 70)

	clk.Set(roundEnd.Add(time.Second))
	outcome, err := ctrl.CheckAndAdvance(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("CheckAndAdvance: %v", err)
	}
	if outcome != lifecycle.OutcomeFinalized {
		t.Fatalf("outcome = %s, want finalized", outcome)
	}

	ctx := context.Background()
	got, _ := repos.Rounds.GetByID(ctx, round.ID)
	if got.Status != store.RoundCompleted {
		t.Errorf("round status = %s, want completed", got.Status)
	}
	teamA, _ := repos.Teams.GetByID(ctx, "team-a")
	if teamA.BudgetRemaining != 380 {
		t.Errorf("team-a budget = %d, want 380", teamA.BudgetRemaining)
	}
	teamB, _ := repos.Teams.GetByID(ctx, "team-b")
	if teamB.BudgetRemaining != 430 {
		t.Errorf("team-b budget = %d, want 430", teamB.BudgetRemaining)
	}
	finals, _ := repos.Allocations.ListFinalByRound(ctx, round.ID)
	if len(finals) != 2 {
		t.Errorf("final allocations = %d, want 2", len(finals))
	}

	// The round's audit trail records the claim and the completion.
	trail, err := repos.Audit.ListByRef(ctx, round.ID)
	if err != nil {
		t.Fatalf("listing audit trail: %v", err)
	}
	types := map[audit.Type]bool{}
	for _, e := range trail {
		types[e.Type] = true
	}
	if !types[audit.RoundFinalizing] || !types[audit.RoundCompleted] {
		t.Errorf("audit trail types = %v, want round claim and completion", types)
	}
}

func TestCheckAndAdvanceConcurrentClaims(t *testing.T) {
	ctrl, repos, clk := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeAuto)
	seedItem(t, repos, "item-1", round.ID, 10)
	seedTeam(t, repos, "team-a", 500)
	seedBid(t, repos, round.ID, "item-1", "team-a", 120)

	clk.Set(roundEnd.Add(time.Second))

	const callers = 8
	outcomes := make([]lifecycle.Outcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = ctrl.CheckAndAdvance(context.Background(), round.ID)
		}(i)
	}
	wg.Wait()

	finalized := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		switch outcomes[i] {
		case lifecycle.OutcomeFinalized:
			finalized++
		case lifecycle.OutcomeAlreadyClaimed, lifecycle.OutcomeCompleted:
		default:
			t.Errorf("caller %d: unexpected outcome %s", i, outcomes[i])
		}
	}
	if finalized != 1 {
		t.Fatalf("finalized by %d callers, want exactly 1", finalized)
	}

	// Exactly one debit regardless of caller count.
	txns, _ := repos.Transactions.ListByTeam(context.Background(), "team-a")
	if len(txns) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txns))
	}
	team, _ := repos.Teams.GetByID(context.Background(), "team-a")
	if team.BudgetRemaining != 380 {
		t.Errorf("team budget = %d, want 380", team.BudgetRemaining)
	}
}

func TestCheckAndAdvanceTiesOpenTiebreakers(t *testing.T) {
	ctrl, repos, clk := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeAuto)
	seedItem(t, repos, "item-1", round.ID, 10)
	seedItem(t, repos, "item-2", round.ID, 10)
	seedTeam(t, repos, "team-a", 500)
	seedTeam(t, repos, "team-b", 500)
	seedTeam(t, repos, "team-c", 500)
	seedBid(t, repos, round.ID, "item-1", "team-a", 100)
	seedBid(t, repos, round.ID, "item-1", "team-b", 100)
	seedBid(t, repos, round.ID, "item-2", "team-c", 80)

	clk.Set(roundEnd.Add(time.Second))
	outcome, err := ctrl.CheckAndAdvance(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("CheckAndAdvance: %v", err)
	}
	if outcome != lifecycle.OutcomeTiebreakersCreated {
		t.Fatalf("outcome = %s, want tiebreakers_created", outcome)
	}

	ctx := context.Background()
	got, _ := repos.Rounds.GetByID(ctx, round.ID)
	if got.Status != store.RoundTiebreaker {
		t.Errorf("round status = %s, want tiebreaker_pending", got.Status)
	}
	open, _ := repos.Tiebreakers.ListOpenByRound(ctx, round.ID)
	if len(open) != 1 {
		t.Fatalf("open tiebreakers = %d, want 1", len(open))
	}
	if open[0].ItemID != "item-1" || open[0].HighestBid != 100 {
		t.Errorf("tiebreaker = %s at %d, want item-1 at 100", open[0].ItemID, open[0].HighestBid)
	}

	// The tied item waits; the clean win commits immediately.
	item1, _ := repos.Items.GetByID(ctx, "item-1")
	if item1.Status != store.ItemPending {
		t.Errorf("item-1 status = %s, want pending", item1.Status)
	}
	item2, _ := repos.Items.GetByID(ctx, "item-2")
	if item2.Status != store.ItemSold {
		t.Errorf("item-2 status = %s, want sold", item2.Status)
	}
	teamC, _ := repos.Teams.GetByID(ctx, "team-c")
	if teamC.BudgetRemaining != 420 {
		t.Errorf("team-c budget = %d, want 420", teamC.BudgetRemaining)
	}

	// Repeat access only classifies.
	outcome, err = ctrl.CheckAndAdvance(ctx, round.ID)
	if err != nil {
		t.Fatalf("second CheckAndAdvance: %v", err)
	}
	if outcome != lifecycle.OutcomeTiebreakerPending {
		t.Errorf("second outcome = %s, want tiebreaker_pending", outcome)
	}
}

// notifyingTiebreakerRepo invokes a callback the moment a tiebreaker is
// persisted, modeling a participant acting before the finalizing caller has
// returned from creating it.
type notifyingTiebreakerRepo struct {
	store.TiebreakerRepository
	onCreate func(tb *store.Tiebreaker)
}

func (r *notifyingTiebreakerRepo) Create(ctx context.Context, tb *store.Tiebreaker, participants []store.TiebreakerParticipant) error {
	if err := r.TiebreakerRepository.Create(ctx, tb, participants); err != nil {
		return err
	}
	if r.onCreate != nil {
		r.onCreate(tb)
	}
	return nil
}

func TestWithdrawDuringTiebreakerCreationCompletesRound(t *testing.T) {
	clk := clock.NewMock(roundStart)
	repos := memstore.Open(clk)
	wrapper := &notifyingTiebreakerRepo{TiebreakerRepository: repos.Tiebreakers}
	repos.Tiebreakers = wrapper
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := noop.NewTracerProvider()
	applier := finalize.NewApplier(repos, logger, tp, clk)
	tbMgr := tiebreaker.NewManager(repos, applier, notify.Noop{}, logger, tp, clk, 24*time.Hour)
	ctrl := lifecycle.NewController(repos, applier, tbMgr, logger, tp, clk)

	round := seedActiveRound(t, repos, store.ModeAuto)
	seedItem(t, repos, "item-1", round.ID, 10)
	seedTeam(t, repos, "team-a", 300)
	seedTeam(t, repos, "team-b", 300)
	seedBid(t, repos, round.ID, "item-1", "team-a", 100)
	seedBid(t, repos, round.ID, "item-1", "team-b", 100)

	// team-b folds the instant the tiebreaker exists. The resulting
	// auto-resolution completes the round, which must not strand the
	// finalizing caller.
	wrapper.onCreate = func(tb *store.Tiebreaker) {
		if err := tbMgr.Withdraw(context.Background(), tb.ID, "team-b"); err != nil {
			t.Errorf("withdraw during creation: %v", err)
		}
	}

	clk.Set(roundEnd.Add(time.Second))
	outcome, err := ctrl.CheckAndAdvance(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("CheckAndAdvance: %v", err)
	}
	if outcome != lifecycle.OutcomeTiebreakersCreated {
		t.Fatalf("outcome = %s, want tiebreakers_created", outcome)
	}

	ctx := context.Background()
	got, _ := repos.Rounds.GetByID(ctx, round.ID)
	if got.Status != store.RoundCompleted {
		t.Fatalf("round status = %s, want completed", got.Status)
	}
	open, _ := repos.Tiebreakers.ListOpenByRound(ctx, round.ID)
	if len(open) != 0 {
		t.Errorf("open tiebreakers = %d, want 0", len(open))
	}
	teamA, _ := repos.Teams.GetByID(ctx, "team-a")
	if teamA.BudgetRemaining != 200 {
		t.Errorf("team-a budget = %d, want 200", teamA.BudgetRemaining)
	}
	item, _ := repos.Items.GetByID(ctx, "item-1")
	if item.Status != store.ItemSold {
		t.Errorf("item-1 status = %s, want sold", item.Status)
	}
}

func TestCheckAndAdvanceManualMarksExpired(t *testing.T) {
	ctrl, repos, clk := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeManual)

	clk.Set(roundEnd.Add(time.Second))
	outcome, err := ctrl.CheckAndAdvance(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("CheckAndAdvance: %v", err)
	}
	if outcome != lifecycle.OutcomeMarkedManual {
		t.Fatalf("outcome = %s, want marked_for_manual_finalization", outcome)
	}
	got, _ := repos.Rounds.GetByID(context.Background(), round.ID)
	if got.Status != store.RoundExpiredPending {
		t.Errorf("round status = %s, want expired_pending_finalization", got.Status)
	}

	outcome, err = ctrl.CheckAndAdvance(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("second CheckAndAdvance: %v", err)
	}
	if outcome != lifecycle.OutcomeAwaitingManual {
		t.Errorf("second outcome = %s, want awaiting_manual_finalization", outcome)
	}
}

func TestPlaceBidValidation(t *testing.T) {
	ctrl, repos, clk := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeAuto)
	seedItem(t, repos, "item-1", round.ID, 50)
	seedTeam(t, repos, "team-a", 500)

	ctx := context.Background()

	if _, err := ctrl.PlaceBid(ctx, round.ID, "item-1", "team-a", 40); !errors.Is(err, lifecycle.ErrBidBelowBase) {
		t.Errorf("below base: err = %v, want ErrBidBelowBase", err)
	}
	if _, err := ctrl.PlaceBid(ctx, round.ID, "item-1", "team-a", 60); err != nil {
		t.Fatalf("valid bid: %v", err)
	}

	// A later bid by the same team supersedes the first.
	if _, err := ctrl.PlaceBid(ctx, round.ID, "item-1", "team-a", 90); err != nil {
		t.Fatalf("replacement bid: %v", err)
	}
	bids, _ := repos.Bids.ListByRound(ctx, round.ID)
	if len(bids) != 1 {
		t.Fatalf("bids = %d, want 1 after upsert", len(bids))
	}
	if bids[0].Amount != 90 {
		t.Errorf("bid amount = %d, want 90", bids[0].Amount)
	}

	// Hard deadline on the controller clock.
	clk.Set(roundEnd.Add(time.Second))
	if _, err := ctrl.PlaceBid(ctx, round.ID, "item-1", "team-a", 100); !errors.Is(err, lifecycle.ErrRoundClosed) {
		t.Errorf("after deadline: err = %v, want ErrRoundClosed", err)
	}
}

func TestPlaceBidRejectsWrongRoundItem(t *testing.T) {
	ctrl, repos, _ := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeAuto)
	seedTeam(t, repos, "team-a", 500)
	err := repos.Items.Create(context.Background(), &store.Item{
		ID: "other-item", RoundID: "round-99", BasePrice: 10, Status: store.ItemPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.PlaceBid(context.Background(), round.ID, "other-item", "team-a", 60); !errors.Is(err, lifecycle.ErrItemNotInRound) {
		t.Errorf("err = %v, want ErrItemNotInRound", err)
	}
}

func TestPlaceBidRejectsInactiveRound(t *testing.T) {
	ctrl, repos, _ := newTestController(t)
	round := seedActiveRound(t, repos, store.ModeAuto)
	seedItem(t, repos, "item-1", round.ID, 10)
	seedTeam(t, repos, "team-a", 500)

	if _, err := repos.Rounds.TransitionStatus(context.Background(), round.ID, store.RoundActive, store.RoundCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.PlaceBid(context.Background(), round.ID, "item-1", "team-a", 60); !errors.Is(err, lifecycle.ErrRoundNotActive) {
		t.Errorf("err = %v, want ErrRoundNotActive", err)
	}
}
