package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/store"
	"github.com/mkelholt/squadbid/internal/store/postgres"
)

func seedTiebreaker(t *testing.T, repo *postgres.TiebreakerRepo, rounds store.RoundRepository, items store.ItemRepository, teams store.TeamRepository) *store.Tiebreaker {
	t.Helper()
	ctx := context.Background()

	createRound(t, rounds, "round-1", store.RoundTiebreaker, store.ModeAuto)
	createItem(t, items, "item-1", "round-1")
	createTeam(t, teams, "team-a", 300, 20)
	createTeam(t, teams, "team-b", 300, 20)

	tb := &store.Tiebreaker{
		ID:         "tb-1",
		RoundID:    "round-1",
		ItemID:     "item-1",
		Status:     store.TiebreakerActive,
		HighestBid: 100,
		CeilingAt:  time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	err := repo.Create(ctx, tb, []store.TiebreakerParticipant{
		{TeamID: "team-a", Status: store.ParticipantActive},
		{TeamID: "team-b", Status: store.ParticipantActive},
	})
	if err != nil {
		t.Fatalf("creating tiebreaker: %v", err)
	}
	return tb
}

func TestTiebreakerRecordBidConditional(t *testing.T) {
	db := newTestDB(t)
	clk := clock.Real{}
	repo := postgres.NewTiebreakerRepo(db, clk)
	seedTiebreaker(t, repo, postgres.NewRoundRepo(db, clk), postgres.NewItemRepo(db), postgres.NewTeamRepo(db, clk))
	ctx := context.Background()
	now := time.Now().UTC()

	// Equal to the current high: rejected.
	ok, err := repo.RecordBid(ctx, "tb-1", "team-a", 100, now)
	if err != nil {
		t.Fatalf("RecordBid: %v", err)
	}
	if ok {
		t.Fatal("bid at current high should not land")
	}

	ok, err = repo.RecordBid(ctx, "tb-1", "team-a", 110, now)
	if err != nil {
		t.Fatalf("RecordBid: %v", err)
	}
	if !ok {
		t.Fatal("higher bid should land")
	}

	// Non-participant: rejected even with a higher amount.
	ok, err = repo.RecordBid(ctx, "tb-1", "team-x", 200, now)
	if err != nil {
		t.Fatalf("RecordBid: %v", err)
	}
	if ok {
		t.Fatal("non-participant bid should not land")
	}

	got, _ := repo.GetByID(ctx, "tb-1")
	if got.HighestBid != 110 || got.HighestTeam == nil || *got.HighestTeam != "team-a" {
		t.Errorf("high = %d by %v, want 110 by team-a", got.HighestBid, got.HighestTeam)
	}
	if got.LastBidAt == nil {
		t.Error("last_bid_at not stamped")
	}
}

func TestTiebreakerWithdrawGuardsLeader(t *testing.T) {
	db := newTestDB(t)
	clk := clock.Real{}
	repo := postgres.NewTiebreakerRepo(db, clk)
	seedTiebreaker(t, repo, postgres.NewRoundRepo(db, clk), postgres.NewItemRepo(db), postgres.NewTeamRepo(db, clk))
	ctx := context.Background()

	if ok, err := repo.RecordBid(ctx, "tb-1", "team-a", 110, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("RecordBid: ok=%v err=%v", ok, err)
	}

	// The leader cannot withdraw.
	ok, err := repo.Withdraw(ctx, "tb-1", "team-a")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if ok {
		t.Fatal("leader withdrawal should not land")
	}

	ok, err = repo.Withdraw(ctx, "tb-1", "team-b")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !ok {
		t.Fatal("non-leader withdrawal should land")
	}

	// Withdrawing twice writes nothing.
	ok, err = repo.Withdraw(ctx, "tb-1", "team-b")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if ok {
		t.Fatal("second withdrawal should not land")
	}

	n, err := repo.CountActiveParticipants(ctx, "tb-1")
	if err != nil {
		t.Fatalf("CountActiveParticipants: %v", err)
	}
	if n != 1 {
		t.Errorf("active participants = %d, want 1", n)
	}
}

func TestTiebreakerResolveExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	clk := clock.Real{}
	repo := postgres.NewTiebreakerRepo(db, clk)
	seedTiebreaker(t, repo, postgres.NewRoundRepo(db, clk), postgres.NewItemRepo(db), postgres.NewTeamRepo(db, clk))
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := repo.Resolve(ctx, "tb-1", "team-a", 110, now)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ok {
		t.Fatal("resolve should land")
	}

	ok, err = repo.Resolve(ctx, "tb-1", "team-b", 120, now)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok {
		t.Fatal("second resolve should not land")
	}

	got, _ := repo.GetByID(ctx, "tb-1")
	if got.Status != store.TiebreakerResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}
	if got.HighestTeam == nil || *got.HighestTeam != "team-a" {
		t.Errorf("winner = %v, want team-a", got.HighestTeam)
	}

	// Bids after resolution write nothing.
	ok, err = repo.RecordBid(ctx, "tb-1", "team-b", 200, now)
	if err != nil {
		t.Fatalf("RecordBid: %v", err)
	}
	if ok {
		t.Fatal("bid on resolved tiebreaker should not land")
	}
}
