package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mkelholt/squadbid/internal/store"
)

// newTestDB starts a Postgres container, applies the migration, and returns
// a connected *sqlx.DB. The container is automatically terminated when the
// test ends.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	// Locate migration file relative to this source file.
	_, thisFile, _, _ := runtime.Caller(0)
	migrationDir := filepath.Join(filepath.Dir(thisFile), "migrations")

	migrationSQL, err := os.ReadFile(filepath.Join(migrationDir, "001_initial.sql"))
	if err != nil {
		t.Fatalf("reading migration: %v", err)
	}

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("squadbid_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.WithInitScripts(), // no bundled init scripts
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Apply migration.
	if _, err := db.ExecContext(ctx, string(migrationSQL)); err != nil {
		t.Fatalf("applying migration: %v", err)
	}

	return db
}

func createRound(t *testing.T, repo store.RoundRepository, id, status, mode string) *store.Round {
	t.Helper()
	round := &store.Round{
		ID:       id,
		SeasonID: "season-1",
		Seq:      1,
		Kind:     store.RoundBulk,
		Status:   status,
		Mode:     mode,
		StartsAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	if err := repo.Create(context.Background(), round); err != nil {
		t.Fatalf("creating round: %v", err)
	}
	return round
}

func createTeam(t *testing.T, repo store.TeamRepository, id string, budget int64, rosterLimit int) {
	t.Helper()
	err := repo.Create(context.Background(), &store.Team{
		ID: id, SeasonID: "season-1", Name: id,
		BudgetRemaining: budget, RosterLimit: rosterLimit,
	})
	if err != nil {
		t.Fatalf("creating team: %v", err)
	}
}

func createItem(t *testing.T, repo store.ItemRepository, id, roundID string) {
	t.Helper()
	err := repo.Create(context.Background(), &store.Item{
		ID: id, RoundID: roundID, PlayerName: "player " + id,
		BasePrice: 10, Status: store.ItemPending,
	})
	if err != nil {
		t.Fatalf("creating item: %v", err)
	}
}
