// Package postgres provides the authoritative store.Driver backed by
// Postgres via sqlx. Every conditional transition is a single UPDATE with the
// expected state in its WHERE clause; RowsAffected tells the caller whether
// it won the swap.
package postgres

import (
	"context"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/config"
	"github.com/mkelholt/squadbid/internal/store"
)

func init() {
	store.Register("postgres", openPostgres)
}

// openPostgres is the store.Driver for the "postgres" backend.
func openPostgres(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &store.Repositories{
		Rounds:       NewRoundRepo(db, clk),
		Items:        NewItemRepo(db),
		Bids:         NewBidRepo(db, clk),
		Teams:        NewTeamRepo(db, clk),
		Allocations:  NewAllocationRepo(db, clk),
		Tiebreakers:  NewTiebreakerRepo(db, clk),
		Transactions: NewTransactionRepo(db, clk),
		Outbox:       NewOutboxRepo(db, clk),
		Audit:        NewAuditStore(db),
		Closer:       db,
		Ping:         db.PingContext,
	}, nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}
