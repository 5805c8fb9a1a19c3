// Package docstore is the secondary, read-optimized document store. It keeps
// JSONB snapshots keyed by (collection, doc_id) through plain database/sql
// with OTEL instrumentation. Writes arrive only through the mirror worker and
// are best effort; the relational store stays authoritative.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq" // postgres driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/mkelholt/squadbid/internal/config"
)

// Store is a document store over a Postgres JSONB table.
type Store struct {
	db *sql.DB
}

// Connect opens and verifies the document store connection.
func Connect(ctx context.Context, cfg config.DocstoreConfig) (*Store, error) {
	db, err := otelsql.Open("postgres", cfg.DSN(),
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging document store: %w", err)
	}

	return &Store{db: db}, nil
}

// Put upserts a document snapshot. A later snapshot for the same document
// fully replaces the earlier one.
func (s *Store) Put(ctx context.Context, collection, docID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, doc_id, payload, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (collection, doc_id)
		 DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		collection, docID, []byte(payload),
	)
	if err != nil {
		return fmt.Errorf("putting document %s/%s: %w", collection, docID, err)
	}
	return nil
}

// Get fetches a document snapshot.
func (s *Store) Get(ctx context.Context, collection, docID string) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM documents WHERE collection = $1 AND doc_id = $2`,
		collection, docID,
	).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("getting document %s/%s: %w", collection, docID, err)
	}
	return payload, nil
}

// Ping checks the underlying connection health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
