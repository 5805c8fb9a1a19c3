// Package mirror drains the outbox into the secondary document store. The
// mirror is eventually consistent and strictly best effort: a write that
// keeps failing is parked after a bounded number of attempts and never blocks
// the primary store.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkelholt/squadbid/internal/store"
)

const batchSize = 100

// DocumentStore is the write side of the secondary store as seen by the
// worker.
type DocumentStore interface {
	Put(ctx context.Context, collection, docID string, payload json.RawMessage) error
}

// Worker periodically drains pending outbox entries.
type Worker struct {
	outbox      store.OutboxRepository
	docs        DocumentStore
	logger      *slog.Logger
	tracer      trace.Tracer
	interval    time.Duration
	maxAttempts int
}

// NewWorker creates a mirror Worker.
func NewWorker(outbox store.OutboxRepository, docs DocumentStore, logger *slog.Logger, tp trace.TracerProvider, interval time.Duration, maxAttempts int) *Worker {
	return &Worker{
		outbox:      outbox,
		docs:        docs,
		logger:      logger,
		tracer:      tp.Tracer("github.com/mkelholt/squadbid/internal/mirror"),
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run drains the outbox on a fixed interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "mirror worker started",
		slog.Duration("interval", w.interval),
		slog.Int("max_attempts", w.maxAttempts),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "mirror worker stopping")
			return
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "mirror drain failed", slog.Any("error", err))
			}
		}
	}
}

// DrainOnce processes up to one batch of pending entries and reports how many
// were mirrored successfully.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "Worker.DrainOnce")
	defer span.End()

	entries, err := w.outbox.ListPending(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing pending entries: %w", err)
	}

	mirrored := 0
	for _, entry := range entries {
		if err := w.docs.Put(ctx, entry.Collection, entry.DocID, entry.Payload); err != nil {
			terminal := entry.Attempts+1 >= w.maxAttempts
			if markErr := w.outbox.MarkFailed(ctx, entry.ID, err.Error(), terminal); markErr != nil {
				return mirrored, fmt.Errorf("marking entry %d failed: %w", entry.ID, markErr)
			}
			if terminal {
				w.logger.ErrorContext(ctx, "outbox entry parked after max attempts",
					slog.Int64("entry_id", entry.ID),
					slog.String("collection", entry.Collection),
					slog.String("doc_id", entry.DocID),
					slog.Any("error", err),
				)
			} else {
				w.logger.WarnContext(ctx, "mirror write failed, will retry",
					slog.Int64("entry_id", entry.ID),
					slog.Int("attempts", entry.Attempts+1),
					slog.Any("error", err),
				)
			}
			continue
		}
		if err := w.outbox.MarkDone(ctx, entry.ID); err != nil {
			return mirrored, fmt.Errorf("marking entry %d done: %w", entry.ID, err)
		}
		mirrored++
	}

	if mirrored > 0 {
		span.SetAttributes(attribute.Int("mirrored", mirrored))
		w.logger.DebugContext(ctx, "outbox drained", slog.Int("mirrored", mirrored))
	}
	return mirrored, nil
}
