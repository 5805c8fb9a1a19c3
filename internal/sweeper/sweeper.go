// Package sweeper is the safety net behind lazy finalization: a periodic
// pass that advances expired rounds nobody has touched and flags tiebreakers
// past their ceiling. Every write it triggers goes through the same
// conditional transitions as the request path, so running it alongside
// concurrent requests is safe.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/lifecycle"
	"github.com/mkelholt/squadbid/internal/store"
	"github.com/mkelholt/squadbid/internal/tiebreaker"
)

// Sweeper periodically advances overdue rounds and tiebreakers.
type Sweeper struct {
	rounds      store.RoundRepository
	controller  *lifecycle.Controller
	tiebreakers *tiebreaker.Manager
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
	interval    time.Duration
}

// New creates a Sweeper.
func New(rounds store.RoundRepository, controller *lifecycle.Controller, tiebreakers *tiebreaker.Manager, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{
		rounds:      rounds,
		controller:  controller,
		tiebreakers: tiebreakers,
		logger:      logger,
		tracer:      tp.Tracer("github.com/mkelholt/squadbid/internal/sweeper"),
		clock:       clk,
		interval:    interval,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass. Per-round errors are logged and do not stop
// the pass; a later sweep or the next access retries them.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "Sweeper.SweepOnce")
	defer span.End()

	expired, err := s.rounds.ListExpiredActive(ctx, s.clock.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "listing expired rounds failed", slog.Any("error", err))
	}
	advanced := 0
	for _, round := range expired {
		outcome, err := s.controller.CheckAndAdvance(ctx, round.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "advancing expired round failed",
				slog.String("round_id", round.ID),
				slog.Any("error", err),
			)
			continue
		}
		advanced++
		s.logger.InfoContext(ctx, "swept expired round",
			slog.String("round_id", round.ID),
			slog.String("outcome", string(outcome)),
		)
	}

	flagged, err := s.tiebreakers.SweepCeilings(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweeping tiebreaker ceilings failed", slog.Any("error", err))
	}

	span.SetAttributes(
		attribute.Int("rounds.advanced", advanced),
		attribute.Int("tiebreakers.flagged", flagged),
	)
}
