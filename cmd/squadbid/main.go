// squadbid runs the sealed-bid auction engine: HTTP API, background sweeper
// and the outbox mirror worker. Lazy finalization runs on every replica; the
// periodic workers run on the elected leader when leader election is enabled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkelholt/squadbid/internal/api"
	"github.com/mkelholt/squadbid/internal/clock"
	"github.com/mkelholt/squadbid/internal/config"
	"github.com/mkelholt/squadbid/internal/finalize"
	"github.com/mkelholt/squadbid/internal/health"
	"github.com/mkelholt/squadbid/internal/leader"
	"github.com/mkelholt/squadbid/internal/lifecycle"
	"github.com/mkelholt/squadbid/internal/mirror"
	"github.com/mkelholt/squadbid/internal/notify"
	"github.com/mkelholt/squadbid/internal/store"
	"github.com/mkelholt/squadbid/internal/store/docstore"
	"github.com/mkelholt/squadbid/internal/sweeper"
	"github.com/mkelholt/squadbid/internal/telemetry"
	"github.com/mkelholt/squadbid/internal/tiebreaker"

	// Register store drivers.
	_ "github.com/mkelholt/squadbid/internal/store/memstore"
	_ "github.com/mkelholt/squadbid/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without exporters", slog.Any("error", err))
		tel = telemetry.NewNopProvider()
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	logger := tel.Logger
	tp := tel.TracerProvider
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if repos.Closer != nil {
		defer repos.Closer.Close()
	}

	docs, err := docstore.Connect(ctx, cfg.Docstore)
	if err != nil {
		return fmt.Errorf("connecting document store: %w", err)
	}
	defer docs.Close()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Discord.Enabled {
		discord, err := notify.NewDiscord(cfg.Discord, logger)
		if err != nil {
			return fmt.Errorf("connecting discord: %w", err)
		}
		defer discord.Close()
		notifier = discord
	}

	applier := finalize.NewApplier(repos, logger, tp, clk)
	tiebreakers := tiebreaker.NewManager(repos, applier, notifier, logger, tp, clk, cfg.Auction.TiebreakerCeiling)
	controller := lifecycle.NewController(repos, applier, tiebreakers, logger, tp, clk)

	checkers := []health.Checker{
		{Name: "primary", Check: repos.Ping},
		{Name: "docstore", Check: docs.Ping},
	}
	healthHandler := health.NewHandler(clk, checkers...)

	server := api.NewServer(controller, tiebreakers, repos, healthHandler, logger, tp)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mirrorWorker := mirror.NewWorker(repos.Outbox, docs, logger, tp, cfg.Auction.MirrorInterval, cfg.Auction.MirrorMaxAttempts)
	sweep := sweeper.New(repos.Rounds, controller, tiebreakers, logger, tp, clk, cfg.Auction.SweepInterval)

	// runWorkers blocks until ctx is cancelled.
	runWorkers := func(ctx context.Context) {
		go mirrorWorker.Run(ctx)
		sweep.Run(ctx)
	}

	if cfg.LeaderElection.Enabled {
		go func() {
			err := leader.Run(ctx, cfg.LeaderElection, logger,
				runWorkers,
				func() { logger.Info("background workers stopping with leadership") },
			)
			if err != nil {
				logger.Error("leader election failed", slog.Any("error", err))
			}
		}()
	} else {
		go runWorkers(ctx)
	}

	go func() {
		logger.Info("http server listening",
			slog.String("addr", httpServer.Addr),
			slog.String("version", version),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	healthHandler.SetReady(true)

	<-ctx.Done()
	logger.Info("shutting down")
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
