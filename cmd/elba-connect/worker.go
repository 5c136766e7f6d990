package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elba-security/elba-connect/internal/config"
	"github.com/elba-security/elba-connect/internal/store"
	"github.com/elba-security/elba-connect/internal/sync"
)

var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Run the background sync loop and token refresher without the API.",
	Args:        cobra.NoArgs,
	Annotations: structuredLogAnnotations(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be > 0 to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.New(pool)

	cipher, err := buildCipher(cfg)
	if err != nil {
		return err
	}
	reg, err := buildConnectorRegistry(cfg)
	if err != nil {
		return err
	}
	locks, err := sync.NewLockManager(pool, sync.LockManagerConfig{})
	if err != nil {
		return err
	}

	orchestrator, err := sync.NewOrchestrator(st, cipher, reg, locks, sync.OrchestratorConfig{
		ElbaAPIBaseURL:    cfg.ElbaAPIBaseURL,
		ElbaAPIKey:        cfg.ElbaAPIKey,
		OrgWorkers:        cfg.SyncOrgWorkers,
		MaxAttempts:       cfg.SyncMaxAttempts,
		FailureBackoff:    cfg.SyncFailureBackoff,
		FailureBackoffMax: cfg.SyncFailureBackoffMax,
	}, &sync.LogReporter{})
	if err != nil {
		return err
	}
	refresher, err := sync.NewTokenRefresher(st, cipher, reg, cfg.RefreshMargin, cfg.RefreshCheckInterval)
	if err != nil {
		return err
	}

	slog.Info("sync worker started", "interval", cfg.SyncInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler := sync.Scheduler{Runner: orchestrator, Interval: cfg.SyncInterval}
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		refresher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := sync.ListenForSyncRequests(gctx, pool, func(ctx context.Context, organisationID, connectorKind string) {
			go dispatchSyncRequest(ctx, orchestrator, organisationID, connectorKind)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
