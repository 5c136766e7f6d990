package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elba-security/elba-connect/internal/config"
	httpapp "github.com/elba-security/elba-connect/internal/http"
	"github.com/elba-security/elba-connect/internal/metrics"
	"github.com/elba-security/elba-connect/internal/store"
	"github.com/elba-security/elba-connect/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the webhook API, sync scheduler and token refresher.",
	Args:        cobra.NoArgs,
	Annotations: structuredLogAnnotations(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.WebhookSecret == "" {
		return errors.New("ELBA_WEBHOOK_SECRET is required")
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
	lifecycle, err := sync.NewLifecycle(st, cipher, reg, orchestrator, cfg.ElbaAPIBaseURL, cfg.ElbaAPIKey)
	if err != nil {
		return err
	}
	refresher, err := sync.NewTokenRefresher(st, cipher, reg, cfg.RefreshMargin, cfg.RefreshCheckInterval)
	if err != nil {
		return err
	}

	srv, err := httpapp.NewServer(httpapp.ServerConfig{
		Addr:          cfg.HTTPAddr,
		WebhookSecret: cfg.WebhookSecret,
	}, st, cipher, reg, lifecycle, pool)
	if err != nil {
		return err
	}

	metricsServer, metricsErrs := metrics.StartServer(ctx, cfg.MetricsAddr)

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
	g.Go(srv.Start)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case err := <-metricsErrs:
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func dispatchSyncRequest(ctx context.Context, orchestrator *sync.Orchestrator, organisationID, connectorKind string) {
	var err error
	if organisationID == "" {
		err = orchestrator.RunOnce(ctx)
	} else {
		err = orchestrator.SyncOrganisation(ctx, organisationID, connectorKind)
	}
	switch {
	case err == nil:
	case errors.Is(err, sync.ErrSyncAlreadyRunning), errors.Is(err, sync.ErrNoConnectorsDue):
	case errors.Is(err, context.Canceled):
	default:
		slog.Error("requested sync failed",
			"organisation_id", organisationID,
			"connector_kind", connectorKind,
			"err", err)
	}
}
