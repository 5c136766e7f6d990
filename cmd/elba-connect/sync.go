package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elba-security/elba-connect/internal/config"
	"github.com/elba-security/elba-connect/internal/store"
	"github.com/elba-security/elba-connect/internal/sync"
)

var (
	syncOrganisationID string
	syncConnectorKind  string
)

var syncCmd = &cobra.Command{
	Use:         "sync",
	Short:       "Run a one-off sync for all organisations, or one with --organisation-id and --kind.",
	Args:        cobra.NoArgs,
	Annotations: structuredLogAnnotations(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncOnce()
	},
}

func runSyncOnce() error {
	if (syncOrganisationID == "") != (syncConnectorKind == "") {
		return errors.New("--organisation-id and --kind must be used together")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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

	var syncErr error
	if syncOrganisationID != "" {
		syncErr = orchestrator.SyncOrganisation(ctx, syncOrganisationID, syncConnectorKind)
	} else {
		syncErr = orchestrator.RunOnce(ctx)
	}

	switch {
	case syncErr == nil:
		return nil
	case errors.Is(syncErr, sync.ErrNoConnectorsDue):
		return nil
	case errors.Is(syncErr, context.Canceled):
		return &exitError{code: 130, err: syncErr, silent: true}
	default:
		return &exitError{code: 1, err: syncErr, silent: false}
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncOrganisationID, "organisation-id", "", "Sync only this organisation")
	syncCmd.Flags().StringVar(&syncConnectorKind, "kind", "", "Connector kind of the organisation to sync")
}
