package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
	"github.com/elba-security/elba-connect/internal/metrics"
	"github.com/elba-security/elba-connect/internal/secrets"
	"github.com/elba-security/elba-connect/internal/store"
)

// deltaTokenResource scopes persisted delta tokens; connectors currently
// expose a single object feed each.
const deltaTokenResource = "objects"

type OrchestratorConfig struct {
	ElbaAPIBaseURL string
	ElbaAPIKey     string

	OrgWorkers        int
	MaxAttempts       int
	FailureBackoff    time.Duration
	FailureBackoffMax time.Duration
}

// Orchestrator runs syncs for every installed organisation. Each
// organisation/connector pair is serialized by a database lock so concurrent
// workers, or overlapping scheduler ticks, never sync the same tenant twice.
type Orchestrator struct {
	st       OrganisationStore
	cipher   secrets.Cipher
	registry *registry.ConnectorRegistry
	locks    LockManager
	cfg      OrchestratorConfig
	reporter registry.Reporter

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewOrchestrator(st OrganisationStore, cipher secrets.Cipher, reg *registry.ConnectorRegistry, locks LockManager, cfg OrchestratorConfig, reporter registry.Reporter) (*Orchestrator, error) {
	if st == nil {
		return nil, errors.New("orchestrator requires a store")
	}
	if cipher == nil {
		return nil, errors.New("orchestrator requires a cipher")
	}
	if reg == nil {
		return nil, errors.New("orchestrator requires a connector registry")
	}
	if locks == nil {
		return nil, errors.New("orchestrator requires a lock manager")
	}
	if cfg.OrgWorkers <= 0 {
		cfg.OrgWorkers = 4
	}
	return &Orchestrator{
		st:       st,
		cipher:   cipher,
		registry: reg,
		locks:    locks,
		cfg:      cfg,
		reporter: reporter,
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// RunOnce syncs all installed organisations, a bounded number at a time.
// Organisations already being synced elsewhere are skipped.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	orgs, err := o.st.ListOrganisations(ctx)
	if err != nil {
		return fmt.Errorf("list organisations: %w", err)
	}
	if len(orgs) == 0 {
		return ErrNoConnectorsDue
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.OrgWorkers)
	for _, org := range orgs {
		org := org
		g.Go(func() error {
			err := o.SyncOrganisation(gctx, org.OrganisationID, org.ConnectorKind)
			if err != nil && !errors.Is(err, ErrSyncAlreadyRunning) {
				slog.Error("organisation sync failed",
					"organisation_id", org.OrganisationID,
					"connector_kind", org.ConnectorKind,
					"err", err)
			}
			// One failing tenant must not abort the others.
			return nil
		})
	}
	return g.Wait()
}

// SyncOrganisation syncs a single organisation/connector pair. It returns
// ErrSyncAlreadyRunning when another worker holds the tenant's lock.
func (o *Orchestrator) SyncOrganisation(ctx context.Context, organisationID, connectorKind string) error {
	org, err := o.st.GetOrganisation(ctx, organisationID, connectorKind)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("organisation %s/%s is not installed: %w", organisationID, connectorKind, err)
		}
		return err
	}

	lock, acquired, err := o.locks.TryAcquire(ctx, "sync", syncScopeName(org.OrganisationID, org.ConnectorKind))
	if err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return ErrSyncAlreadyRunning
	}

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.trackRunning(org.OrganisationID, org.ConnectorKind, cancel)
	defer o.untrackRunning(org.OrganisationID, org.ConnectorKind)

	started := time.Now()
	runErr, lockLost := runWithManagedLock(syncCtx, lock, func(runCtx context.Context) error {
		return o.runSync(runCtx, org)
	})
	if lockLost != nil && runErr == nil {
		runErr = fmt.Errorf("sync lock lost: %w", lockLost)
	}

	metrics.SyncDuration.WithLabelValues(org.ConnectorKind).Observe(time.Since(started).Seconds())
	status := "success"
	if runErr != nil {
		status = "error"
		if errors.Is(runErr, context.Canceled) {
			status = "cancelled"
		}
	}
	metrics.SyncRunsTotal.WithLabelValues(org.ConnectorKind, status).Inc()
	if runErr == nil {
		metrics.SyncLastSuccessTimestamp.WithLabelValues(org.ConnectorKind, org.OrganisationID).SetToCurrentTime()
	}
	return runErr
}

// CancelSync aborts an in-flight sync for the organisation, if any. Used by
// the uninstall workflow so a removed tenant stops receiving updates
// immediately.
func (o *Orchestrator) CancelSync(organisationID, connectorKind string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[runningKey(organisationID, connectorKind)]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) runSync(ctx context.Context, org store.Organisation) error {
	def, ok := o.registry.Get(org.ConnectorKind)
	if !ok {
		return fmt.Errorf("connector kind %q is not registered", org.ConnectorKind)
	}

	plaintext, err := o.cipher.Decrypt(ctx, org.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("decrypt credentials: %w", err)
	}
	creds, err := def.DecodeCredentials(plaintext)
	if err != nil {
		return fmt.Errorf("decode credentials: %w", err)
	}
	connector, err := def.NewConnector(creds)
	if err != nil {
		return fmt.Errorf("build connector: %w", err)
	}

	client, err := elba.New(o.cfg.ElbaAPIBaseURL, o.cfg.ElbaAPIKey, org.OrganisationID, org.Region)
	if err != nil {
		return fmt.Errorf("build elba client: %w", err)
	}

	driver := &Driver{
		Connector: connector,
		Client:    client,
		Reporter:  o.reporter,
		// An uninstalled organisation must stop receiving updates even if
		// the cancel signal raced past this worker.
		CheckAlive: func(ctx context.Context) error {
			_, err := o.st.GetOrganisation(ctx, org.OrganisationID, org.ConnectorKind)
			return err
		},
		MaxAttempts:       o.cfg.MaxAttempts,
		FailureBackoff:    o.cfg.FailureBackoff,
		FailureBackoffMax: o.cfg.FailureBackoffMax,
	}
	if err := driver.RunUserSync(ctx); err != nil {
		return err
	}

	if source, ok := connector.(registry.DataProtectionSource); ok {
		objects := &ObjectsDriver{
			Kind:   org.ConnectorKind,
			Source: source,
			Client: client,
			LoadDeltaToken: func(ctx context.Context) (string, error) {
				return o.st.GetDeltaToken(ctx, org.OrganisationID, org.ConnectorKind, deltaTokenResource)
			},
			SaveDeltaToken: func(ctx context.Context, token string) error {
				return o.st.SetDeltaToken(ctx, org.OrganisationID, org.ConnectorKind, deltaTokenResource, token)
			},
			MaxAttempts:       o.cfg.MaxAttempts,
			FailureBackoff:    o.cfg.FailureBackoff,
			FailureBackoffMax: o.cfg.FailureBackoffMax,
		}
		if err := objects.RunObjectsSync(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) trackRunning(organisationID, connectorKind string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[runningKey(organisationID, connectorKind)] = cancel
}

func (o *Orchestrator) untrackRunning(organisationID, connectorKind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, runningKey(organisationID, connectorKind))
}

func runningKey(organisationID, connectorKind string) string {
	return strings.ToLower(organisationID) + "/" + strings.ToLower(connectorKind)
}

func syncScopeName(organisationID, connectorKind string) string {
	return organisationID + "/" + connectorKind
}
