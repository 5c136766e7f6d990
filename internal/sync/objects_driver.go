package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
	"github.com/elba-security/elba-connect/internal/metrics"
)

// GovernanceObjectsClient is the slice of the Elba API an objects sync needs.
// *elba.Client satisfies it.
type GovernanceObjectsClient interface {
	UpdateDataProtectionObjects(ctx context.Context, objects []elba.DataProtectionObject) error
	DeleteDataProtectionObjectsByIDs(ctx context.Context, ids []string) error
	DeleteDataProtectionObjectsSyncedBefore(ctx context.Context, syncedBefore time.Time) error
	UpdateConnectionStatus(ctx context.Context, errorType elba.ConnectionErrorType, metadata any) error
}

// ObjectsDriver walks a connector's shared-object delta feed. The first sweep
// starts from an empty cursor and reports everything; later sweeps resume
// from the persisted delta token and only see changes.
type ObjectsDriver struct {
	Kind   string
	Source registry.DataProtectionSource
	Client GovernanceObjectsClient

	// LoadDeltaToken and SaveDeltaToken persist the vendor's delta token
	// between sweeps. Either may be nil, in which case every sweep is full.
	LoadDeltaToken func(ctx context.Context) (string, error)
	SaveDeltaToken func(ctx context.Context, token string) error

	MaxAttempts       int
	FailureBackoff    time.Duration
	FailureBackoffMax time.Duration
}

// RunObjectsSyncStep fetches one page of the delta walk and forwards its
// changes. A completed result carries the delta token to persist.
func (d *ObjectsDriver) RunObjectsSyncStep(ctx context.Context, cursor string) (StepResult, string, error) {
	if d.Source == nil {
		return StepResult{}, "", errors.New("objects driver has no source")
	}
	if d.Client == nil {
		return StepResult{}, "", errors.New("objects driver has no governance client")
	}

	delta, err := d.Source.FetchObjectsDelta(ctx, cursor)
	if err != nil {
		return StepResult{}, "", fmt.Errorf("fetch objects delta: %w", err)
	}
	metrics.SyncPagesTotal.WithLabelValues(d.Kind).Inc()

	if len(delta.InvalidObjects) > 0 {
		for _, rec := range delta.InvalidObjects {
			slog.Warn("dropping invalid vendor object", "connector_kind", d.Kind, "reason", rec.Reason)
		}
	}

	if len(delta.Objects) > 0 {
		if err := d.Client.UpdateDataProtectionObjects(ctx, delta.Objects); err != nil {
			return StepResult{}, "", fmt.Errorf("update objects: %w", err)
		}
	}
	if len(delta.DeletedObjectIDs) > 0 {
		if err := d.Client.DeleteDataProtectionObjectsByIDs(ctx, delta.DeletedObjectIDs); err != nil {
			return StepResult{}, "", fmt.Errorf("delete objects: %w", err)
		}
	}

	if delta.NextCursor == "" {
		return StepResult{Status: StepStatusCompleted}, delta.DeltaToken, nil
	}
	return StepResult{Status: StepStatusOngoing, NextCursor: delta.NextCursor}, "", nil
}

// RunObjectsSync drives delta steps until the feed is drained, then persists
// the delta token for the next sweep. Full sweeps (no prior token) also prune
// objects that disappeared since the last run.
func (d *ObjectsDriver) RunObjectsSync(ctx context.Context) error {
	startedAt := time.Now().UTC()

	cursor := ""
	fullSweep := true
	if d.LoadDeltaToken != nil {
		token, err := d.LoadDeltaToken(ctx)
		if err != nil {
			return fmt.Errorf("load delta token: %w", err)
		}
		if token != "" {
			cursor = token
			fullSweep = false
		}
	}

	var deltaToken string
	for {
		result, token, err := d.runObjectsStepWithRetry(ctx, cursor)
		if err != nil {
			return err
		}
		if result.Status == StepStatusCompleted {
			deltaToken = token
			break
		}
		cursor = result.NextCursor
	}

	if fullSweep {
		if err := d.Client.DeleteDataProtectionObjectsSyncedBefore(ctx, startedAt); err != nil {
			return fmt.Errorf("prune stale objects: %w", err)
		}
	}

	if deltaToken != "" && d.SaveDeltaToken != nil {
		if err := d.SaveDeltaToken(ctx, deltaToken); err != nil {
			return fmt.Errorf("save delta token: %w", err)
		}
	}
	return nil
}

func (d *ObjectsDriver) runObjectsStepWithRetry(ctx context.Context, cursor string) (StepResult, string, error) {
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, token, err := d.RunObjectsSyncStep(ctx, cursor)
		if err == nil {
			return result, token, nil
		}
		lastErr = err

		if registry.IsConnectionError(err) {
			pushConnectionStatus(ctx, d.Kind, d.Client, err)
			return StepResult{}, "", err
		}
		if ctx.Err() != nil {
			return StepResult{}, "", ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}

		delay := failureBackoffDelay(attempt, d.FailureBackoff, d.FailureBackoffMax)
		slog.Warn("objects sync step failed, retrying",
			"connector_kind", d.Kind, "attempt", attempt, "backoff", delay, "err", err)
		if err := sleepContext(ctx, delay); err != nil {
			return StepResult{}, "", err
		}
	}
	return StepResult{}, "", fmt.Errorf("objects sync step exhausted %d attempts: %w", maxAttempts, lastErr)
}
