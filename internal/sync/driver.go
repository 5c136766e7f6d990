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

// GovernanceClient is the slice of the Elba API a user sync needs.
// *elba.Client satisfies it.
type GovernanceClient interface {
	UpdateUsers(ctx context.Context, users []elba.User) (elba.UpdateUsersResult, error)
	DeleteUsersSyncedBefore(ctx context.Context, syncedBefore time.Time) error
	DeleteUsersByIDs(ctx context.Context, ids []string) error
	UpdateConnectionStatus(ctx context.Context, errorType elba.ConnectionErrorType, metadata any) error
}

type StepStatus string

const (
	StepStatusOngoing   StepStatus = "ongoing"
	StepStatusCompleted StepStatus = "completed"
)

// StepResult is the outcome of one sync step. NextCursor is only meaningful
// while Status is ongoing.
type StepResult struct {
	Status     StepStatus
	NextCursor string
}

// Driver walks a connector's paginated user feed and mirrors it into Elba.
// Each step is one vendor page; steps are retried individually so a transient
// failure never restarts the whole walk.
type Driver struct {
	Connector registry.Connector
	Client    GovernanceClient
	Reporter  registry.Reporter

	// CheckAlive is consulted before each step; an error aborts the run
	// without retry. Used to stop promptly when the organisation was
	// uninstalled mid-sync.
	CheckAlive func(ctx context.Context) error

	MaxAttempts       int
	FailureBackoff    time.Duration
	FailureBackoffMax time.Duration
}

// ErrSyncAborted wraps CheckAlive failures so callers can tell an aborted run
// from a vendor failure.
var ErrSyncAborted = errors.New("sync aborted")

const (
	defaultMaxAttempts       = 5
	defaultFailureBackoff    = 2 * time.Second
	defaultFailureBackoffMax = 2 * time.Minute
)

// RunUserSyncStep fetches the page at cursor and forwards its valid users.
// The empty cursor requests the first page; a completed result means the
// vendor reported no further pages.
func (d *Driver) RunUserSyncStep(ctx context.Context, cursor string) (StepResult, error) {
	if d.Connector == nil {
		return StepResult{}, errors.New("sync driver has no connector")
	}
	if d.Client == nil {
		return StepResult{}, errors.New("sync driver has no governance client")
	}

	page, err := d.Connector.FetchUsersPage(ctx, cursor)
	if err != nil {
		return StepResult{}, fmt.Errorf("fetch users page: %w", err)
	}
	metrics.SyncPagesTotal.WithLabelValues(d.Connector.Kind()).Inc()

	if len(page.InvalidUsers) > 0 {
		metrics.SyncInvalidUsersTotal.WithLabelValues(d.Connector.Kind()).Add(float64(len(page.InvalidUsers)))
		for _, rec := range page.InvalidUsers {
			slog.Warn("dropping invalid vendor user",
				"connector_kind", d.Connector.Kind(),
				"reason", rec.Reason)
		}
		if len(page.ValidUsers) == 0 {
			slog.Warn("vendor page contained no valid users",
				"connector_kind", d.Connector.Kind(),
				"invalid_count", len(page.InvalidUsers))
		}
	}

	if len(page.ValidUsers) > 0 {
		if _, err := d.Client.UpdateUsers(ctx, page.ValidUsers); err != nil {
			return StepResult{}, fmt.Errorf("update users: %w", err)
		}
	}

	d.report(registry.Event{
		Source:  d.Connector.SourceName(),
		Stage:   "users",
		Current: int64(len(page.ValidUsers)),
		Total:   registry.UnknownTotal,
		At:      time.Now(),
	})

	if page.NextCursor == "" {
		return StepResult{Status: StepStatusCompleted}, nil
	}
	return StepResult{Status: StepStatusOngoing, NextCursor: page.NextCursor}, nil
}

// RunUserSync drives steps until completion, then prunes users Elba did not
// see during this run. Connection errors (expired or under-privileged
// credentials) are pushed to Elba and abort the run without retry.
func (d *Driver) RunUserSync(ctx context.Context) error {
	startedAt := time.Now().UTC()

	cursor := ""
	for {
		if d.CheckAlive != nil {
			if err := d.CheckAlive(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrSyncAborted, err)
			}
		}
		result, err := d.runStepWithRetry(ctx, cursor)
		if err != nil {
			return err
		}
		if result.Status == StepStatusCompleted {
			break
		}
		cursor = result.NextCursor
	}

	if err := d.Client.DeleteUsersSyncedBefore(ctx, startedAt); err != nil {
		return fmt.Errorf("prune stale users: %w", err)
	}

	if err := d.Client.UpdateConnectionStatus(ctx, elba.ConnectionErrorNone, nil); err != nil {
		slog.Warn("failed to clear connection status",
			"connector_kind", d.Connector.Kind(), "err", err)
	}

	d.report(registry.Event{
		Source: d.Connector.SourceName(),
		Stage:  "users",
		Done:   true,
		At:     time.Now(),
	})
	return nil
}

// runStepWithRetry retries one step on transient failures. The cursor is
// reused unchanged: steps are retryable by contract.
func (d *Driver) runStepWithRetry(ctx context.Context, cursor string) (StepResult, error) {
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := d.RunUserSyncStep(ctx, cursor)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if registry.IsConnectionError(err) {
			pushConnectionStatus(ctx, d.Connector.Kind(), d.Client, err)
			return StepResult{}, err
		}
		if ctx.Err() != nil {
			return StepResult{}, ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}

		delay := failureBackoffDelay(attempt, d.FailureBackoff, d.FailureBackoffMax)
		slog.Warn("sync step failed, retrying",
			"connector_kind", d.Connector.Kind(),
			"attempt", attempt,
			"backoff", delay,
			"err", err)
		if err := sleepContext(ctx, delay); err != nil {
			return StepResult{}, err
		}
	}
	return StepResult{}, fmt.Errorf("sync step exhausted %d attempts: %w", maxAttempts, lastErr)
}

type connectionStatusUpdater interface {
	UpdateConnectionStatus(ctx context.Context, errorType elba.ConnectionErrorType, metadata any) error
}

// pushConnectionStatus flags the organisation's connection as broken in Elba.
// It outlives the caller's context: a cancelled sync must still report why.
func pushConnectionStatus(ctx context.Context, kind string, client connectionStatusUpdater, cause error) {
	errorType := elba.ConnectionErrorUnknown
	switch {
	case registry.IsUnauthorized(cause):
		errorType = elba.ConnectionErrorUnauthorized
	case registry.IsNotAdmin(cause):
		errorType = elba.ConnectionErrorNotAdmin
	}
	metrics.ConnectionStatusUpdatesTotal.WithLabelValues(kind, string(errorType)).Inc()

	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := client.UpdateConnectionStatus(statusCtx, errorType, map[string]string{"cause": cause.Error()}); err != nil {
		slog.Error("failed to push connection status",
			"connector_kind", kind,
			"error_type", errorType,
			"err", err)
	}
}

func (d *Driver) report(e registry.Event) {
	if d.Reporter == nil {
		return
	}
	d.Reporter.Report(e)
}

// failureBackoffDelay doubles per attempt starting at base, capped at max.
func failureBackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = defaultFailureBackoff
	}
	if max <= 0 {
		max = defaultFailureBackoffMax
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
