package sync

import (
	"context"
	"errors"
	"time"

	"github.com/elba-security/elba-connect/internal/store"
)

// Runner executes a single sync pass.
type Runner interface {
	RunOnce(context.Context) error
}

// OrganisationStore is the slice of the persistence layer the sync workflows
// use. *store.Store satisfies it.
type OrganisationStore interface {
	GetOrganisation(ctx context.Context, organisationID, connectorKind string) (store.Organisation, error)
	ListOrganisations(ctx context.Context) ([]store.Organisation, error)
	ListOrganisationsExpiringBefore(ctx context.Context, deadline time.Time) ([]store.Organisation, error)
	UpdateOrganisationCredentials(ctx context.Context, organisationID, connectorKind string, encrypted []byte, tokenExpiresAt *time.Time) error
	DeleteOrganisation(ctx context.Context, organisationID, connectorKind string) error
	GetDeltaToken(ctx context.Context, organisationID, connectorKind, resourceID string) (string, error)
	SetDeltaToken(ctx context.Context, organisationID, connectorKind, resourceID, token string) error
}

// ErrSyncAlreadyRunning is returned when another worker already holds the
// organisation's sync lock.
var ErrSyncAlreadyRunning = errors.New("sync is already running")

// ErrNoConnectorsDue is returned when no organisations are installed and
// there is no work to do.
var ErrNoConnectorsDue = errors.New("no connectors are due to sync")
