package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/elba"
	"github.com/elba-security/elba-connect/internal/metrics"
	"github.com/elba-security/elba-connect/internal/secrets"
)

// ErrUserDeletionUnsupported is returned when the connector's vendor has no
// way to remove or deactivate a single user.
var ErrUserDeletionUnsupported = errors.New("connector does not support user deletion")

// Lifecycle implements the organisation-scoped workflows triggered by Elba
// webhooks: uninstall and single-user deletion.
type Lifecycle struct {
	st           OrganisationStore
	cipher       secrets.Cipher
	registry     *registry.ConnectorRegistry
	orchestrator *Orchestrator

	ElbaAPIBaseURL string
	ElbaAPIKey     string
}

func NewLifecycle(st OrganisationStore, cipher secrets.Cipher, reg *registry.ConnectorRegistry, orch *Orchestrator, elbaBaseURL, elbaAPIKey string) (*Lifecycle, error) {
	if st == nil {
		return nil, errors.New("lifecycle requires a store")
	}
	if cipher == nil {
		return nil, errors.New("lifecycle requires a cipher")
	}
	if reg == nil {
		return nil, errors.New("lifecycle requires a connector registry")
	}
	return &Lifecycle{
		st:             st,
		cipher:         cipher,
		registry:       reg,
		orchestrator:   orch,
		ElbaAPIBaseURL: elbaBaseURL,
		ElbaAPIKey:     elbaAPIKey,
	}, nil
}

// Uninstall removes the organisation's installation. Any in-flight sync is
// cancelled first so no further updates reach Elba, then the stored
// credentials and delta tokens are destroyed. Uninstalling an unknown
// organisation is a no-op.
func (l *Lifecycle) Uninstall(ctx context.Context, organisationID, connectorKind string) error {
	if l.orchestrator != nil {
		if l.orchestrator.CancelSync(organisationID, connectorKind) {
			slog.Info("cancelled in-flight sync for uninstall",
				"organisation_id", organisationID,
				"connector_kind", connectorKind)
		}
	}

	// Flag the connection as dead in Elba before the row disappears. Best
	// effort: the uninstall proceeds even if Elba is unreachable.
	if org, err := l.st.GetOrganisation(ctx, organisationID, connectorKind); err == nil {
		if client, err := elba.New(l.ElbaAPIBaseURL, l.ElbaAPIKey, org.OrganisationID, org.Region); err == nil {
			if err := client.UpdateConnectionStatus(ctx, elba.ConnectionErrorUnauthorized, nil); err != nil {
				slog.Warn("failed to mark connection unauthorized during uninstall",
					"organisation_id", organisationID,
					"connector_kind", connectorKind,
					"err", err)
			}
		}
	}

	if err := l.st.DeleteOrganisation(ctx, organisationID, connectorKind); err != nil {
		return fmt.Errorf("delete organisation: %w", err)
	}
	metrics.UninstallsTotal.WithLabelValues(connectorKind).Inc()
	slog.Info("uninstalled organisation",
		"organisation_id", organisationID,
		"connector_kind", connectorKind)
	return nil
}

// DeleteUser removes a single user at the vendor, then mirrors the removal in
// Elba. A user already gone at the vendor still gets removed from Elba.
func (l *Lifecycle) DeleteUser(ctx context.Context, organisationID, connectorKind, userID string) error {
	org, err := l.st.GetOrganisation(ctx, organisationID, connectorKind)
	if err != nil {
		return fmt.Errorf("load organisation: %w", err)
	}

	def, ok := l.registry.Get(org.ConnectorKind)
	if !ok {
		return fmt.Errorf("connector kind %q is not registered", org.ConnectorKind)
	}

	plaintext, err := l.cipher.Decrypt(ctx, org.EncryptedCredentials)
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

	deleter, ok := connector.(registry.UserDeleter)
	if !ok {
		metrics.UserDeletionsTotal.WithLabelValues(org.ConnectorKind, "unsupported").Inc()
		return ErrUserDeletionUnsupported
	}

	if err := deleter.DeleteUser(ctx, userID); err != nil {
		metrics.UserDeletionsTotal.WithLabelValues(org.ConnectorKind, "error").Inc()
		return fmt.Errorf("delete vendor user: %w", err)
	}

	client, err := elba.New(l.ElbaAPIBaseURL, l.ElbaAPIKey, org.OrganisationID, org.Region)
	if err != nil {
		return fmt.Errorf("build elba client: %w", err)
	}
	if err := client.DeleteUsersByIDs(ctx, []string{userID}); err != nil {
		metrics.UserDeletionsTotal.WithLabelValues(org.ConnectorKind, "error").Inc()
		return fmt.Errorf("delete elba user: %w", err)
	}

	metrics.UserDeletionsTotal.WithLabelValues(org.ConnectorKind, "success").Inc()
	slog.Info("deleted user",
		"organisation_id", organisationID,
		"connector_kind", connectorKind,
		"user_id", userID)
	return nil
}
