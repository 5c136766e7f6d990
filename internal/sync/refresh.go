package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/metrics"
	"github.com/elba-security/elba-connect/internal/secrets"
	"github.com/elba-security/elba-connect/internal/store"
)

// TokenRefresher rotates expiring vendor credentials ahead of their expiry so
// syncs never start with a dead token. Connectors whose definitions do not
// implement OAuth refresh are left alone.
type TokenRefresher struct {
	st       OrganisationStore
	cipher   secrets.Cipher
	registry *registry.ConnectorRegistry

	// Margin is how long before expiry a token is considered due.
	Margin        time.Duration
	CheckInterval time.Duration
}

func NewTokenRefresher(st OrganisationStore, cipher secrets.Cipher, reg *registry.ConnectorRegistry, margin, checkInterval time.Duration) (*TokenRefresher, error) {
	if st == nil {
		return nil, errors.New("token refresher requires a store")
	}
	if cipher == nil {
		return nil, errors.New("token refresher requires a cipher")
	}
	if reg == nil {
		return nil, errors.New("token refresher requires a connector registry")
	}
	if margin <= 0 {
		margin = 10 * time.Minute
	}
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &TokenRefresher{
		st:            st,
		cipher:        cipher,
		registry:      reg,
		Margin:        margin,
		CheckInterval: checkInterval,
	}, nil
}

// Run refreshes due tokens on a fixed interval until the context is done.
func (r *TokenRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.CheckInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("token refresh pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce refreshes every organisation whose token expires within the margin.
// Organisations with no recorded expiry are due as well: an OAuth install may
// never have held a token yet (Microsoft stores only a tenant id, a payload
// may omit expires_at), and this pass is what mints the first one. A single
// failing organisation does not stop the pass.
func (r *TokenRefresher) RunOnce(ctx context.Context) error {
	deadline := time.Now().Add(r.Margin)
	orgs, err := r.st.ListOrganisationsExpiringBefore(ctx, deadline)
	if err != nil {
		return fmt.Errorf("list expiring organisations: %w", err)
	}

	for _, org := range orgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		refreshed, err := r.refreshOrganisation(ctx, org)
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues(org.ConnectorKind, "error").Inc()
			slog.Error("token refresh failed",
				"organisation_id", org.OrganisationID,
				"connector_kind", org.ConnectorKind,
				"err", err)
			continue
		}
		if !refreshed {
			continue
		}
		metrics.TokenRefreshesTotal.WithLabelValues(org.ConnectorKind, "success").Inc()
		slog.Info("refreshed vendor token",
			"organisation_id", org.OrganisationID,
			"connector_kind", org.ConnectorKind)
	}
	return nil
}

func (r *TokenRefresher) refreshOrganisation(ctx context.Context, org store.Organisation) (bool, error) {
	def, ok := r.registry.Get(org.ConnectorKind)
	if !ok {
		return false, fmt.Errorf("connector kind %q is not registered", org.ConnectorKind)
	}
	oauthDef, ok := def.(registry.OAuthDefinition)
	if !ok {
		// Static credentials never expire; nothing to rotate.
		return false, nil
	}

	plaintext, err := r.cipher.Decrypt(ctx, org.EncryptedCredentials)
	if err != nil {
		return false, fmt.Errorf("decrypt credentials: %w", err)
	}
	creds, err := def.DecodeCredentials(plaintext)
	if err != nil {
		return false, fmt.Errorf("decode credentials: %w", err)
	}

	updated, expiresAt, err := oauthDef.RefreshCredentials(ctx, creds)
	if err != nil {
		return false, fmt.Errorf("refresh credentials: %w", err)
	}

	encoded, err := configstore.EncodeCredentials(updated)
	if err != nil {
		return false, fmt.Errorf("encode credentials: %w", err)
	}
	encrypted, err := r.cipher.Encrypt(ctx, encoded)
	if err != nil {
		return false, fmt.Errorf("encrypt credentials: %w", err)
	}

	var expiry *time.Time
	if !expiresAt.IsZero() {
		expiry = &expiresAt
	}
	if err := r.st.UpdateOrganisationCredentials(ctx, org.OrganisationID, org.ConnectorKind, encrypted, expiry); err != nil {
		return false, fmt.Errorf("persist credentials: %w", err)
	}
	return true, nil
}
