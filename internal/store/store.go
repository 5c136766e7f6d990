// Package store is the Postgres persistence layer: organisation connections,
// per-resource delta tokens and the sync lock leases.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Organisation is one installed connection: an Elba organisation bound to a
// vendor connector with encrypted credentials.
type Organisation struct {
	ID                   int64
	OrganisationID       string
	ConnectorKind        string
	Region               string
	EncryptedCredentials []byte
	TokenExpiresAt       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type UpsertOrganisationParams struct {
	OrganisationID       string
	ConnectorKind        string
	Region               string
	EncryptedCredentials []byte
	TokenExpiresAt       *time.Time
}

func (s *Store) UpsertOrganisation(ctx context.Context, p UpsertOrganisationParams) (Organisation, error) {
	p.OrganisationID = strings.TrimSpace(p.OrganisationID)
	p.ConnectorKind = strings.ToLower(strings.TrimSpace(p.ConnectorKind))
	if p.OrganisationID == "" {
		return Organisation{}, errors.New("organisation id is required")
	}
	if p.ConnectorKind == "" {
		return Organisation{}, errors.New("connector kind is required")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO organisations (organisation_id, connector_kind, region, encrypted_credentials, token_expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organisation_id, connector_kind) DO UPDATE SET
			region = EXCLUDED.region,
			encrypted_credentials = EXCLUDED.encrypted_credentials,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at = now()
		RETURNING id, organisation_id, connector_kind, region, encrypted_credentials, token_expires_at, created_at, updated_at
	`, p.OrganisationID, p.ConnectorKind, p.Region, p.EncryptedCredentials, p.TokenExpiresAt)
	return scanOrganisation(row)
}

func (s *Store) GetOrganisation(ctx context.Context, organisationID, connectorKind string) (Organisation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, organisation_id, connector_kind, region, encrypted_credentials, token_expires_at, created_at, updated_at
		FROM organisations
		WHERE organisation_id = $1 AND connector_kind = $2
	`, strings.TrimSpace(organisationID), strings.ToLower(strings.TrimSpace(connectorKind)))
	org, err := scanOrganisation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organisation{}, ErrNotFound
	}
	return org, err
}

func (s *Store) ListOrganisations(ctx context.Context) ([]Organisation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organisation_id, connector_kind, region, encrypted_credentials, token_expires_at, created_at, updated_at
		FROM organisations
		ORDER BY organisation_id, connector_kind
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrganisations(rows)
}

// ListOrganisationsExpiringBefore returns connections whose vendor token
// expires before the deadline, oldest expiry first. Rows with no recorded
// expiry are included: an OAuth install whose payload carried no token yet
// (Microsoft with only a tenant id, a payload omitting expires_at) needs its
// first token minted, and static-credential rows are skipped by the caller.
func (s *Store) ListOrganisationsExpiringBefore(ctx context.Context, deadline time.Time) ([]Organisation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organisation_id, connector_kind, region, encrypted_credentials, token_expires_at, created_at, updated_at
		FROM organisations
		WHERE token_expires_at IS NULL OR token_expires_at < $1
		ORDER BY token_expires_at NULLS FIRST
	`, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrganisations(rows)
}

func (s *Store) UpdateOrganisationCredentials(ctx context.Context, organisationID, connectorKind string, encrypted []byte, tokenExpiresAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE organisations
		SET encrypted_credentials = $3, token_expires_at = $4, updated_at = now()
		WHERE organisation_id = $1 AND connector_kind = $2
	`, strings.TrimSpace(organisationID), strings.ToLower(strings.TrimSpace(connectorKind)), encrypted, tokenExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrganisation removes a connection and its delta tokens. Deleting an
// unknown connection is a no-op so uninstall webhooks stay idempotent.
func (s *Store) DeleteOrganisation(ctx context.Context, organisationID, connectorKind string) error {
	organisationID = strings.TrimSpace(organisationID)
	connectorKind = strings.ToLower(strings.TrimSpace(connectorKind))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM delta_tokens WHERE organisation_id = $1 AND connector_kind = $2
	`, organisationID, connectorKind); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM organisations WHERE organisation_id = $1 AND connector_kind = $2
	`, organisationID, connectorKind); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetDeltaToken returns the stored delta token for one synced resource, or ""
// when no delta state exists yet.
func (s *Store) GetDeltaToken(ctx context.Context, organisationID, connectorKind, resourceID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `
		SELECT token FROM delta_tokens
		WHERE organisation_id = $1 AND connector_kind = $2 AND resource_id = $3
	`, strings.TrimSpace(organisationID), strings.ToLower(strings.TrimSpace(connectorKind)), resourceID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return token, err
}

func (s *Store) SetDeltaToken(ctx context.Context, organisationID, connectorKind, resourceID, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delta_tokens (organisation_id, connector_kind, resource_id, token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organisation_id, connector_kind, resource_id) DO UPDATE SET
			token = EXCLUDED.token,
			updated_at = now()
	`, strings.TrimSpace(organisationID), strings.ToLower(strings.TrimSpace(connectorKind)), resourceID, token)
	return err
}

func scanOrganisation(row pgx.Row) (Organisation, error) {
	var org Organisation
	err := row.Scan(
		&org.ID,
		&org.OrganisationID,
		&org.ConnectorKind,
		&org.Region,
		&org.EncryptedCredentials,
		&org.TokenExpiresAt,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	return org, err
}

func collectOrganisations(rows pgx.Rows) ([]Organisation, error) {
	var orgs []Organisation
	for rows.Next() {
		org, err := scanOrganisation(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}
