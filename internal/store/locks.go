package store

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type TryAcquireSyncLockLeaseParams struct {
	ScopeKind        string
	ScopeName        string
	HolderInstanceID string
	HolderToken      pgtype.UUID
	LeaseSeconds     int64
}

// TryAcquireSyncLockLease grabs the lease for a scope when it is free or
// expired. Returns pgx.ErrNoRows when another holder still owns it.
func (s *Store) TryAcquireSyncLockLease(ctx context.Context, p TryAcquireSyncLockLeaseParams) (pgtype.UUID, error) {
	var token pgtype.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_lock_leases (scope_kind, scope_name, holder_instance_id, holder_token, expires_at)
		VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))
		ON CONFLICT (scope_kind, scope_name) DO UPDATE SET
			holder_instance_id = EXCLUDED.holder_instance_id,
			holder_token = EXCLUDED.holder_token,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now()
		WHERE sync_lock_leases.expires_at < now()
		RETURNING holder_token
	`, p.ScopeKind, p.ScopeName, p.HolderInstanceID, p.HolderToken, p.LeaseSeconds).Scan(&token)
	return token, err
}

type RenewSyncLockLeaseParams struct {
	ScopeKind    string
	ScopeName    string
	HolderToken  pgtype.UUID
	LeaseSeconds int64
}

// RenewSyncLockLease extends the lease while we still hold it. Returns
// pgx.ErrNoRows when the lease was lost to another holder.
func (s *Store) RenewSyncLockLease(ctx context.Context, p RenewSyncLockLeaseParams) (pgtype.UUID, error) {
	var token pgtype.UUID
	err := s.pool.QueryRow(ctx, `
		UPDATE sync_lock_leases
		SET expires_at = now() + make_interval(secs => $4)
		WHERE scope_kind = $1 AND scope_name = $2 AND holder_token = $3
		RETURNING holder_token
	`, p.ScopeKind, p.ScopeName, p.HolderToken, p.LeaseSeconds).Scan(&token)
	return token, err
}

type ReleaseSyncLockLeaseParams struct {
	ScopeKind   string
	ScopeName   string
	HolderToken pgtype.UUID
}

func (s *Store) ReleaseSyncLockLease(ctx context.Context, p ReleaseSyncLockLeaseParams) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync_lock_leases
		WHERE scope_kind = $1 AND scope_name = $2 AND holder_token = $3
	`, p.ScopeKind, p.ScopeName, p.HolderToken)
	return err
}

// LockKey maps a scope to a stable 64-bit advisory lock key.
func LockKey(scopeKind, scopeName string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scopeKind))
	h.Write([]byte{0})
	h.Write([]byte(scopeName))
	return int64(h.Sum64())
}

// Advisory locks are session-scoped so acquire and release must run on the
// same connection, which is why these helpers take the connection explicitly
// instead of using the pool.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func TryAcquireAdvisoryLock(ctx context.Context, conn pgxQuerier, key int64) (bool, error) {
	var ok bool
	err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok)
	return ok, err
}

func AcquireAdvisoryLock(ctx context.Context, conn pgxQuerier, key int64) error {
	_, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key)
	return err
}

func ReleaseAdvisoryLock(ctx context.Context, conn pgxQuerier, key int64) error {
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}
