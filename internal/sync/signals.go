package sync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// syncRequestChannel carries on-demand sync requests between instances. The
// payload is "<organisation_id>/<connector_kind>"; an empty payload requests
// a sweep of all organisations.
const syncRequestChannel = "elba_connect_sync_requested"

// NotifySyncRequested asks whichever worker is listening to sync the
// organisation soon. Pass empty strings to request a full sweep.
func NotifySyncRequested(ctx context.Context, pool *pgxpool.Pool, organisationID, connectorKind string) error {
	if pool == nil {
		return errors.New("notify pool is nil")
	}
	payload := ""
	if organisationID != "" && connectorKind != "" {
		payload = organisationID + "/" + connectorKind
	}
	_, err := pool.Exec(ctx, "select pg_notify($1, $2)", syncRequestChannel, payload)
	return err
}

// SyncRequestHandler reacts to one sync request. Empty arguments mean a full
// sweep was requested.
type SyncRequestHandler func(ctx context.Context, organisationID, connectorKind string)

// ListenForSyncRequests blocks on the notification channel and dispatches
// requests to the handler until the context is done. The dedicated listen
// connection is re-established after failures.
func ListenForSyncRequests(ctx context.Context, pool *pgxpool.Pool, handler SyncRequestHandler) error {
	if pool == nil {
		return errors.New("listen pool is nil")
	}
	if handler == nil {
		return errors.New("sync request handler is nil")
	}

	for {
		if err := listenOnce(ctx, pool, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("sync request listener disconnected, reconnecting", "err", err)
			if err := sleepContext(ctx, 2*time.Second); err != nil {
				return err
			}
		}
	}
}

func listenOnce(ctx context.Context, pool *pgxpool.Pool, handler SyncRequestHandler) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "listen "+syncRequestChannel); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		organisationID, connectorKind := parseSyncRequestPayload(notification.Payload)
		handler(ctx, organisationID, connectorKind)
	}
}

func parseSyncRequestPayload(payload string) (organisationID, connectorKind string) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ""
	}
	organisationID, connectorKind, ok := strings.Cut(payload, "/")
	if !ok {
		return "", ""
	}
	return strings.TrimSpace(organisationID), strings.TrimSpace(connectorKind)
}
