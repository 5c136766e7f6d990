package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/elba-security/elba-connect/internal/elba"
)

// InvalidRecord is a raw vendor record that failed schema validation. It is
// logged and counted but never forwarded and never fails the page.
type InvalidRecord struct {
	Raw    json.RawMessage
	Reason string
}

// UsersPage is the result of one paginated vendor call. NextCursor is the
// vendor's continuation value verbatim; empty means last page. Cursors are
// never fabricated.
type UsersPage struct {
	ValidUsers   []elba.User
	InvalidUsers []InvalidRecord
	NextCursor   string
}

// Connector is the per-vendor fetch contract. FetchUsersPage issues exactly
// one vendor call for the given cursor ("" means first page) and must be
// safely retryable.
type Connector interface {
	Kind() string
	SourceName() string
	FetchUsersPage(ctx context.Context, cursor string) (UsersPage, error)
}

// UserDeleter is implemented by connectors whose vendor supports removing or
// deactivating a single user. Implementations must treat a vendor 404 as
// success so repeated invocations stay idempotent.
type UserDeleter interface {
	DeleteUser(ctx context.Context, userID string) error
}

// ObjectsDelta is one page of a change-feed walk for document-sharing
// vendors. NextCursor continues the current sweep; DeltaToken is only set on
// the terminal page and must be persisted for the next sweep.
type ObjectsDelta struct {
	Objects          []elba.DataProtectionObject
	InvalidObjects   []InvalidRecord
	DeletedObjectIDs []string
	NextCursor       string
	DeltaToken       string
}

// DataProtectionSource is implemented by connectors that sync shared objects
// incrementally. The cursor is either a mid-sweep continuation or a delta
// token from a previous completed sweep.
type DataProtectionSource interface {
	FetchObjectsDelta(ctx context.Context, cursor string) (ObjectsDelta, error)
}

// Event reports sync progress to a Reporter.
type Event struct {
	Source  string
	Stage   string
	Current int64
	Total   int64
	Message string
	Done    bool
	Err     error
	At      time.Time
}

const UnknownTotal int64 = -1

type Reporter interface {
	Report(Event)
}
