package registry

import (
	"context"
	"time"
)

// ConnectorDefinition defines the behavior and metadata for a vendor
// connector.
type ConnectorDefinition interface {
	// Identity
	Kind() string        // e.g., "calendly", "harvest"
	DisplayName() string // e.g., "Calendly", "Harvest"

	// Credentials
	DecodeCredentials(raw []byte) (any, error)
	ValidateCredentials(creds any) error
	SourceName(creds any) string // e.g., vendor org/account identifier

	// NewConnector builds a connector bound to one organisation's decrypted
	// credentials.
	NewConnector(creds any) (Connector, error)
}

// OAuthDefinition is implemented by definitions whose vendor issues expiring
// tokens. RefreshCredentials exchanges the stored refresh token and returns
// the updated credential payload plus the new expiry.
type OAuthDefinition interface {
	RefreshCredentials(ctx context.Context, creds any) (updated any, expiresAt time.Time, err error)
}
