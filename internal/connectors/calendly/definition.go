package calendly

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
)

// Definition registers Calendly with the connector registry and handles its
// OAuth token refresh.
type Definition struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTP         *http.Client
}

func (d Definition) Kind() string        { return Kind }
func (d Definition) DisplayName() string { return "Calendly" }

func (d Definition) DecodeCredentials(raw []byte) (any, error) {
	return configstore.DecodeCalendlyCredentials(raw)
}

func (d Definition) ValidateCredentials(creds any) error {
	c, err := d.credentials(creds)
	if err != nil {
		return err
	}
	return c.Validate()
}

func (d Definition) SourceName(creds any) string {
	c, err := d.credentials(creds)
	if err != nil {
		return ""
	}
	return c.OrganizationURI
}

func (d Definition) NewConnector(creds any) (registry.Connector, error) {
	c, err := d.credentials(creds)
	if err != nil {
		return nil, err
	}
	return New(c)
}

// RefreshCredentials exchanges the stored refresh token for a new access
// token. Calendly rotates refresh tokens, so the returned credentials carry
// the replacement token when one is issued.
func (d Definition) RefreshCredentials(ctx context.Context, creds any) (any, time.Time, error) {
	c, err := d.credentials(creds)
	if err != nil {
		return nil, time.Time{}, err
	}
	c = c.Normalized()
	if c.RefreshToken == "" {
		return nil, time.Time{}, fmt.Errorf("calendly refresh token is missing")
	}

	tokenURL := strings.TrimSpace(d.TokenURL)
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	conf := &oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	if d.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.HTTP)
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("refresh calendly token: %w", err)
	}

	updated := c
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	updated.ExpiresAt = token.Expiry
	return updated, token.Expiry, nil
}

func (d Definition) credentials(creds any) (configstore.CalendlyCredentials, error) {
	c, ok := creds.(configstore.CalendlyCredentials)
	if !ok {
		return configstore.CalendlyCredentials{}, fmt.Errorf("unexpected calendly credentials type %T", creds)
	}
	return c, nil
}
