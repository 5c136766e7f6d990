package microsoft

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
)

// Definition registers Microsoft with the connector registry. Tokens come
// from the client-credentials grant against the tenant's token endpoint, so
// there is no per-organisation refresh token to rotate.
type Definition struct {
	ClientID     string
	ClientSecret string
	LoginBaseURL string
	Workers      int
	HTTP         *http.Client
}

const defaultLoginBaseURL = "https://login.microsoftonline.com"

func (d Definition) Kind() string        { return Kind }
func (d Definition) DisplayName() string { return "Microsoft" }

func (d Definition) DecodeCredentials(raw []byte) (any, error) {
	return configstore.DecodeMicrosoftCredentials(raw)
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
	return "tenant " + c.Normalized().TenantID
}

func (d Definition) NewConnector(creds any) (registry.Connector, error) {
	c, err := d.credentials(creds)
	if err != nil {
		return nil, err
	}
	conn, err := New(c)
	if err != nil {
		return nil, err
	}
	if d.Workers > 0 {
		conn.Workers = d.Workers
	}
	return conn, nil
}

// RefreshCredentials obtains a fresh application token for the tenant.
func (d Definition) RefreshCredentials(ctx context.Context, creds any) (any, time.Time, error) {
	c, err := d.credentials(creds)
	if err != nil {
		return nil, time.Time{}, err
	}
	c = c.Normalized()
	if c.TenantID == "" {
		return nil, time.Time{}, fmt.Errorf("microsoft tenant id is missing")
	}

	loginBase := strings.TrimRight(strings.TrimSpace(d.LoginBaseURL), "/")
	if loginBase == "" {
		loginBase = defaultLoginBaseURL
	}
	conf := &clientcredentials.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		TokenURL:     loginBase + "/" + url.PathEscape(c.TenantID) + "/oauth2/v2.0/token",
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	if d.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.HTTP)
	}

	token, err := conf.Token(ctx)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("refresh microsoft token: %w", err)
	}

	updated := c
	updated.AccessToken = token.AccessToken
	updated.ExpiresAt = token.Expiry
	return updated, token.Expiry, nil
}

func (d Definition) credentials(creds any) (configstore.MicrosoftCredentials, error) {
	c, ok := creds.(configstore.MicrosoftCredentials)
	if !ok {
		return configstore.MicrosoftCredentials{}, fmt.Errorf("unexpected microsoft credentials type %T", creds)
	}
	return c, nil
}
