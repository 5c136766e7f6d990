package okta

import (
	"fmt"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
)

// Definition registers Okta with the connector registry. Okta API tokens are
// long-lived, so there is no token refresh.
type Definition struct{}

func (d Definition) Kind() string        { return Kind }
func (d Definition) DisplayName() string { return "Okta" }

func (d Definition) DecodeCredentials(raw []byte) (any, error) {
	return configstore.DecodeOktaCredentials(raw)
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
	return c.BaseURL()
}

func (d Definition) NewConnector(creds any) (registry.Connector, error) {
	c, err := d.credentials(creds)
	if err != nil {
		return nil, err
	}
	return New(c)
}

func (d Definition) credentials(creds any) (configstore.OktaCredentials, error) {
	c, ok := creds.(configstore.OktaCredentials)
	if !ok {
		return configstore.OktaCredentials{}, fmt.Errorf("unexpected okta credentials type %T", creds)
	}
	return c, nil
}
