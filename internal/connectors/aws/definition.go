package aws

import (
	"context"
	"fmt"

	"github.com/elba-security/elba-connect/internal/connectors/configstore"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
)

// Definition registers AWS IAM Identity Center with the connector registry.
// Credentials are static (access keys or the ambient default chain), so there
// is no token refresh.
type Definition struct{}

func (d Definition) Kind() string        { return Kind }
func (d Definition) DisplayName() string { return "AWS IAM Identity Center" }

func (d Definition) DecodeCredentials(raw []byte) (any, error) {
	return configstore.DecodeAWSCredentials(raw)
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
	c = c.Normalized()
	if c.IdentityStoreID != "" {
		return "identity store " + c.IdentityStoreID
	}
	return "region " + c.Region
}

func (d Definition) NewConnector(creds any) (registry.Connector, error) {
	c, err := d.credentials(creds)
	if err != nil {
		return nil, err
	}
	return New(context.Background(), c)
}

func (d Definition) credentials(creds any) (configstore.AWSCredentials, error) {
	c, ok := creds.(configstore.AWSCredentials)
	if !ok {
		return configstore.AWSCredentials{}, fmt.Errorf("unexpected aws credentials type %T", creds)
	}
	return c, nil
}
