package main

import (
	"github.com/elba-security/elba-connect/internal/config"
	"github.com/elba-security/elba-connect/internal/connectors/aws"
	"github.com/elba-security/elba-connect/internal/connectors/calendly"
	"github.com/elba-security/elba-connect/internal/connectors/harvest"
	"github.com/elba-security/elba-connect/internal/connectors/microsoft"
	"github.com/elba-security/elba-connect/internal/connectors/okta"
	"github.com/elba-security/elba-connect/internal/connectors/registry"
	"github.com/elba-security/elba-connect/internal/secrets"
)

func buildConnectorRegistry(cfg config.Config) (*registry.ConnectorRegistry, error) {
	reg := registry.NewRegistry()
	if err := reg.Register(calendly.Definition{
		ClientID:     cfg.CalendlyClientID,
		ClientSecret: cfg.CalendlyClientSecret,
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(harvest.Definition{
		ClientID:     cfg.HarvestClientID,
		ClientSecret: cfg.HarvestClientSecret,
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(microsoft.Definition{
		ClientID:     cfg.MicrosoftClientID,
		ClientSecret: cfg.MicrosoftClientSecret,
		Workers:      cfg.MicrosoftWorkers,
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(aws.Definition{}); err != nil {
		return nil, err
	}
	if err := reg.Register(okta.Definition{}); err != nil {
		return nil, err
	}
	return reg, nil
}

// buildCipher prefers Vault Transit when configured, falling back to the
// local AES key.
func buildCipher(cfg config.Config) (secrets.Cipher, error) {
	if cfg.VaultTransitAddress != "" && cfg.VaultTransitToken != "" {
		return secrets.NewTransitCipher(cfg.VaultTransitAddress, cfg.VaultTransitToken, cfg.VaultTransitKey)
	}
	return secrets.NewAESCipher(cfg.EncryptionKey)
}
