package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// TransitCipher delegates encryption to a Vault transit key, so plaintext key
// material never lives in this process.
type TransitCipher struct {
	client *vault.Client
	key    string
}

func NewTransitCipher(address, token, key string) (*TransitCipher, error) {
	if address == "" || token == "" || key == "" {
		return nil, errors.New("vault transit requires address, token and key name")
	}
	cfg := vault.DefaultConfig()
	cfg.Address = address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("init vault client: %w", err)
	}
	client.SetToken(token)
	return &TransitCipher{client: client, key: key}, nil
}

func (c *TransitCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	secret, err := c.client.Logical().WriteWithContext(ctx, "transit/encrypt/"+c.key, map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit encrypt: %w", err)
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok || ciphertext == "" {
		return nil, errors.New("vault transit encrypt: missing ciphertext")
	}
	return []byte(ciphertext), nil
}

func (c *TransitCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	secret, err := c.client.Logical().WriteWithContext(ctx, "transit/decrypt/"+c.key, map[string]any{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: %w", err)
	}
	encoded, ok := secret.Data["plaintext"].(string)
	if !ok || encoded == "" {
		return nil, errors.New("vault transit decrypt: missing plaintext")
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: %w", err)
	}
	return plaintext, nil
}
