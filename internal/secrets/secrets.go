// Package secrets encrypts organisation credentials at rest. Two backends are
// supported: a local AES-256-GCM cipher keyed from the environment, and
// HashiCorp Vault's transit engine for deployments that already run Vault.
package secrets

import "context"

// Cipher seals and opens credential payloads. Ciphertext is opaque to
// callers and stored verbatim in the organisations table.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
