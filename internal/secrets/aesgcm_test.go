package secrets

import (
	"bytes"
	"context"
	"testing"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestAESCipherRoundTrip(t *testing.T) {
	c, err := NewAESCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewAESCipher: %v", err)
	}

	plaintext := []byte(`{"access_token":"secret"}`)
	sealed, err := c.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Fatalf("ciphertext leaks plaintext")
	}

	opened, err := c.Decrypt(context.Background(), sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestAESCipherRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewAESCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewAESCipher: %v", err)
	}
	sealed, err := c.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}
	if _, err := c.Decrypt(context.Background(), tampered); err == nil {
		t.Fatalf("expected error for tampered ciphertext")
	}
}

func TestNewAESCipherRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "deadbeef", "not a key at all"} {
		if _, err := NewAESCipher(key); err == nil {
			t.Fatalf("key %q: expected error", key)
		}
	}
}
