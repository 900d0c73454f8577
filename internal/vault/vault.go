// Package vault encrypts stored WireGuard private keys and generates X25519
// keypairs. The symmetric key is derived from the operator secret with
// HKDF-SHA-256 under a fixed salt, so the same secret always opens the same
// vault.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Fixed HKDF parameters. Changing either invalidates every stored key.
var (
	hkdfSalt = []byte("outpost-key-vault-v1")
	hkdfInfo = []byte("wg-private-key")
)

// Vault seals and opens private keys with a secret-derived symmetric key.
type Vault struct {
	aeadKey []byte
}

// New derives the vault key from the operator secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: empty secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), hkdfSalt, hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{aeadKey: key}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.aeadKey)
	if err != nil {
		return "", fmt.Errorf("vault: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(enc string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("vault: decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.aeadKey)
	if err != nil {
		return nil, fmt.Errorf("vault: init aead: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("vault: sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return plain, nil
}

// GenerateKeypair returns a fresh X25519 keypair as WireGuard-style base64
// strings. The private key is clamped per the curve25519 convention.
func GenerateKeypair() (private, public string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("vault: keygen: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("vault: derive public: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv[:]),
		base64.StdEncoding.EncodeToString(pub), nil
}
