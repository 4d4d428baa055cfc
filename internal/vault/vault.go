// Package vault encrypts brokerage secrets and session tokens at rest.
// AES-256-GCM gives confidentiality plus tamper detection: a ciphertext
// that was modified, truncated, or produced under a different key fails
// decryption instead of yielding a plausible wrong plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
)

const selfTestProbe = "brokergate-vault-self-test"

// Vault holds the process-wide key material. It has no per-call mutable
// state and is safe for unlimited concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from the configured key material and returns a
// ready vault. The key never leaves this package.
func New(keyMaterial string) (*Vault, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("vault key material is empty")
	}

	key := sha256.Sum256([]byte(keyMaterial))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The same plaintext
// yields a different ciphertext on every call. Output is base64 so it can
// live in a text column.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Corrupt or foreign
// ciphertext fails with a DECRYPTION_ERROR AppError.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", apperrors.NewDecryption(err)
	}
	if len(raw) < v.aead.NonceSize() {
		return "", apperrors.NewDecryption(fmt.Errorf("ciphertext shorter than nonce"))
	}

	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.NewDecryption(err)
	}
	return string(plaintext), nil
}

// SelfTest round-trips a fixed probe value without persisting anything.
// Diagnostics uses it to validate the vault independent of any connection.
func (v *Vault) SelfTest() bool {
	ct, err := v.Encrypt(selfTestProbe)
	if err != nil {
		return false
	}
	pt, err := v.Decrypt(ct)
	if err != nil {
		return false
	}
	return pt == selfTestProbe
}
