package vault

import (
	"encoding/base64"
	"testing"

	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-key-material")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, plaintext := range []string{"", "tok", "a-much-longer-access-token-value-1234567890", "ünïcødé"} {
		ct, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, err := v.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, _ := New("test-key-material")

	a, err := v.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := v.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ciphertexts for repeated plaintext, got identical")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	v, _ := New("test-key-material")

	ct, err := v.Encrypt("secret-api-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Decrypt(tampered); err == nil {
		t.Fatalf("expected decryption error for tampered ciphertext")
	} else if !apperrors.Is(err, apperrors.ErrDecryption) {
		t.Fatalf("expected DECRYPTION_ERROR, got %v", err)
	}
}

func TestDecryptForeignKey(t *testing.T) {
	v1, _ := New("key-one")
	v2, _ := New("key-two")

	ct, err := v1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := v2.Decrypt(ct); err == nil {
		t.Fatalf("expected decryption error under a different key")
	}
}

func TestDecryptGarbage(t *testing.T) {
	v, _ := New("test-key-material")

	for _, ct := range []string{"", "not-base64!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := v.Decrypt(ct); err == nil {
			t.Fatalf("Decrypt(%q): expected error", ct)
		}
	}
}

func TestSelfTest(t *testing.T) {
	v, err := New("test-key-material")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !v.SelfTest() {
		t.Fatalf("expected self test to pass")
	}
}
