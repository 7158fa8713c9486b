package crypto

import (
	"errors"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor("dev-secret")
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := enc.Encrypt("ya29.refresh-token")
	if err != nil {
		t.Fatal(err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("sealed value has no prefix: %q", sealed)
	}

	plain, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "ya29.refresh-token" {
		t.Errorf("Decrypt = %q", plain)
	}
}

func TestEncryptor_Errors(t *testing.T) {
	if _, err := NewEncryptor(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("empty key err = %v", err)
	}

	a, _ := NewEncryptor("key-a")
	b, _ := NewEncryptor("key-b")

	sealed, _ := a.Encrypt("token")
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key err = %v", err)
	}

	if got, err := a.Decrypt("plain-dev-token"); err != nil || got != "plain-dev-token" {
		t.Errorf("plaintext passthrough = %q, %v", got, err)
	}
	if got, _ := a.Encrypt(""); got != "" {
		t.Errorf("empty plaintext = %q", got)
	}
}
