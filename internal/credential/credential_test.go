package credential

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	secret := "sk-test-key-1234567890"
	sealed, err := m.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Errorf("sealed value missing prefix: %q", sealed)
	}
	if strings.Contains(sealed, secret) {
		t.Error("plaintext visible in sealed value")
	}

	opened, err := m.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if opened != secret {
		t.Errorf("roundtrip = %q, want %q", opened, secret)
	}
}

func TestDecryptPassthrough(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	got, err := m.Decrypt("plain-value")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "plain-value" {
		t.Errorf("passthrough = %q", got)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Decrypt(EncryptedPrefix + "not-base64!!!"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("error = %v, want ErrInvalidFormat", err)
	}
	if _, err := m.Decrypt(EncryptedPrefix + "YWJj"); err == nil {
		t.Error("short ciphertext accepted")
	}
}

func TestEmptyValues(t *testing.T) {
	m, _ := NewManager()
	if sealed, err := m.Encrypt(""); err != nil || sealed != "" {
		t.Errorf("Encrypt(\"\") = %q, %v", sealed, err)
	}
	if opened, err := m.Decrypt(""); err != nil || opened != "" {
		t.Errorf("Decrypt(\"\") = %q, %v", opened, err)
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("short"); got != "****" {
		t.Errorf("MaskSecret(short) = %q", got)
	}
	if got := MaskSecret("sk-abcdefghijklmnop"); got != "sk-a...mnop" {
		t.Errorf("MaskSecret = %q", got)
	}
}
