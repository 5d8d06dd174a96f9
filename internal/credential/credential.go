// Package credential encrypts provider API keys before they land in the
// configuration table. Keys are sealed with AES-256-GCM under a
// machine-derived key, so a copied database file leaks nothing usable.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// EncryptedPrefix marks values as encrypted in storage.
const EncryptedPrefix = "enc:v1:"

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid encrypted format")
)

// Manager seals and opens credential values.
type Manager struct {
	key []byte
}

// NewManager derives the encryption key from machine identifiers, so the
// same machine decrypts what it encrypted and nothing else does.
func NewManager() (*Manager, error) {
	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return &Manager{key: key}, nil
}

// Encrypt seals a plaintext value into a storable string.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. Unprefixed values pass through unchanged so
// plaintext keys set directly in the table keep working.
func (m *Manager) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, EncryptedPrefix) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrInvalidFormat
	}
	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value already carries the encrypted prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// deriveKey hashes stable machine identifiers into a 32-byte AES key.
func deriveKey() ([]byte, error) {
	var entropy strings.Builder

	hostname, _ := os.Hostname()
	entropy.WriteString(hostname)

	home, _ := os.UserHomeDir()
	entropy.WriteString(home)

	entropy.WriteString(runtime.GOOS)
	entropy.WriteString(runtime.GOARCH)
	entropy.WriteString("insight-credential-store-v1")

	if uid := os.Getuid(); uid != -1 {
		entropy.WriteString(fmt.Sprintf("uid:%d", uid))
	}
	if username := os.Getenv("USER"); username != "" {
		entropy.WriteString(username)
	}

	hash := sha256.Sum256([]byte(entropy.String()))
	return hash[:], nil
}

// MaskSecret shows only the edges of a secret for display.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
