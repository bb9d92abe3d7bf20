package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce prefixed to every sealed snapshot.
	NonceSize = 24
	// KeySize is the size of the encryption key.
	KeySize = 32
)

// ErrEncryption is returned when a sealed snapshot cannot be opened.
var ErrEncryption = errors.New("encryption error")

// SecretBox seals and opens snapshots with NaCl secretbox.
type SecretBox struct {
	key [KeySize]byte
}

// NewSecretBox returns a SecretBox for the given key.
func NewSecretBox(key [KeySize]byte) *SecretBox {
	return &SecretBox{key: key}
}

// ParseKey decodes a hex encoded 32-byte key.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// MachineKey derives a key from machine-specific information, which ties
// the encrypted roster to this host and user.
func MachineKey() [KeySize]byte {
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("rollcall-v1-salt")

	return sha256.Sum256([]byte(identity.String()))
}

// Seal encrypts plaintext behind a random nonce.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts data produced by Seal.
func (b *SecretBox) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}
