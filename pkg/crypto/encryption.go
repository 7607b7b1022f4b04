// Package crypto seals recovery phrases under a password-derived vault key.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the vault key size (32 bytes, XChaCha20-Poly1305)
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20 nonce size (24 bytes)
	NonceSize = chacha20poly1305.NonceSizeX
	// SaltSize is the argon2id salt size stored next to the blob
	SaltSize = 16
	// VersionPrefix is the prefix for sealed data
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid vault key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidSalt       = errors.New("invalid salt")
)

// KDFParams are the argon2id cost parameters persisted with every vault.
type KDFParams struct {
	Time     uint32 `json:"time" yaml:"time"`
	MemoryKB uint32 `json:"memory_kb" yaml:"memory_kb"`
	Threads  uint8  `json:"threads" yaml:"threads"`
}

// DefaultKDFParams returns interactive-login argon2id costs.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveVaultKey stretches the user secret into a symmetric vault key.
// Callers own the returned slice and must Zero it.
func DeriveVaultKey(secret, salt []byte, p KDFParams) ([]byte, error) {
	if len(salt) < 8 {
		return nil, ErrInvalidSalt
	}
	if p.Time == 0 || p.MemoryKB == 0 || p.Threads == 0 {
		p = DefaultKDFParams()
	}
	return argon2.IDKey(secret, salt, p.Time, p.MemoryKB, p.Threads, KeySize), nil
}

// Encryptor handles XChaCha20-Poly1305 sealing with a versioned text encoding.
type Encryptor struct {
	key     []byte
	version int
}

// NewEncryptor creates a new Encryptor with the given key.
// The key is copied; Zero wipes the copy.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{
		key:     append([]byte(nil), key...),
		version: version,
	}, nil
}

// Seal encrypts plaintext.
// Returns ENC[vN]:base64(nonce+ciphertext).
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", fmt.Errorf("create aead: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf(VersionPrefix, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (e *Encryptor) Open(ciphertext string) ([]byte, error) {
	if ParseVersion(ciphertext) == 0 {
		return nil, ErrInvalidCiphertext
	}
	colonIdx := strings.Index(ciphertext, "]:")
	if colonIdx == -1 {
		return nil, ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[colonIdx+2:])
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize+chacha20poly1305.Overhead {
		return nil, ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Version returns the envelope version written by Seal.
func (e *Encryptor) Version() int {
	return e.version
}

// Zero wipes the key held by the encryptor.
func (e *Encryptor) Zero() {
	Zero(e.key)
}

// ParseVersion extracts the version number from a sealed string.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
