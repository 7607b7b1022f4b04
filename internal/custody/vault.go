package custody

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"bridge-core/internal/signer"
	"bridge-core/pkg/crypto"
	"bridge-core/pkg/db"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning = "bridge-core/signing/v1"
	vaultVersion    = 1
)

var (
	ErrInvalidPhrase   = errors.New("invalid recovery phrase")
	ErrSecretRequired  = errors.New("secret is required")
	ErrAddressMismatch = errors.New("vault address does not match derived key")
)

// VaultStore reads the persisted recovery envelope. *db.Database satisfies it.
type VaultStore interface {
	GetVault(ctx context.Context, identity string) (*db.Vault, error)
}

// SealVault encrypts a recovery phrase under secret and returns the row to persist.
func SealVault(identity, phrase string, secret []byte, params crypto.KDFParams) (db.Vault, error) {
	phrase = normalizePhrase(phrase)
	if !bip39.IsMnemonicValid(phrase) {
		return db.Vault{}, ErrInvalidPhrase
	}
	if len(secret) == 0 {
		return db.Vault{}, ErrSecretRequired
	}

	s, err := deriveSigner([]byte(phrase))
	if err != nil {
		return db.Vault{}, err
	}
	defer s.Zero()

	salt, err := crypto.NewSalt()
	if err != nil {
		return db.Vault{}, err
	}
	key, err := crypto.DeriveVaultKey(secret, salt, params)
	if err != nil {
		return db.Vault{}, err
	}
	defer crypto.Zero(key)

	enc, err := crypto.NewEncryptor(key, vaultVersion)
	if err != nil {
		return db.Vault{}, err
	}
	defer enc.Zero()

	sealed, err := enc.Seal([]byte(phrase))
	if err != nil {
		return db.Vault{}, fmt.Errorf("seal phrase: %w", err)
	}

	if params.Time == 0 || params.MemoryKB == 0 || params.Threads == 0 {
		params = crypto.DefaultKDFParams()
	}
	return db.Vault{
		Identity:     identity,
		L1Address:    s.L1Address(),
		L2Address:    s.L2Address(),
		PublicKey:    s.PublicKeyHex(),
		SealedPhrase: sealed,
		Salt:         salt,
		KDFTime:      params.Time,
		KDFMemoryKB:  params.MemoryKB,
		KDFThreads:   params.Threads,
	}, nil
}

// openVault derives the vault key and opens the sealed phrase.
// A wrong secret surfaces as crypto.ErrDecryptionFailed.
func openVault(v *db.Vault, secret []byte) (key, phrase []byte, err error) {
	params := crypto.KDFParams{Time: v.KDFTime, MemoryKB: v.KDFMemoryKB, Threads: v.KDFThreads}
	key, err = crypto.DeriveVaultKey(secret, v.Salt, params)
	if err != nil {
		return nil, nil, err
	}
	phrase, err = openPhrase(key, v.SealedPhrase)
	if err != nil {
		crypto.Zero(key)
		return nil, nil, err
	}
	return key, phrase, nil
}

func openPhrase(key []byte, sealed string) ([]byte, error) {
	enc, err := crypto.NewEncryptor(key, crypto.ParseVersion(sealed))
	if err != nil {
		return nil, err
	}
	defer enc.Zero()
	return enc.Open(sealed)
}

// deriveSigner maps a BIP-39 phrase to the account key: seed -> HKDF-SHA256 -> ed25519.
func deriveSigner(phrase []byte) (*signer.Signer, error) {
	if !bip39.IsMnemonicValid(string(phrase)) {
		return nil, ErrInvalidPhrase
	}
	seed := bip39.NewSeed(string(phrase), "")
	defer crypto.Zero(seed)

	reader := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfoSigning))
	signingSeed := make([]byte, 32)
	defer crypto.Zero(signingSeed)
	if _, err := io.ReadFull(reader, signingSeed); err != nil {
		return nil, fmt.Errorf("expand signing seed: %w", err)
	}
	return signer.FromSeed(signingSeed)
}

func normalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}
