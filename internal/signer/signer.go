// Package signer produces detached ed25519 signatures over canonical message strings.
package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid ed25519 private key")
	ErrSignerZeroed      = errors.New("signer key material has been wiped")
)

// Signer holds a 64-byte key pair for the duration of a signing operation.
type Signer struct {
	mu   sync.RWMutex
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// New copies priv into a fresh Signer.
func New(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	own := append(ed25519.PrivateKey(nil), priv...)
	return &Signer{
		priv: own,
		pub:  own.Public().(ed25519.PublicKey),
	}, nil
}

// FromSeed derives the key pair from a 32-byte seed.
func FromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidPrivateKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	s, err := New(priv)
	zero(priv)
	return s, err
}

// Sign returns the detached signature over msg.
func (s *Signer) Sign(msg string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		return nil, ErrSignerZeroed
	}
	return ed25519.Sign(s.priv, []byte(msg)), nil
}

// SignHex is Sign with hex output, the wire form used by both ledgers.
func (s *Signer) SignHex(msg string) (string, error) {
	sig, err := s.Sign(msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// PublicKey returns a copy of the public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// L1Address returns the custody-ledger address of this key.
func (s *Signer) L1Address() string {
	return AddressFor(s.pub, NamespaceL1)
}

// L2Address returns the trading-ledger address of this key.
func (s *Signer) L2Address() string {
	return AddressFor(s.pub, NamespaceL2)
}

// Zero wipes the private key. Further Sign calls fail.
func (s *Signer) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.priv)
	s.priv = nil
}

// Verify checks a hex signature against a hex public key.
func Verify(publicKeyHex, msg, signatureHex string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(msg), sig)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
