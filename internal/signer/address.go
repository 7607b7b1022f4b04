package signer

import (
	"crypto/ed25519"
	"errors"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// Namespace prefixes distinguish the two ledgers' address spaces.
const (
	NamespaceL1 = "l1"
	NamespaceL2 = "l2"

	addressBodyLen = 20
)

var ErrInvalidAddress = errors.New("invalid ledger address")

// AddressFor derives the address of pub in the given namespace.
// Both namespaces share the same body, so the transform is reversible.
func AddressFor(pub ed25519.PublicKey, namespace string) string {
	h := blake2b.Sum256(pub)
	return namespace + base58.Encode(h[:addressBodyLen])
}

// PairedAddress maps an L1 address to its L2 twin and vice versa.
func PairedAddress(addr string) (string, error) {
	ns, body, err := splitAddress(addr)
	if err != nil {
		return "", err
	}
	if ns == NamespaceL1 {
		return NamespaceL2 + body, nil
	}
	return NamespaceL1 + body, nil
}

// Namespace reports which ledger an address belongs to.
func Namespace(addr string) (string, error) {
	ns, _, err := splitAddress(addr)
	return ns, err
}

// AccountKey returns the namespace-free body of addr, shared by an L1
// address and its L2 twin. Strings that are not ledger addresses are
// returned trimmed.
func AccountKey(addr string) string {
	_, body, err := splitAddress(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return body
}

// MatchesKey reports whether addr (either namespace) was derived from pub.
func MatchesKey(addr string, pub ed25519.PublicKey) bool {
	ns, _, err := splitAddress(addr)
	if err != nil {
		return false
	}
	return AddressFor(pub, ns) == addr
}

func splitAddress(addr string) (string, string, error) {
	addr = strings.TrimSpace(addr)
	if len(addr) < 3 {
		return "", "", ErrInvalidAddress
	}
	ns, body := addr[:2], addr[2:]
	if ns != NamespaceL1 && ns != NamespaceL2 {
		return "", "", ErrInvalidAddress
	}
	raw, err := base58.Decode(body)
	if err != nil || len(raw) != addressBodyLen {
		return "", "", ErrInvalidAddress
	}
	return ns, body, nil
}
