package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := FromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))
	require.NoError(t, err)
	return s
}

func TestSignVerify(t *testing.T) {
	s := testSigner(t)
	msg := AuthMessage(s.L2Address(), 1700000000)

	sig, err := s.SignHex(msg)
	require.NoError(t, err)
	raw, _ := hex.DecodeString(sig)
	assert.Len(t, raw, ed25519.SignatureSize)

	assert.True(t, Verify(s.PublicKeyHex(), msg, sig))
	assert.False(t, Verify(s.PublicKeyHex(), msg+"x", sig))
	assert.False(t, Verify("zz", msg, sig))
}

func TestZeroDisablesSigning(t *testing.T) {
	s := testSigner(t)
	s.Zero()
	_, err := s.Sign("anything")
	assert.ErrorIs(t, err, ErrSignerZeroed)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(ed25519.PrivateKey{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestAddressPairing(t *testing.T) {
	s := testSigner(t)
	l1, l2 := s.L1Address(), s.L2Address()

	assert.True(t, strings.HasPrefix(l1, NamespaceL1))
	assert.True(t, strings.HasPrefix(l2, NamespaceL2))

	got, err := PairedAddress(l1)
	require.NoError(t, err)
	assert.Equal(t, l2, got)

	back, err := PairedAddress(l2)
	require.NoError(t, err)
	assert.Equal(t, l1, back)

	assert.True(t, MatchesKey(l1, s.PublicKey()))
	assert.True(t, MatchesKey(l2, s.PublicKey()))
}

func TestAccountKeyIgnoresNamespace(t *testing.T) {
	s := testSigner(t)
	assert.Equal(t, AccountKey(s.L1Address()), AccountKey(s.L2Address()))
	assert.Equal(t, s.L1Address()[2:], AccountKey(" "+s.L1Address()+" "))

	other, err := FromSeed(bytes.Repeat([]byte{4}, ed25519.SeedSize))
	require.NoError(t, err)
	assert.NotEqual(t, AccountKey(s.L2Address()), AccountKey(other.L2Address()))

	assert.Equal(t, "not-an-address", AccountKey(" not-an-address "))

	ns, err := Namespace(s.L2Address())
	require.NoError(t, err)
	assert.Equal(t, NamespaceL2, ns)
}

func TestPairedAddressRejectsGarbage(t *testing.T) {
	for _, addr := range []string{"", "l1", "x9abc", "l1!!!!", "l2" + strings.Repeat("1", 5)} {
		_, err := PairedAddress(addr)
		assert.ErrorIs(t, err, ErrInvalidAddress, addr)
	}
}

func TestCanonicalMessages(t *testing.T) {
	assert.Equal(t, "l2abc:42", AuthMessage("l2abc", 42))
	assert.Equal(t, "resolve:m1:1:42", ResolveMessage("m1", 1, 42))
	assert.Equal(t, "withdraw:l2abc:100:n-1:42", WithdrawMessage("l2abc", 100, "n-1", 42))

	msg := RequestMessage("l1abc", "n-1", 42, []byte(`{"amount":1}`))
	parts := strings.Split(msg, ":")
	require.Len(t, parts, 4)
	assert.Len(t, parts[3], 64)
	assert.NotEqual(t, msg, RequestMessage("l1abc", "n-1", 42, []byte(`{"amount":2}`)))
}
