package bridge

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/ledgertest"
	"bridge-core/internal/signer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func otherAccount(namespace string) string {
	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize))
	return signer.AddressFor(key.Public().(ed25519.PublicKey), namespace)
}

func TestTransferPaysOnceAfterLostReply(t *testing.T) {
	h := ledgertest.NewHarness(t, ledgertest.HarnessConfig{})
	c := newCoordinator(t, h, t.TempDir())
	ctx := context.Background()
	h.FakeL1.Fund(h.L1Address(), 100)
	to := otherAccount(signer.NamespaceL1)

	h.FakeL1.LoseRepliesNext("POST /transfer", 1)
	res, err := c.Transfer(ctx, TransferRequest{To: to, Amount: 40})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, 2, h.FakeL1.Calls("POST /transfer"))

	assert.Equal(t, int64(60), h.FakeL1.BalanceOf(h.L1Address()).Available)
	assert.Equal(t, int64(40), h.FakeL1.BalanceOf(to).Available)

	view := h.Balances.Get(h.L1Address(), events.LedgerL1)
	require.NotNil(t, view)
	assert.Equal(t, int64(60), view.Confirmed().Available)
	assert.Empty(t, view.View().Pending)

	entries, err := c.History(ctx, to)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(40), entries[0].Amount)
}

func TestTransferRejectsBeforeNetwork(t *testing.T) {
	h := ledgertest.NewHarness(t, ledgertest.HarnessConfig{})
	c := newCoordinator(t, h, t.TempDir())
	ctx := context.Background()
	h.FakeL1.Fund(h.L1Address(), 10)

	for name, to := range map[string]string{
		"l2 target": otherAccount(signer.NamespaceL2),
		"garbage":   "nobody",
		"self":      h.L1Address(),
	} {
		_, err := c.Transfer(ctx, TransferRequest{To: to, Amount: 5})
		assert.ErrorIs(t, err, signer.ErrInvalidAddress, name)
	}

	_, err := c.Transfer(ctx, TransferRequest{To: otherAccount(signer.NamespaceL1), Amount: 50})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = c.History(ctx, h.L2Address())
	assert.ErrorIs(t, err, signer.ErrInvalidAddress)
	assert.Equal(t, 0, h.FakeL1.Calls("POST /transfer"))
}

func TestMintCreditsOwnAccount(t *testing.T) {
	h := ledgertest.NewHarness(t, ledgertest.HarnessConfig{})
	c := newCoordinator(t, h, t.TempDir())

	_, err := c.Mint(context.Background(), TransferRequest{To: h.L1Address(), Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(500), h.FakeL1.BalanceOf(h.L1Address()).Available)

	view := h.Balances.Get(h.L1Address(), events.LedgerL1)
	require.NotNil(t, view)
	assert.Equal(t, int64(500), view.Confirmed().Available)
}
