package l1_test

import (
	"context"
	"testing"
	"time"

	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/ledgertest"
	"bridge-core/internal/signer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T, b byte) *signer.Signer {
	t.Helper()
	seed := make([]byte, 32)
	seed[0] = b
	s, err := signer.FromSeed(seed)
	require.NoError(t, err)
	return s
}

func newClient(fake *ledgertest.L1) *l1.Client {
	return l1.New(ledger.NewTransport(ledger.Config{
		Name:         "l1",
		BaseURL:      fake.URL(),
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	}, nil))
}

func TestLockIsIdempotentByLockID(t *testing.T) {
	fake := ledgertest.NewL1()
	defer fake.Close()
	alice := newSigner(t, 1)
	fake.Fund(alice.L1Address(), 500)
	c := newClient(fake)
	ctx := context.Background()

	req := l1.LockRequest{LockID: "lock-1", Amount: 100, Reason: l1.ReasonBridge, TTL: time.Minute}
	first, err := c.Lock(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, l1.LockLocked, first.State)

	again, err := c.Lock(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, again.TxHash)

	bal, err := c.Balance(ctx, alice.L1Address())
	require.NoError(t, err)
	assert.Equal(t, int64(400), bal.Available)
	assert.Equal(t, int64(100), bal.Locked)
	assert.Equal(t, int64(500), bal.Total())
}

func TestLockRejectsInsufficientBalance(t *testing.T) {
	fake := ledgertest.NewL1()
	defer fake.Close()
	alice := newSigner(t, 1)
	fake.Fund(alice.L1Address(), 50)

	_, err := newClient(fake).Lock(context.Background(), alice, l1.LockRequest{LockID: "l", Amount: 100, Reason: l1.ReasonBridge})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestReleaseLockOnce(t *testing.T) {
	fake := ledgertest.NewL1()
	defer fake.Close()
	alice := newSigner(t, 1)
	fake.Fund(alice.L1Address(), 100)
	c := newClient(fake)
	ctx := context.Background()

	_, err := c.Lock(ctx, alice, l1.LockRequest{LockID: "lock-r", Amount: 100, Reason: l1.ReasonBridge})
	require.NoError(t, err)

	released, err := c.ReleaseLock(ctx, alice, "lock-r")
	require.NoError(t, err)
	assert.Equal(t, l1.LockReleased, released.State)

	_, err = c.ReleaseLock(ctx, alice, "lock-r")
	assert.ErrorIs(t, err, ledger.ErrLockAlreadyConsumed)

	_, err = c.ReleaseLock(ctx, alice, "missing")
	assert.ErrorIs(t, err, ledger.ErrLockNotFound)

	_, err = c.GetLock(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrLockNotFound)

	assert.Equal(t, int64(100), fake.BalanceOf(alice.L1Address()).Available)
}

func TestTransferAndLedger(t *testing.T) {
	fake := ledgertest.NewL1()
	defer fake.Close()
	alice, bob := newSigner(t, 1), newSigner(t, 2)
	fake.Fund(alice.L1Address(), 100)
	c := newClient(fake)
	ctx := context.Background()

	res, err := c.Transfer(ctx, alice, bob.L1Address(), 40, "n-1")
	require.NoError(t, err)
	replay, err := c.Transfer(ctx, alice, bob.L1Address(), 40, "n-1")
	require.NoError(t, err)
	assert.Equal(t, res.TxHash, replay.TxHash, "same nonce must not transfer twice")

	assert.Equal(t, int64(60), fake.BalanceOf(alice.L1Address()).Available)
	assert.Equal(t, int64(40), fake.BalanceOf(bob.L1Address()).Available)

	entries, err := c.Ledger(ctx, bob.L1Address())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(40), entries[0].Amount)
}

func TestMintAndHealth(t *testing.T) {
	fake := ledgertest.NewL1()
	defer fake.Close()
	admin, alice := newSigner(t, 9), newSigner(t, 1)
	c := newClient(fake)
	ctx := context.Background()

	_, err := c.Mint(ctx, admin, alice.L1Address(), 1000, "mint-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), fake.BalanceOf(alice.L1Address()).Available)
	assert.NoError(t, c.Health(ctx))
}

func TestZeroedSignerFailsBeforeNetwork(t *testing.T) {
	fake := ledgertest.NewL1()
	defer fake.Close()
	alice := newSigner(t, 1)
	alice.Zero()

	_, err := newClient(fake).Lock(context.Background(), alice, l1.LockRequest{LockID: "l", Amount: 1})
	assert.ErrorIs(t, err, signer.ErrSignerZeroed)
	assert.Equal(t, 0, fake.Calls("POST /locks"))
}
