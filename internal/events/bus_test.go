package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOutByKind(t *testing.T) {
	bus := NewBus()
	locks, unsubLocks := bus.Subscribe(KindLockCreated, 4)
	defer unsubLocks()
	all, unsubAll := bus.SubscribeAll(4)
	defer unsubAll()

	bus.Publish(LockCreated{LockID: "l1", Amount: 100})
	bus.Publish(BalanceUpdated{Address: "l1a", Ledger: LedgerL1, Available: 5})

	select {
	case ev := <-locks:
		assert.Equal(t, "l1", ev.(LockCreated).LockID)
	case <-time.After(time.Second):
		t.Fatal("lock event not delivered")
	}
	assert.Len(t, locks, 0, "balance event must not reach lock subscribers")
	assert.Len(t, all, 2)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(KindSignedOut, 1)
	defer unsub()

	bus.Publish(SignedOut{Reason: "a"})
	bus.Publish(SignedOut{Reason: "b"})

	assert.Equal(t, "a", (<-ch).(SignedOut).Reason)
	assert.Len(t, ch, 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(KindMarketUpdated, 1)
	unsub()
	_, open := <-ch
	assert.False(t, open)
	bus.Publish(MarketUpdated{MarketID: "m"})
}

func TestFrameRoundTrip(t *testing.T) {
	raw, err := Encode(DepositClaimed{LockID: "lock-7", L2Address: "l2x", Amount: 100})
	require.NoError(t, err)

	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, DepositClaimed{LockID: "lock-7", L2Address: "l2x", Amount: 100}, ev)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"order.filled","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte(`{"type":"balance.updated","data":{"available":"x"}}`))
	assert.Error(t, err)
}
