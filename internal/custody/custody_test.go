package custody

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/signer"
	"bridge-core/pkg/crypto"
	"bridge-core/pkg/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var testKDF = crypto.KDFParams{Time: 1, MemoryKB: 64, Threads: 1}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore map[string]*db.Vault

func (s memStore) GetVault(_ context.Context, identity string) (*db.Vault, error) {
	v, ok := s[identity]
	if !ok {
		return nil, db.ErrNotFound
	}
	return v, nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock, *events.Bus) {
	t.Helper()
	v, err := SealVault("default", testPhrase, []byte("correct horse"), testKDF)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	return NewManager(cfg, memStore{"default": &v}, clock, bus), clock, bus
}

func TestWrongSecretRetainsNothing(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	ok, err := m.Unlock(context.Background(), []byte("wrong"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateLocked, m.State())

	active, hard := m.Deadlines()
	assert.True(t, active.IsZero())
	assert.True(t, hard.IsZero())

	_, ok = m.SigningMaterial()
	assert.False(t, ok)
}

func TestFailedAttemptsAreThrottled(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{})
	ctx := context.Background()

	ok, err := m.Unlock(ctx, []byte("wrong"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.Unlock(ctx, []byte("correct horse"))
	assert.ErrorIs(t, err, ErrUnlockThrottled)

	clock.Advance(time.Second)
	ok, err = m.Unlock(ctx, []byte("correct horse"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentWrongSecretsShareOneAttempt(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	const callers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		rejected  int
		throttled int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Unlock(ctx, []byte("wrong"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrUnlockThrottled):
				throttled++
			case err == nil && !ok:
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rejected)
	assert.Equal(t, callers-1, throttled)
	m.mu.Lock()
	assert.Equal(t, 1, m.failedAttempts)
	m.mu.Unlock()
}

func TestFailedAttemptBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{6, 32 * time.Second},
		{10, 32 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failedAttemptBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestActiveWindowExpiresWithoutActivity(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{})
	ok, err := m.Unlock(context.Background(), []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(11 * time.Minute)
	_, ok = m.SigningMaterial()
	assert.False(t, ok)
	assert.Equal(t, StateLocked, m.State())
}

func TestActivityAtMinuteNineKeepsWindowOpen(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{})
	ok, err := m.Unlock(context.Background(), []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(9 * time.Minute)
	m.RecordActivity()

	clock.Advance(6 * time.Minute) // minute 15
	mat, ok := m.SigningMaterial()
	require.True(t, ok)
	assert.Equal(t, m.Address(), mat.L1Address())

	// Using the material was itself activity: window now ends at minute 25.
	clock.Advance(10 * time.Minute)
	_, ok = m.SigningMaterial()
	assert.False(t, ok)
}

func TestPeekDoesNotExtendActiveWindow(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{})
	ok, err := m.Unlock(context.Background(), []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 9; i++ {
		clock.Advance(time.Minute)
		_, ok = m.Peek()
		require.True(t, ok, "minute %d", i+1)
		_, err = m.CurrentSigner()
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)
	_, ok = m.Peek()
	assert.False(t, ok)
	_, err = m.CurrentSigner()
	assert.ErrorIs(t, err, ErrVaultLocked)
	assert.Equal(t, StateLocked, m.State())
}

func TestHardDeadlineIsNotExtendedByActivity(t *testing.T) {
	m, clock, bus := newTestManager(t, Config{})
	signedOut, unsub := bus.Subscribe(events.KindSignedOut, 1)
	defer unsub()

	var hooks int
	m.OnSignOut(func() { hooks++ })

	ok, err := m.Unlock(context.Background(), []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)
	_, hard := m.Deadlines()

	for i := 0; i < 11; i++ {
		clock.Advance(5 * time.Minute)
		m.RecordActivity()
	}
	_, ok = m.SigningMaterial()
	require.True(t, ok, "minute 55 is inside both timers")
	_, stillHard := m.Deadlines()
	assert.Equal(t, hard, stillHard)

	clock.Advance(5 * time.Minute) // minute 60
	_, ok = m.SigningMaterial()
	assert.False(t, ok)
	assert.Equal(t, StateSignedOut, m.State())
	assert.Equal(t, 1, hooks)
	assert.Len(t, signedOut, 1)
}

func TestCeilingWinsOverLongerActiveWindow(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{ActiveWindow: 2 * time.Hour, InactivityCeiling: time.Hour})
	ok, err := m.Unlock(context.Background(), []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(59 * time.Minute)
	_, ok = m.SigningMaterial()
	require.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = m.SigningMaterial()
	assert.False(t, ok)
	assert.Equal(t, StateSignedOut, m.State())
}

func TestReUnlockDoesNotMoveRunningHardDeadline(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{})
	ctx := context.Background()

	ok, err := m.Unlock(ctx, []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)
	_, hard := m.Deadlines()

	clock.Advance(11 * time.Minute)
	require.Equal(t, StateLocked, m.State())

	ok, err = m.Unlock(ctx, []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)
	_, again := m.Deadlines()
	assert.Equal(t, hard, again)

	// After sign-out a fresh unlock starts a new ceiling.
	clock.Advance(50 * time.Minute)
	assert.Equal(t, StateSignedOut, m.State())
	ok, err = m.Unlock(ctx, []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)
	_, fresh := m.Deadlines()
	assert.Equal(t, clock.Now().Add(DefaultInactivityCeiling), fresh)
}

func TestLargeValueAlwaysRequiresFreshUnlock(t *testing.T) {
	m, _, _ := newTestManager(t, Config{LargeValueThreshold: 1000})
	ctx := context.Background()
	ok, err := m.Unlock(ctx, []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.Authorize(ctx, 1000, nil)
	assert.ErrorIs(t, err, ErrReauthRequired)

	_, err = m.Authorize(ctx, 5000, nil)
	assert.ErrorIs(t, err, ErrReauthRequired)

	_, err = m.Authorize(ctx, 1000, []byte("nope"))
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestLargeValueSignsAfterReauth(t *testing.T) {
	m, clock, _ := newTestManager(t, Config{LargeValueThreshold: 1000})
	ctx := context.Background()
	ok, err := m.Unlock(ctx, []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)

	mat, err := m.Authorize(ctx, 999, nil)
	require.NoError(t, err)
	small, err := mat.SignHex("small")
	require.NoError(t, err)
	assert.True(t, signer.Verify(mat.PublicKeyHex(), "small", small))

	clock.Advance(2 * time.Second)
	mat, err = m.Authorize(ctx, 1000, []byte("correct horse"))
	require.NoError(t, err)
	sig, err := mat.SignHex("large")
	require.NoError(t, err)
	assert.True(t, signer.Verify(mat.PublicKeyHex(), "large", sig))
}

func TestLockZeroesHandedOutMaterial(t *testing.T) {
	m, _, bus := newTestManager(t, Config{})
	locked, unsub := bus.Subscribe(events.KindCustodyLocked, 1)
	defer unsub()

	ok, err := m.Unlock(context.Background(), []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)
	mat, ok := m.SigningMaterial()
	require.True(t, ok)

	m.Lock()
	_, err = mat.Sign("after lock")
	assert.ErrorIs(t, err, signer.ErrSignerZeroed)
	_, err = m.Authorize(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrVaultLocked)
	assert.Len(t, locked, 1)
}

func TestUnlockWithoutVault(t *testing.T) {
	m := NewManager(Config{}, memStore{}, &fakeClock{}, nil)
	_, err := m.Unlock(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrVaultNotFound)
}

func TestWatchSignsOutAtCeiling(t *testing.T) {
	m, clock, bus := newTestManager(t, Config{TickInterval: 5 * time.Millisecond})
	signedOut, unsub := bus.Subscribe(events.KindSignedOut, 1)
	defer unsub()

	ok, err := m.Unlock(context.Background(), []byte("correct horse"))
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	clock.Advance(61 * time.Minute)
	select {
	case ev := <-signedOut:
		assert.Equal(t, "inactivity ceiling reached", ev.(events.SignedOut).Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not sign out")
	}
}

func TestSealVaultRejectsBadPhrase(t *testing.T) {
	_, err := SealVault("default", "not a phrase", []byte("s"), testKDF)
	assert.ErrorIs(t, err, ErrInvalidPhrase)

	v, err := SealVault("default", "  ABANDON abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about ", []byte("s"), testKDF)
	require.NoError(t, err)
	assert.Equal(t, "l1", v.L1Address[:2])
	assert.Equal(t, "l2"+v.L1Address[2:], v.L2Address)
}
