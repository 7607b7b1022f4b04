package serial

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bridge-core/internal/signer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameAddressRunsOneAtATime(t *testing.T) {
	q := New(0)
	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(context.Background(), "l1alice", func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
	assert.Equal(t, 0, q.Pending())
}

func TestDifferentAddressesDoNotBlock(t *testing.T) {
	q := New(0)
	release, err := q.Acquire(context.Background(), "l1alice")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := q.Acquire(ctx, "l1bob")
	require.NoError(t, err)
	other()
}

func TestPairedAddressesShareOneSlot(t *testing.T) {
	s, err := signer.FromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize))
	require.NoError(t, err)
	q := New(0)

	release, err := q.Acquire(context.Background(), s.L2Address())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Acquire(ctx, s.L1Address())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Pending())

	release()
	next, err := q.Acquire(context.Background(), s.L1Address())
	require.NoError(t, err)
	next()
	assert.Equal(t, 0, q.Pending())
}

func TestWaitingHonoursCancellation(t *testing.T) {
	q := New(0)
	release, err := q.Acquire(context.Background(), "l1alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = q.Acquire(ctx, "l1alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, q.Pending())
}

func TestSendIgnoresCallerCancellation(t *testing.T) {
	q := New(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Send(ctx, func(sendCtx context.Context) error {
		assert.NoError(t, sendCtx.Err())
		_, ok := sendCtx.Deadline()
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}
