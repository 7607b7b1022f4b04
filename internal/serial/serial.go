// Package serial runs mutating ledger requests one at a time per address.
package serial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bridge-core/internal/signer"

	"golang.org/x/sync/semaphore"
)

// DefaultSendTimeout bounds a request once it has been handed to the network.
const DefaultSendTimeout = 30 * time.Second

// Queue hands out a weight-1 semaphore per address. Entries are dropped when
// no caller holds or waits on them.
type Queue struct {
	mu     sync.Mutex
	byKey  map[string]*entry
	sendTO time.Duration
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// New creates a queue. sendTimeout <= 0 uses DefaultSendTimeout.
func New(sendTimeout time.Duration) *Queue {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Queue{byKey: make(map[string]*entry), sendTO: sendTimeout}
}

// Acquire waits for the account slot of address. An L1 address and its L2
// twin share one slot. Waiting honours ctx cancellation. The returned
// release must be called exactly once.
func (q *Queue) Acquire(ctx context.Context, address string) (func(), error) {
	key := signer.AccountKey(address)
	q.mu.Lock()
	e, ok := q.byKey[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		q.byKey[key] = e
	}
	e.refs++
	q.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		q.unref(key, e)
		return nil, fmt.Errorf("wait for %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			q.unref(key, e)
		})
	}, nil
}

func (q *Queue) unref(key string, e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.refs--
	if e.refs == 0 && q.byKey[key] == e {
		delete(q.byKey, key)
	}
}

// Do runs fn while holding the address slot.
func (q *Queue) Do(ctx context.Context, address string, fn func() error) error {
	release, err := q.Acquire(ctx, address)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Send detaches ctx from the caller's cancellation and bounds it with the
// send timeout. A request that has left the process is never abandoned
// half way because the UI went away.
func (q *Queue) Send(ctx context.Context, fn func(ctx context.Context) error) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.sendTO)
	defer cancel()
	return fn(sendCtx)
}

// Pending returns how many addresses currently have holders or waiters.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}
