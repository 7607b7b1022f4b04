package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	clockResync = 30 * time.Minute
	// Samples with a slower round trip than this are too noisy to trust.
	clockMaxRTT = 2 * time.Second
)

// ledgerClock estimates the skew between the local clock and a ledger's, so
// the timestamps we sign fall inside the ledger's acceptance window.
type ledgerClock struct {
	fetch  func(ctx context.Context) (int64, error)
	offset atomic.Int64 // ledger minus local, milliseconds
	rtt    atomic.Int64 // round trip of the accepted sample, milliseconds
}

func newLedgerClock(fetch func(ctx context.Context) (int64, error)) *ledgerClock {
	return &ledgerClock{fetch: fetch}
}

// run samples once synchronously, then every clockResync until ctx ends.
func (c *ledgerClock) run(ctx context.Context, name string) {
	if err := c.sample(ctx); err != nil {
		log.Warn().Err(err).Str("ledger", name).Msg("clock sample failed")
	}
	go func() {
		ticker := time.NewTicker(clockResync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.sample(ctx); err != nil {
					log.Warn().Err(err).Str("ledger", name).Msg("clock sample failed")
				}
			}
		}
	}()
}

func (c *ledgerClock) sample(ctx context.Context) error {
	sent := time.Now()
	remote, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	rtt := time.Since(sent)
	if rtt > clockMaxRTT {
		log.Debug().Dur("rtt", rtt).Msg("clock sample discarded")
		return nil
	}
	midpoint := sent.Add(rtt / 2).UnixMilli()
	c.offset.Store(remote - midpoint)
	c.rtt.Store(rtt.Milliseconds())
	log.Debug().Int64("offset_ms", remote-midpoint).Dur("rtt", rtt).Msg("ledger clock sampled")
	return nil
}

// now is the local time shifted onto the ledger's clock, in unix millis.
func (c *ledgerClock) now() int64 {
	if c == nil {
		return time.Now().UnixMilli()
	}
	return time.Now().UnixMilli() + c.offset.Load()
}

func (c *ledgerClock) skew() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.offset.Load()) * time.Millisecond
}
