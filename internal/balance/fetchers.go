package balance

import (
	"context"

	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
)

// L1Fetcher reads confirmed balances from the custody ledger.
func L1Fetcher(c *l1.Client) Fetcher {
	return FetcherFunc(func(ctx context.Context, address string) (Snapshot, error) {
		b, err := c.Balance(ctx, address)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Available: b.Available, Locked: b.Locked}, nil
	})
}

// L2Fetcher reads confirmed balances from the trading ledger.
func L2Fetcher(c *l2.Client) Fetcher {
	return FetcherFunc(func(ctx context.Context, address string) (Snapshot, error) {
		b, err := c.Balance(ctx, address)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Available: b.Available, Locked: b.Locked}, nil
	})
}
