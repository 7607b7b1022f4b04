package market

import (
	"context"
	"errors"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger/l2"

	"github.com/rs/zerolog/log"
)

// Feed forwards the L2 push stream into the engine's caches and onto the bus.
type Feed struct {
	Stream *l2.Stream
	Engine *Engine
	Bus    events.Publisher
	// Markets are re-read every PollInterval to close gaps in the stream.
	Markets      []string
	PollInterval time.Duration
}

// Start runs the stream and the polling fallback until ctx ends.
func (f *Feed) Start(ctx context.Context) {
	if f.Stream == nil || f.Engine == nil {
		log.Warn().Msg("market feed not fully configured; skipping start")
		return
	}
	if f.Bus == nil {
		f.Bus = events.Discard{}
	}

	go func() {
		err := f.Stream.Run(ctx, f.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("market feed stopped")
		}
	}()
	if len(f.Markets) > 0 {
		go f.pollSnapshots(ctx)
	}
}

func (f *Feed) handle(ev events.Event) {
	f.Engine.ApplyEvent(ev)
	f.Bus.Publish(ev)
}

func (f *Feed) pollSnapshots(ctx context.Context) {
	interval := f.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Poll(ctx)
		}
	}
}

// Poll re-reads the watched markets once.
func (f *Feed) Poll(ctx context.Context) {
	for _, id := range f.Markets {
		m, err := f.Engine.l2.Market(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("market_id", id).Msg("market snapshot failed")
			continue
		}
		f.handle(events.MarketUpdated{MarketID: m.ID, Status: m.Status, Prices: m.Prices, Reserves: m.Reserves})
	}
}
