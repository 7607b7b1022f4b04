// Package market trades on the L2 prediction markets: quotes, buys, sells and
// the local caches of prices and positions they feed.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"bridge-core/internal/balance"
	"bridge-core/internal/credit"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/monitor"
	"bridge-core/internal/persistence"
	"bridge-core/internal/serial"
	"bridge-core/pkg/cache"
	"bridge-core/pkg/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidOutcome     = errors.New("outcome out of range")
	ErrMarketNotActive    = errors.New("market is not active")
	ErrInsufficientShares = errors.New("not enough shares held")
	ErrWrongAccount       = errors.New("address does not belong to the unlocked account")
	ErrQuoteSuperseded    = errors.New("quote superseded by a newer request")
)

const (
	DefaultQuoteTTL  = 2 * time.Second
	DefaultSlippage  = 0.02
	DefaultMarketTTL = 5 * time.Second
)

// Keys exposes the signer of the unlocked account.
type Keys interface {
	CurrentSigner() (ledger.Signer, error)
}

// CreditBook is the part of the credit manager trades draw on.
type CreditBook interface {
	Session(address string) (credit.Session, bool)
	ReserveBet(address string, amount int64) (string, error)
	CommitBet(address, reservation string, cost int64) error
	CancelBet(address, reservation string)
	RecordSell(address string, costBasisReleased, proceeds int64) error
}

type Config struct {
	QuoteTTL  time.Duration
	Slippage  float64
	MarketTTL time.Duration
}

type Deps struct {
	L2        *l2.Client
	Keys      Keys
	Credit    CreditBook
	Balances  *balance.Registry
	Positions *Positions
	Cache     cache.Cache
	Trades    *persistence.BatchWriter
	Serial    *serial.Queue
	Metrics   *monitor.Metrics
	Events    events.Publisher
}

type cachedMarket struct {
	market    l2.Market
	fetchedAt time.Time
	version   uint64
}

// Engine places trades for the unlocked account.
type Engine struct {
	cfg       Config
	l2        *l2.Client
	keys      Keys
	credit    CreditBook
	balances  *balance.Registry
	positions *Positions
	cache     cache.Cache
	trades    *persistence.BatchWriter
	serial    *serial.Queue
	metrics   *monitor.Metrics
	pub       events.Publisher
	now       func() time.Time

	mu       sync.Mutex
	markets  map[string]*cachedMarket
	inflight map[string]*inflightQuote
}

type inflightQuote struct {
	cancel context.CancelFunc
}

func NewEngine(cfg Config, d Deps) *Engine {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultQuoteTTL
	}
	if cfg.Slippage <= 0 {
		cfg.Slippage = DefaultSlippage
	}
	if cfg.MarketTTL <= 0 {
		cfg.MarketTTL = DefaultMarketTTL
	}
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.Serial == nil {
		d.Serial = serial.New(0)
	}
	if d.Cache == nil {
		d.Cache = cache.NewSharded()
	}
	if d.Positions == nil {
		d.Positions = NewPositions(nil)
	}
	return &Engine{
		cfg:       cfg,
		l2:        d.L2,
		keys:      d.Keys,
		credit:    d.Credit,
		balances:  d.Balances,
		positions: d.Positions,
		cache:     d.Cache,
		trades:    d.Trades,
		serial:    d.Serial,
		metrics:   d.Metrics,
		pub:       d.Events,
		now:       time.Now,
		markets:   make(map[string]*cachedMarket),
		inflight:  make(map[string]*inflightQuote),
	}
}

// Positions returns the position book.
func (e *Engine) Positions() *Positions { return e.positions }

// Market returns the market, from cache when fetched within MarketTTL.
func (e *Engine) Market(ctx context.Context, marketID string) (l2.Market, error) {
	e.mu.Lock()
	if cm, ok := e.markets[marketID]; ok && e.now().Sub(cm.fetchedAt) < e.cfg.MarketTTL {
		m := cm.market
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	m, err := e.l2.Market(ctx, marketID)
	if err != nil {
		return l2.Market{}, fmt.Errorf("load market %s: %w", marketID, err)
	}
	e.mu.Lock()
	cm := e.marketLocked(marketID)
	cm.market = m
	cm.fetchedAt = e.now()
	e.mu.Unlock()
	return m, nil
}

// Quote asks L2 what a buy would cost. Results are cached for QuoteTTL and
// dropped as soon as the market's prices move.
func (e *Engine) Quote(ctx context.Context, marketID string, outcome int, amount int64) (l2.Quote, error) {
	if amount <= 0 {
		return l2.Quote{}, ErrInvalidAmount
	}
	if outcome < 0 {
		return l2.Quote{}, ErrInvalidOutcome
	}
	key := e.quoteKey(marketID, outcome, amount)
	if raw, ok := e.cache.Get(ctx, key); ok {
		var q l2.Quote
		if err := json.Unmarshal(raw, &q); err == nil {
			e.metrics.CacheResult(e.cache.Name(), true)
			return q, nil
		}
	}
	e.metrics.CacheResult(e.cache.Name(), false)

	q, err := e.l2.Quote(ctx, marketID, l2.QuoteRequest{Outcome: outcome, Amount: amount})
	if err != nil {
		return l2.Quote{}, err
	}
	if raw, err := json.Marshal(q); err == nil {
		e.cache.Set(ctx, key, raw, e.cfg.QuoteTTL)
	}
	return q, nil
}

// QuoteLatest is Quote for interactive callers: a newer request under the
// same key abandons the previous one, which returns ErrQuoteSuperseded.
func (e *Engine) QuoteLatest(ctx context.Context, key, marketID string, outcome int, amount int64) (l2.Quote, error) {
	qctx, cancel := context.WithCancel(ctx)
	mine := &inflightQuote{cancel: cancel}

	e.mu.Lock()
	if prev, ok := e.inflight[key]; ok {
		prev.cancel()
	}
	e.inflight[key] = mine
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.inflight[key] == mine {
			delete(e.inflight, key)
		}
		e.mu.Unlock()
		cancel()
	}()

	q, err := e.Quote(qctx, marketID, outcome, amount)
	if qctx.Err() != nil && ctx.Err() == nil {
		return l2.Quote{}, ErrQuoteSuperseded
	}
	return q, err
}

// Buy spends amount on outcome. Funds come from the open credit session when
// there is one, otherwise from the L2 available balance.
func (e *Engine) Buy(ctx context.Context, address, marketID string, outcome int, amount int64) (res l2.BetResult, err error) {
	defer func() { e.metrics.CountTrade("buy", err) }()
	if amount <= 0 {
		return l2.BetResult{}, ErrInvalidAmount
	}
	if err := e.checkAccount(address); err != nil {
		return l2.BetResult{}, err
	}
	err = e.serial.Do(ctx, address, func() error {
		var inner error
		res, inner = e.buy(ctx, address, marketID, outcome, amount)
		return inner
	})
	return res, err
}

func (e *Engine) buy(ctx context.Context, address, marketID string, outcome int, amount int64) (l2.BetResult, error) {
	m, err := e.activeMarket(ctx, marketID, outcome)
	if err != nil {
		return l2.BetResult{}, err
	}

	var (
		sessionID   string
		reservation string
		holdID      string
		view        *balance.Manager
	)
	if e.credit != nil {
		if s, ok := e.credit.Session(address); ok {
			sessionID = s.ID
		}
	}
	view, err = e.balances.GetOrCreate(address, events.LedgerL2)
	if err != nil {
		return l2.BetResult{}, err
	}
	if sessionID != "" {
		if reservation, err = e.credit.ReserveBet(address, amount); err != nil {
			return l2.BetResult{}, err
		}
	} else {
		if err := view.EnsureSynced(ctx); err != nil {
			return l2.BetResult{}, err
		}
		if holdID, err = view.Hold("bet", amount, false); err != nil {
			return l2.BetResult{}, fmt.Errorf("%w: %w", ledger.ErrInsufficientBalance, err)
		}
	}
	undo := func() {
		if reservation != "" {
			e.credit.CancelBet(address, reservation)
		}
		if holdID != "" {
			view.Drop(holdID)
		}
	}

	q, err := e.Quote(ctx, marketID, outcome, amount)
	if err != nil {
		undo()
		return l2.BetResult{}, err
	}
	cost := q.Cost
	if cost <= 0 {
		cost = amount
	}
	req := l2.BetRequest{
		Outcome:         outcome,
		Amount:          amount,
		MaxCost:         int64(math.Ceil(float64(cost) * (1 + e.cfg.Slippage))),
		BetID:           uuid.NewString(),
		CreditSessionID: sessionID,
	}

	var res l2.BetResult
	err = e.serial.Send(ctx, func(ctx context.Context) error {
		var sendErr error
		res, sendErr = e.l2.Bet(ctx, marketID, req)
		return sendErr
	})
	if err != nil {
		undo()
		log.Warn().Err(err).Str("bet_id", req.BetID).Str("market_id", marketID).Msg("bet failed")
		return l2.BetResult{}, err
	}

	if _, err := e.positions.RecordBuy(ctx, address, marketID, outcome, len(m.Prices), res.Shares, res.Cost, sessionID); err != nil {
		log.Warn().Err(err).Str("bet_id", res.BetID).Msg("persist position failed")
	}
	e.updatePrices(marketID, res.NewPrices, "")
	if reservation != "" {
		if err := e.credit.CommitBet(address, reservation, res.Cost); err != nil {
			log.Warn().Err(err).Str("bet_id", res.BetID).Msg("commit credit reservation failed")
		}
	}
	view.Apply(balance.Snapshot{Available: res.Balance.Available, Locked: res.Balance.Locked})
	e.logTrade(db.Trade{
		TradeID: res.BetID, Address: address, MarketID: marketID, Side: db.SideBuy,
		Outcome: outcome, Shares: res.Shares, Amount: res.Cost, CreditSessionID: sessionID,
	})

	log.Info().Str("bet_id", res.BetID).Str("market_id", marketID).Int("outcome", outcome).
		Int64("cost", res.Cost).Float64("shares", res.Shares).Bool("credit", sessionID != "").Msg("bet placed")
	e.pub.Publish(events.BetPlaced{
		BetID:    res.BetID,
		Address:  address,
		MarketID: marketID,
		Outcome:  outcome,
		Cost:     res.Cost,
		Shares:   res.Shares,
		AvgPrice: res.AvgPrice,
	})
	return res, nil
}

// Sell returns shares of outcome to the pool. Proceeds of positions opened on
// credit are booked against the credit session.
func (e *Engine) Sell(ctx context.Context, address, marketID string, outcome int, shares float64) (res l2.SellResult, err error) {
	defer func() { e.metrics.CountTrade("sell", err) }()
	if shares <= 0 || math.IsNaN(shares) || math.IsInf(shares, 0) {
		return l2.SellResult{}, ErrInvalidAmount
	}
	if err := e.checkAccount(address); err != nil {
		return l2.SellResult{}, err
	}
	err = e.serial.Do(ctx, address, func() error {
		var inner error
		res, inner = e.sell(ctx, address, marketID, outcome, shares)
		return inner
	})
	return res, err
}

func (e *Engine) sell(ctx context.Context, address, marketID string, outcome int, shares float64) (l2.SellResult, error) {
	if _, err := e.activeMarket(ctx, marketID, outcome); err != nil {
		return l2.SellResult{}, err
	}
	pos, ok := e.positions.Get(address, marketID)
	held := 0.0
	if ok && outcome < len(pos.Shares) {
		held = pos.Shares[outcome]
	}
	if shares > held+shareEpsilon {
		return l2.SellResult{}, fmt.Errorf("%w: want %.6f, hold %.6f", ErrInsufficientShares, shares, held)
	}

	req := l2.SellRequest{Outcome: outcome, Shares: shares, SellID: uuid.NewString()}
	var res l2.SellResult
	err := e.serial.Send(ctx, func(ctx context.Context) error {
		var sendErr error
		res, sendErr = e.l2.Sell(ctx, marketID, req)
		return sendErr
	})
	if err != nil {
		log.Warn().Err(err).Str("sell_id", req.SellID).Str("market_id", marketID).Msg("sell failed")
		return l2.SellResult{}, err
	}

	released, _, err := e.positions.RecordSell(ctx, address, marketID, outcome, res.Shares)
	if err != nil {
		log.Warn().Err(err).Str("sell_id", res.SellID).Msg("persist position failed")
	}
	if pos.CreditSessionID != "" && e.credit != nil {
		if s, open := e.credit.Session(address); open && s.ID == pos.CreditSessionID {
			if err := e.credit.RecordSell(address, released, res.Proceeds); err != nil {
				log.Warn().Err(err).Str("sell_id", res.SellID).Msg("record credit sell failed")
			}
		}
	}
	e.updatePrices(marketID, res.NewPrices, "")
	if view, err := e.balances.GetOrCreate(address, events.LedgerL2); err == nil {
		view.Apply(balance.Snapshot{Available: res.Balance.Available, Locked: res.Balance.Locked})
	}
	e.logTrade(db.Trade{
		TradeID: res.SellID, Address: address, MarketID: marketID, Side: db.SideSell,
		Outcome: outcome, Shares: res.Shares, Amount: res.Proceeds, CreditSessionID: pos.CreditSessionID,
	})

	log.Info().Str("sell_id", res.SellID).Str("market_id", marketID).Int("outcome", outcome).
		Float64("shares", res.Shares).Int64("proceeds", res.Proceeds).Int64("released", released).Msg("shares sold")
	e.pub.Publish(events.SharesSold{
		SellID:   res.SellID,
		Address:  address,
		MarketID: marketID,
		Outcome:  outcome,
		Shares:   res.Shares,
		Proceeds: res.Proceeds,
	})
	return res, nil
}

// ApplyEvent reconciles the caches with a pushed event.
func (e *Engine) ApplyEvent(ev events.Event) {
	switch ev := ev.(type) {
	case events.MarketUpdated:
		e.updatePrices(ev.MarketID, ev.Prices, ev.Status)
		if len(ev.Reserves) > 0 {
			e.mu.Lock()
			e.marketLocked(ev.MarketID).market.Reserves = append([]float64(nil), ev.Reserves...)
			e.mu.Unlock()
		}
	case events.BetPlaced:
		e.invalidate(ev.MarketID)
	case events.SharesSold:
		e.invalidate(ev.MarketID)
	case events.BalanceUpdated:
		if ev.Ledger != events.LedgerL2 || e.balances == nil {
			return
		}
		if view := e.balances.Get(ev.Address, events.LedgerL2); view != nil {
			view.Apply(balance.Snapshot{Available: ev.Available, Locked: ev.Locked})
		}
	case events.SessionSettled:
		if n := e.positions.DropSession(context.Background(), ev.Address, ev.SessionID); n > 0 {
			log.Info().Str("session_id", ev.SessionID).Int("positions", n).Msg("credit positions liquidated")
		}
	case events.LockCreated, events.DepositClaimed, events.LockReleased,
		events.WithdrawalRequested, events.WithdrawalCompleted, events.WithdrawalStalled,
		events.SessionOpened, events.CreditSessionExpiring,
		events.CustodyLocked, events.SignedOut, events.ServiceDegraded:
		// no market state
	default:
		log.Warn().Str("kind", string(ev.Kind())).Msg("market engine: unhandled event")
	}
}

func (e *Engine) checkAccount(address string) error {
	sg, err := e.keys.CurrentSigner()
	if err != nil {
		return err
	}
	if sg.L2Address() != address {
		return ErrWrongAccount
	}
	return nil
}

func (e *Engine) activeMarket(ctx context.Context, marketID string, outcome int) (l2.Market, error) {
	m, err := e.Market(ctx, marketID)
	if err != nil {
		return l2.Market{}, err
	}
	if m.Status != l2.MarketActive {
		return l2.Market{}, fmt.Errorf("%w: %s is %s", ErrMarketNotActive, marketID, m.Status)
	}
	if outcome < 0 || outcome >= len(m.Prices) {
		return l2.Market{}, fmt.Errorf("%w: %d", ErrInvalidOutcome, outcome)
	}
	return m, nil
}

// updatePrices stores new prices (and status when set) and drops cached quotes.
func (e *Engine) updatePrices(marketID string, prices []float64, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cm := e.marketLocked(marketID)
	if len(prices) > 0 {
		cm.market.Prices = append([]float64(nil), prices...)
	}
	if status != "" {
		cm.market.Status = status
		if len(cm.market.Prices) > 0 {
			cm.fetchedAt = e.now()
		}
	}
	cm.version++
}

func (e *Engine) invalidate(marketID string) {
	e.mu.Lock()
	e.marketLocked(marketID).version++
	e.mu.Unlock()
}

func (e *Engine) marketLocked(marketID string) *cachedMarket {
	cm, ok := e.markets[marketID]
	if !ok {
		cm = &cachedMarket{market: l2.Market{ID: marketID}}
		e.markets[marketID] = cm
	}
	return cm
}

func (e *Engine) quoteKey(marketID string, outcome int, amount int64) string {
	e.mu.Lock()
	v := e.marketLocked(marketID).version
	e.mu.Unlock()
	return fmt.Sprintf("quote:%s:v%d:%d:%d", marketID, v, outcome, amount)
}

func (e *Engine) logTrade(t db.Trade) {
	if e.trades == nil {
		return
	}
	t.CreatedAt = e.now()
	if err := e.trades.WriteQuery("trades", db.InsertTradeSQL, t.Args()...); err != nil {
		log.Warn().Err(err).Str("trade_id", t.TradeID).Msg("trade log write failed")
	}
}
