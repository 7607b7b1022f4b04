// Package credit manages credit sessions: L1 collateral locked for a bounded
// time, spent on L2 as credit, and settled back to L1 with the net P&L.
package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bridge-core/internal/balance"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/monitor"
	"bridge-core/internal/serial"
	"bridge-core/pkg/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionAlreadyOpen = errors.New("credit session already open")
	ErrNoSession          = errors.New("no open credit session")
	ErrCreditExceeded     = errors.New("credit limit exceeded")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrUnknownReservation = errors.New("unknown bet reservation")
)

const (
	DefaultLockTTL       = 24 * time.Hour
	DefaultExpiryWarning = 5 * time.Minute
	DefaultWatchInterval = 30 * time.Second

	codeSessionAlreadyOpen = "SESSION_ALREADY_OPEN"
)

// Keys hands out signing material under custody rules.
type Keys interface {
	Authorize(ctx context.Context, amount int64, secret []byte) (*custody.Material, error)
}

// Config tunes the manager.
type Config struct {
	LockTTL       time.Duration
	ExpiryWarning time.Duration
	WatchInterval time.Duration
}

// Deps are the collaborators of a Manager.
type Deps struct {
	L1       *l1.Client
	L2       *l2.Client
	Keys     Keys
	Store    *db.Database
	Balances *balance.Registry
	Serial   *serial.Queue
	Metrics  *monitor.Metrics
	Events   events.Publisher
}

// Session is the local view of a credit session.
// UsedCredit+LockedInBets never exceeds CreditLimit.
type Session struct {
	ID           string    `json:"session_id"`
	Address      string    `json:"address"`
	Owner        string    `json:"owner"`
	LockID       string    `json:"lock_id"`
	CreditLimit  int64     `json:"credit_limit"`
	UsedCredit   int64     `json:"used_credit"`
	LockedInBets int64     `json:"locked_in_bets"`
	RealizedPnL  int64     `json:"realized_pnl"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`

	reservations map[string]int64
	warned       bool
}

// Headroom is the credit still available for new bets.
func (s Session) Headroom() int64 { return s.CreditLimit - s.UsedCredit - s.LockedInBets }

// Settlement is the outcome of closing a session.
type Settlement struct {
	SessionID string `json:"session_id"`
	NetPnL    int64  `json:"net_pnl"`
	LocalPnL  int64  `json:"local_pnl"`
	Forced    bool   `json:"forced"`
}

// Manager runs credit sessions, one open session per address.
type Manager struct {
	cfg      Config
	l1       *l1.Client
	l2       *l2.Client
	keys     Keys
	store    *db.Database
	balances *balance.Registry
	serial   *serial.Queue
	metrics  *monitor.Metrics
	pub      events.Publisher
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // by L2 address
}

// NewManager creates a credit manager.
func NewManager(cfg Config, d Deps) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.ExpiryWarning <= 0 {
		cfg.ExpiryWarning = DefaultExpiryWarning
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.Serial == nil {
		d.Serial = serial.New(0)
	}
	return &Manager{
		cfg:      cfg,
		l1:       d.L1,
		l2:       d.L2,
		keys:     d.Keys,
		store:    d.Store,
		balances: d.Balances,
		serial:   d.Serial,
		metrics:  d.Metrics,
		pub:      d.Events,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Open locks amount on L1 as collateral and opens a credit session on L2.
func (m *Manager) Open(ctx context.Context, amount int64, secret []byte) (s Session, err error) {
	defer func() { m.metrics.CountCredit("open", err) }()

	if amount <= 0 {
		return Session{}, ErrInvalidAmount
	}
	mat, err := m.keys.Authorize(ctx, amount, secret)
	if err != nil {
		return Session{}, err
	}
	err = m.serial.Do(ctx, mat.L1Address(), func() error {
		s, err = m.open(ctx, mat, amount)
		return err
	})
	return s, err
}

func (m *Manager) open(ctx context.Context, mat *custody.Material, amount int64) (Session, error) {
	owner, address := mat.L1Address(), mat.L2Address()
	if _, ok := m.Session(address); ok {
		return Session{}, ErrSessionAlreadyOpen
	}

	view, err := m.balances.GetOrCreate(owner, events.LedgerL1)
	if err != nil {
		return Session{}, err
	}
	if err := view.EnsureSynced(ctx); err != nil {
		return Session{}, err
	}
	hold, err := view.Hold("credit", amount, true)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ledger.ErrInsufficientBalance, err)
	}

	lockID := uuid.NewString()
	var lock l1.Lock
	err = m.serial.Send(ctx, func(ctx context.Context) error {
		lock, err = m.l1.Lock(ctx, mat, l1.LockRequest{
			LockID: lockID,
			Amount: amount,
			Reason: l1.ReasonCredit,
			TTL:    m.cfg.LockTTL,
		})
		return err
	})
	if err != nil {
		view.Drop(hold)
		return Session{}, fmt.Errorf("lock collateral: %w", err)
	}
	if err := m.store.UpsertLock(ctx, db.Lock{
		LockID:    lockID,
		Owner:     owner,
		Amount:    amount,
		Reason:    l1.ReasonCredit,
		L1TxHash:  lock.TxHash,
		State:     l1.LockLocked,
		CreatedAt: lock.CreatedAt,
		ExpiresAt: lock.ExpiresAt,
	}); err != nil {
		log.Warn().Err(err).Str("lock_id", lockID).Msg("persist credit lock failed")
	}

	var remote l2.CreditSession
	err = m.serial.Send(ctx, func(ctx context.Context) error {
		remote, err = m.l2.OpenCredit(ctx, l2.OpenCreditRequest{Address: address, LockID: lockID, Amount: amount})
		return err
	})
	if err != nil {
		m.releaseCollateral(ctx, mat, lockID)
		var terminal *ledger.TerminalError
		if errors.As(err, &terminal) && terminal.Code == codeSessionAlreadyOpen {
			return Session{}, ErrSessionAlreadyOpen
		}
		return Session{}, fmt.Errorf("open credit on L2: %w", err)
	}

	s := &Session{
		ID:           remote.SessionID,
		Address:      address,
		Owner:        owner,
		LockID:       lockID,
		CreditLimit:  remote.CreditLimit,
		ExpiresAt:    remote.ExpiresAt,
		Status:       l2.CreditOpen,
		CreatedAt:    m.now(),
		reservations: make(map[string]int64),
	}
	m.mu.Lock()
	m.sessions[address] = s
	snap := *s
	m.mu.Unlock()
	m.persist(ctx, snap, 0)

	m.pub.Publish(events.SessionOpened{SessionID: s.ID, Address: address, CreditLimit: s.CreditLimit, ExpiresAt: s.ExpiresAt})
	log.Info().Str("session_id", s.ID).Int64("credit_limit", s.CreditLimit).Time("expires_at", s.ExpiresAt).Msg("credit session opened")
	if err := view.Sync(ctx); err != nil {
		log.Debug().Err(err).Msg("post-open balance sync failed")
	}
	return snap, nil
}

// releaseCollateral undoes the L1 lock when L2 refused the session.
func (m *Manager) releaseCollateral(ctx context.Context, mat *custody.Material, lockID string) {
	err := m.serial.Send(ctx, func(ctx context.Context) error {
		_, err := m.l1.ReleaseLock(ctx, mat, lockID)
		return err
	})
	if err != nil && !errors.Is(err, ledger.ErrLockNotFound) {
		log.Error().Err(err).Str("lock_id", lockID).Msg("release of unused credit collateral failed, lock expires on its own")
		return
	}
	_ = m.store.UpdateLockState(ctx, lockID, l1.LockReleased)
}

// Session returns a copy of the open session of address.
func (m *Manager) Session(address string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[address]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ReserveBet sets amount aside from the credit headroom before a bet is sent.
func (m *Manager) ReserveBet(address string, amount int64) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[address]
	if !ok {
		return "", ErrNoSession
	}
	if s.UsedCredit+s.LockedInBets+amount > s.CreditLimit {
		return "", fmt.Errorf("%w: need %d, headroom %d", ErrCreditExceeded, amount, s.Headroom())
	}
	id := uuid.NewString()
	s.LockedInBets += amount
	s.reservations[id] = amount
	return id, nil
}

// CommitBet turns a reservation into used credit at the confirmed cost.
func (m *Manager) CommitBet(address, reservation string, cost int64) error {
	m.mu.Lock()
	s, ok := m.sessions[address]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	reserved, ok := s.reservations[reservation]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownReservation
	}
	delete(s.reservations, reservation)
	s.LockedInBets -= reserved
	s.UsedCredit += cost
	breached := s.UsedCredit+s.LockedInBets > s.CreditLimit
	snap := *s
	m.mu.Unlock()

	m.persist(context.Background(), snap, 0)
	if !breached {
		return nil
	}
	// The ledger accepted more than was reserved; its numbers win, but the
	// breach is reported and the caller told.
	m.pub.Publish(events.CreditLimitBreached{
		SessionID:    snap.ID,
		Address:      snap.Address,
		CreditLimit:  snap.CreditLimit,
		UsedCredit:   snap.UsedCredit,
		LockedInBets: snap.LockedInBets,
	})
	log.Warn().Str("session_id", snap.ID).Int64("cost", cost).Int64("reserved", reserved).Msg("committed bet cost exceeds credit limit")
	return fmt.Errorf("%w: used %d + locked %d over limit %d", ErrCreditExceeded, snap.UsedCredit, snap.LockedInBets, snap.CreditLimit)
}

// CancelBet returns a reservation to the headroom.
func (m *Manager) CancelBet(address, reservation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[address]
	if !ok {
		return
	}
	if reserved, ok := s.reservations[reservation]; ok {
		delete(s.reservations, reservation)
		s.LockedInBets -= reserved
	}
}

// RecordSell releases costBasis from used credit and books the P&L.
func (m *Manager) RecordSell(address string, costBasisReleased, proceeds int64) error {
	m.mu.Lock()
	s, ok := m.sessions[address]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	s.UsedCredit -= costBasisReleased
	if s.UsedCredit < 0 {
		s.UsedCredit = 0
	}
	s.RealizedPnL += proceeds - costBasisReleased
	snap := *s
	m.mu.Unlock()

	m.persist(context.Background(), snap, 0)
	return nil
}

func (m *Manager) persist(ctx context.Context, s Session, net int64) {
	rec := db.CreditSession{
		SessionID:    s.ID,
		Address:      s.Address,
		LockID:       s.LockID,
		CreditLimit:  s.CreditLimit,
		UsedCredit:   s.UsedCredit,
		LockedInBets: s.LockedInBets,
		RealizedPnL:  s.RealizedPnL,
		NetPnL:       net,
		Status:       s.Status,
		ExpiresAt:    s.ExpiresAt,
		CreatedAt:    s.CreatedAt,
	}
	if s.Status == l2.CreditSettled {
		rec.SettledAt = m.now()
	}
	if err := m.store.Queries().SaveCreditSession(ctx, rec); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("persist credit session failed")
	}
}
