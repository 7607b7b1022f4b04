// Package balance keeps per-address, per-ledger balance views. Confirmed
// numbers come only from server snapshots; local in-flight effects live in a
// pending overlay that every snapshot discards.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bridge-core/internal/events"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrInsufficientAvailable = errors.New("insufficient available balance")

// Snapshot is a confirmed balance as reported by the authoritative ledger.
type Snapshot struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

func (s Snapshot) Total() int64 { return s.Available + s.Locked }

// Pending is a local, unconfirmed delta shown on top of the confirmed snapshot.
type Pending struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
}

// View is what the API renders: the ledger that owns the numbers,
// the confirmed snapshot and the pending entries layered over it.
type View struct {
	Address   string        `json:"address"`
	Ledger    events.Ledger `json:"ledger"`
	Confirmed Snapshot      `json:"confirmed"`
	Pending   []Pending     `json:"pending"`
	Effective Snapshot      `json:"effective"`
	SyncedAt  time.Time     `json:"synced_at"`
}

// Fetcher reads the confirmed balance of an address from its ledger.
type Fetcher interface {
	FetchBalance(ctx context.Context, address string) (Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, address string) (Snapshot, error)

func (f FetcherFunc) FetchBalance(ctx context.Context, address string) (Snapshot, error) {
	return f(ctx, address)
}

// Manager owns the balance view of one address on one ledger.
type Manager struct {
	address      string
	ledger       events.Ledger
	fetch        Fetcher
	pub          events.Publisher
	syncInterval time.Duration

	mu        sync.RWMutex
	confirmed Snapshot
	synced    time.Time
	pending   []Pending
}

// NewManager creates a balance manager. A nil fetcher disables Sync.
func NewManager(address string, ledger events.Ledger, fetch Fetcher, syncInterval time.Duration, pub events.Publisher) *Manager {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Manager{
		address:      address,
		ledger:       ledger,
		fetch:        fetch,
		pub:          pub,
		syncInterval: syncInterval,
	}
}

func (m *Manager) Address() string       { return m.address }
func (m *Manager) Ledger() events.Ledger { return m.ledger }

// Start begins periodic balance sync.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		log.Warn().Err(err).Str("address", m.address).Str("ledger", string(m.ledger)).Msg("initial balance sync failed")
	}
	if m.syncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					log.Error().Err(err).Str("address", m.address).Str("ledger", string(m.ledger)).Msg("balance sync error")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the confirmed balance and applies it.
func (m *Manager) Sync(ctx context.Context) error {
	if m.fetch == nil {
		return nil
	}
	snap, err := m.fetch.FetchBalance(ctx, m.address)
	if err != nil {
		return fmt.Errorf("fetch %s balance: %w", m.ledger, err)
	}
	m.Apply(snap)
	return nil
}

// EnsureSynced syncs once if no snapshot has been applied yet.
func (m *Manager) EnsureSynced(ctx context.Context) error {
	m.mu.RLock()
	synced := !m.synced.IsZero()
	m.mu.RUnlock()
	if synced {
		return nil
	}
	return m.Sync(ctx)
}

// Apply replaces the confirmed snapshot and discards the pending overlay.
// It is the only way Available+Locked changes.
func (m *Manager) Apply(snap Snapshot) {
	m.mu.Lock()
	prev := m.confirmed
	m.confirmed = snap
	m.synced = time.Now()
	dropped := len(m.pending)
	m.pending = nil
	m.mu.Unlock()

	log.Debug().
		Str("address", m.address).
		Str("ledger", string(m.ledger)).
		Int64("available", snap.Available).
		Int64("locked", snap.Locked).
		Int("pending_dropped", dropped).
		Msg("balance snapshot applied")

	if prev != snap {
		m.pub.Publish(events.BalanceUpdated{
			Address:   m.address,
			Ledger:    m.ledger,
			Available: snap.Available,
			Locked:    snap.Locked,
		})
	}
}

// Confirmed returns the last server snapshot.
func (m *Manager) Confirmed() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.confirmed
}

// Available is the confirmed available balance net of pending holds.
func (m *Manager) Available() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effectiveLocked().Available
}

// Hold records a pending debit of amount from available, moving it to
// locked when toLocked is set. It fails if the effective available balance
// cannot cover amount.
func (m *Manager) Hold(kind string, amount int64, toLocked bool) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("hold %s: amount must be positive", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	eff := m.effectiveLocked()
	if amount > eff.Available {
		return "", fmt.Errorf("%w: need %d, have %d on %s", ErrInsufficientAvailable, amount, eff.Available, m.ledger)
	}
	p := Pending{ID: uuid.NewString(), Kind: kind, Available: -amount, CreatedAt: time.Now()}
	if toLocked {
		p.Locked = amount
	}
	m.pending = append(m.pending, p)
	return p.ID, nil
}

// Expect records a pending credit, e.g. sell proceeds not yet confirmed.
func (m *Manager) Expect(kind string, amount int64) string {
	p := Pending{ID: uuid.NewString(), Kind: kind, Available: amount, CreatedAt: time.Now()}
	m.mu.Lock()
	m.pending = append(m.pending, p)
	m.mu.Unlock()
	return p.ID
}

// Drop removes one pending entry. Unknown ids are ignored; the entry may
// already have been discarded by a snapshot.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// View returns the current balance view.
func (m *Manager) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return View{
		Address:   m.address,
		Ledger:    m.ledger,
		Confirmed: m.confirmed,
		Pending:   append([]Pending(nil), m.pending...),
		Effective: m.effectiveLocked(),
		SyncedAt:  m.synced,
	}
}

func (m *Manager) effectiveLocked() Snapshot {
	eff := m.confirmed
	for _, p := range m.pending {
		eff.Available += p.Available
		eff.Locked += p.Locked
	}
	return eff
}
