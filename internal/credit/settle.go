package credit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/pkg/db"

	"github.com/rs/zerolog/log"
)

// Settle closes the open session of the unlocked account. The L2 figure is
// authoritative; a different local P&L is logged and reported.
func (m *Manager) Settle(ctx context.Context) (Settlement, error) {
	mat, err := m.keys.Authorize(ctx, 0, nil)
	if err != nil {
		return Settlement{}, err
	}
	return m.settle(ctx, mat.L2Address(), false)
}

func (m *Manager) settle(ctx context.Context, address string, forced bool) (res Settlement, err error) {
	defer func() { m.metrics.CountCredit("settle", err) }()

	s, ok := m.Session(address)
	if !ok {
		return Settlement{}, ErrNoSession
	}
	err = m.serial.Do(ctx, s.Owner, func() error {
		var remote l2.Settlement
		err := m.serial.Send(ctx, func(ctx context.Context) error {
			var err error
			remote, err = m.l2.SettleCredit(ctx, s.ID)
			return err
		})
		if err != nil {
			return fmt.Errorf("settle credit on L2: %w", err)
		}

		m.mu.Lock()
		cur, ok := m.sessions[address]
		if ok && cur.ID == s.ID {
			s = *cur
			delete(m.sessions, address)
		}
		m.mu.Unlock()

		res = Settlement{SessionID: s.ID, NetPnL: remote.NetPnL, LocalPnL: s.RealizedPnL, Forced: forced}
		if res.NetPnL != res.LocalPnL {
			log.Warn().
				Str("session_id", s.ID).
				Int64("net_pnl", res.NetPnL).
				Int64("local_pnl", res.LocalPnL).
				Msg("credit settlement differs from local P&L, using ledger figure")
		}

		s.Status = l2.CreditSettled
		m.persist(ctx, s, res.NetPnL)
		if err := m.store.UpdateLockState(ctx, s.LockID, l1.LockClaimed); err != nil && !errors.Is(err, db.ErrNotFound) {
			log.Warn().Err(err).Str("lock_id", s.LockID).Msg("persist settled credit lock failed")
		}

		if view, err := m.balances.GetOrCreate(s.Owner, events.LedgerL1); err == nil {
			if err := view.Sync(ctx); err != nil {
				log.Debug().Err(err).Msg("post-settle L1 balance sync failed")
			}
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	m.pub.Publish(events.SessionSettled{
		SessionID: res.SessionID,
		Address:   address,
		NetPnL:    res.NetPnL,
		LocalPnL:  res.LocalPnL,
		Forced:    forced,
	})
	log.Info().Str("session_id", res.SessionID).Int64("net_pnl", res.NetPnL).Bool("forced", forced).Msg("credit session settled")
	return res, nil
}

// Watch warns about sessions close to expiry that still hold positions and
// force-settles expired ones.
func (m *Manager) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckExpiry(ctx)
		}
	}
}

// CheckExpiry runs one watch pass.
func (m *Manager) CheckExpiry(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var due, warn []Session
	for _, s := range m.sessions {
		switch {
		case !now.Before(s.ExpiresAt):
			due = append(due, *s)
		case !s.warned && !now.Before(s.ExpiresAt.Add(-m.cfg.ExpiryWarning)):
			warn = append(warn, *s)
		}
	}
	m.mu.Unlock()

	for _, s := range warn {
		open, err := m.openPositions(ctx, s)
		if err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("count credit positions failed")
			continue
		}
		m.mu.Lock()
		if cur, ok := m.sessions[s.Address]; ok && cur.ID == s.ID {
			cur.warned = true
		}
		m.mu.Unlock()
		if open == 0 {
			continue
		}
		m.pub.Publish(events.CreditSessionExpiring{
			SessionID:     s.ID,
			Address:       s.Address,
			ExpiresAt:     s.ExpiresAt,
			OpenPositions: open,
		})
		log.Warn().Str("session_id", s.ID).Int("open_positions", open).Time("expires_at", s.ExpiresAt).Msg("credit session expiring with open positions")
	}

	for _, s := range due {
		if _, err := m.settle(ctx, s.Address, true); err != nil {
			log.Error().Err(err).Str("session_id", s.ID).Msg("forced credit settlement failed")
		}
	}
}

func (m *Manager) openPositions(ctx context.Context, s Session) (int, error) {
	positions, err := m.store.Queries().GetPositionsByAddress(ctx, s.Address)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range positions {
		if p.CreditSessionID != s.ID {
			continue
		}
		for _, sh := range p.Shares {
			if sh > 0 {
				n++
				break
			}
		}
	}
	return n, nil
}

// Load restores the open session of the unlocked account from the database
// and refreshes it from L2.
func (m *Manager) Load(ctx context.Context, owner, address string) error {
	rec, err := m.store.Queries().GetOpenCreditSession(ctx, address)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.sessions[address]; !ok {
		m.sessions[address] = &Session{
			ID:           rec.SessionID,
			Address:      rec.Address,
			Owner:        owner,
			LockID:       rec.LockID,
			CreditLimit:  rec.CreditLimit,
			UsedCredit:   rec.UsedCredit,
			RealizedPnL:  rec.RealizedPnL,
			ExpiresAt:    rec.ExpiresAt,
			Status:       rec.Status,
			CreatedAt:    rec.CreatedAt,
			reservations: make(map[string]int64),
		}
	}
	m.mu.Unlock()
	return m.Sync(ctx, address)
}

// Sync overwrites the confirmed figures of the local session with L2's.
// Outstanding reservations stay local.
func (m *Manager) Sync(ctx context.Context, address string) error {
	s, ok := m.Session(address)
	if !ok {
		return nil
	}
	remote, err := m.l2.CreditSession(ctx, address)
	if err != nil {
		var terminal *ledger.TerminalError
		if !errors.As(err, &terminal) || terminal.Status != http.StatusNotFound {
			return fmt.Errorf("read credit session: %w", err)
		}
		remote = l2.CreditSession{}
	}

	m.mu.Lock()
	cur, ok := m.sessions[address]
	if !ok || cur.ID != s.ID {
		m.mu.Unlock()
		return nil
	}
	if remote.SessionID != s.ID || remote.Status != l2.CreditOpen {
		// Settled elsewhere, e.g. by the ledger at expiry.
		delete(m.sessions, address)
		cur.Status = l2.CreditSettled
		snap := *cur
		m.mu.Unlock()
		m.persist(ctx, snap, snap.RealizedPnL)
		return nil
	}
	cur.UsedCredit = remote.UsedCredit
	cur.RealizedPnL = remote.RealizedPnL
	cur.ExpiresAt = remote.ExpiresAt
	snap := *cur
	m.mu.Unlock()
	m.persist(ctx, snap, 0)
	return nil
}

// Sessions returns copies of every open session.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}
