// Package db provides sqlite persistence with address-scoped queries.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAddressRequired = errors.New("address is required for data isolation")
	ErrNotFound        = errors.New("record not found")
)

// AddressQueries provides queries that are always scoped to one account address.
type AddressQueries struct {
	db *sql.DB
}

// NewAddressQueries creates a new AddressQueries instance.
func NewAddressQueries(db *sql.DB) *AddressQueries {
	return &AddressQueries{db: db}
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

// GetPositionsByAddress returns all cached positions for an address.
func (q *AddressQueries) GetPositionsByAddress(ctx context.Context, address string) ([]Position, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT address, market_id, shares, cost_basis, COALESCE(credit_session_id, ''), updated_at
		FROM positions
		WHERE address = ?
		ORDER BY market_id
	`, address)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var (
			p       Position
			shares  string
			updated int64
		)
		if err := rows.Scan(&p.Address, &p.MarketID, &shares, &p.CostBasis, &p.CreditSessionID, &updated); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if err := json.Unmarshal([]byte(shares), &p.Shares); err != nil {
			return nil, fmt.Errorf("decode shares: %w", err)
		}
		p.UpdatedAt = fromMillis(updated)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpsertPosition creates or replaces the position for (address, market).
func (q *AddressQueries) UpsertPosition(ctx context.Context, p Position) error {
	if p.Address == "" {
		return ErrAddressRequired
	}
	shares, err := json.Marshal(p.Shares)
	if err != nil {
		return fmt.Errorf("encode shares: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO positions (address, market_id, shares, cost_basis, credit_session_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, market_id) DO UPDATE SET
			shares = excluded.shares,
			cost_basis = excluded.cost_basis,
			credit_session_id = excluded.credit_session_id,
			updated_at = excluded.updated_at
	`, p.Address, p.MarketID, string(shares), p.CostBasis, p.CreditSessionID, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (q *AddressQueries) DeletePosition(ctx context.Context, address, marketID string) error {
	if address == "" {
		return ErrAddressRequired
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM positions WHERE address = ? AND market_id = ?`, address, marketID)
	return err
}

// ----------------------------------------
// Credit Session Queries
// ----------------------------------------

// SaveCreditSession inserts or updates a credit session.
func (q *AddressQueries) SaveCreditSession(ctx context.Context, s CreditSession) error {
	if s.Address == "" {
		return ErrAddressRequired
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credit_sessions (session_id, address, lock_id, credit_limit, used_credit, locked_in_bets,
			realized_pnl, net_pnl, status, expires_at, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			used_credit = excluded.used_credit,
			locked_in_bets = excluded.locked_in_bets,
			realized_pnl = excluded.realized_pnl,
			net_pnl = excluded.net_pnl,
			status = excluded.status,
			settled_at = excluded.settled_at
	`, s.SessionID, s.Address, s.LockID, s.CreditLimit, s.UsedCredit, s.LockedInBets,
		s.RealizedPnL, s.NetPnL, s.Status, toMillis(s.ExpiresAt), toMillis(s.CreatedAt), toMillis(s.SettledAt))
	if err != nil {
		return fmt.Errorf("save credit session: %w", err)
	}
	return nil
}

// GetOpenCreditSession returns the open session for an address, or ErrNotFound.
func (q *AddressQueries) GetOpenCreditSession(ctx context.Context, address string) (*CreditSession, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}
	row := q.db.QueryRowContext(ctx, creditSelect+` WHERE address = ? AND status = 'open' LIMIT 1`, address)
	s, err := scanCreditSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit session: %w", err)
	}
	return s, nil
}

// ListCreditSessionsByAddress returns the session history for an address, newest first.
func (q *AddressQueries) ListCreditSessionsByAddress(ctx context.Context, address string, limit int) ([]CreditSession, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, creditSelect+` WHERE address = ? ORDER BY created_at DESC LIMIT ?`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("query credit sessions: %w", err)
	}
	defer rows.Close()

	var out []CreditSession
	for rows.Next() {
		s, err := scanCreditSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const creditSelect = `
	SELECT session_id, address, lock_id, credit_limit, used_credit, locked_in_bets, realized_pnl, net_pnl,
		status, expires_at, created_at, settled_at
	FROM credit_sessions`

func scanCreditSession(r rowScanner) (*CreditSession, error) {
	var (
		s                         CreditSession
		expires, created, settled int64
	)
	if err := r.Scan(&s.SessionID, &s.Address, &s.LockID, &s.CreditLimit, &s.UsedCredit, &s.LockedInBets,
		&s.RealizedPnL, &s.NetPnL, &s.Status, &expires, &created, &settled); err != nil {
		return nil, err
	}
	s.ExpiresAt = fromMillis(expires)
	s.CreatedAt = fromMillis(created)
	s.SettledAt = fromMillis(settled)
	return &s, nil
}

// ----------------------------------------
// Withdrawal Queries
// ----------------------------------------

// GetWithdrawalsByAddress returns withdrawals for an address, newest first.
func (q *AddressQueries) GetWithdrawalsByAddress(ctx context.Context, address string, limit int) ([]Withdrawal, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, withdrawalSelect+` WHERE from_address = ? ORDER BY created_at DESC LIMIT ?`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("query withdrawals: %w", err)
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

// GetLocksByOwner returns locks owned by an address.
func (q *AddressQueries) GetLocksByOwner(ctx context.Context, owner string) ([]Lock, error) {
	if owner == "" {
		return nil, ErrAddressRequired
	}
	rows, err := q.db.QueryContext(ctx, lockSelect+` WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// GetTradesByAddress returns executed trades for an address, newest first.
func (q *AddressQueries) GetTradesByAddress(ctx context.Context, address string, limit int) ([]Trade, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT trade_id, address, market_id, side, outcome, shares, amount, COALESCE(credit_session_id, ''), created_at
		FROM trades
		WHERE address = ?
		ORDER BY created_at DESC, trade_id
		LIMIT ?
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var (
			t       Trade
			created int64
		)
		if err := rows.Scan(&t.TradeID, &t.Address, &t.MarketID, &t.Side, &t.Outcome, &t.Shares, &t.Amount, &t.CreditSessionID, &created); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.CreatedAt = fromMillis(created)
		out = append(out, t)
	}
	return out, rows.Err()
}
