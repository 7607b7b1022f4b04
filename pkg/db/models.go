package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Vault is the persisted recovery envelope. Only ciphertext and KDF inputs are stored.
type Vault struct {
	Identity     string
	L1Address    string
	L2Address    string
	PublicKey    string
	SealedPhrase string
	Salt         []byte
	KDFTime      uint32
	KDFMemoryKB  uint32
	KDFThreads   uint8
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Lock mirrors a soft lock placed on L1.
type Lock struct {
	LockID      string
	Owner       string
	Amount      int64
	Reason      string
	ReferenceID string
	L1TxHash    string
	State       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}

// Withdrawal tracks an L2 burn awaiting L1 settlement. The signed request
// fields are kept so an unanswered submission can be sent again unchanged.
type Withdrawal struct {
	Nonce       string
	FromAddress string
	Amount      int64
	Status      string
	Detail      string
	L1TxHash    string
	PublicKey   string
	Signature   string
	SignedAt    int64 // ledger time in unix millis
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreditSession is the persisted form of a credit session.
type CreditSession struct {
	SessionID    string
	Address      string
	LockID       string
	CreditLimit  int64
	UsedCredit   int64
	LockedInBets int64
	RealizedPnL  int64
	NetPnL       int64
	Status       string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	SettledAt    time.Time
}

// Position is a cached market position keyed by (address, market).
type Position struct {
	Address         string
	MarketID        string
	Shares          []float64
	CostBasis       int64
	CreditSessionID string
	UpdatedAt       time.Time
}

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is one executed bet or sell. Amount is the cost for buys and the
// proceeds for sells.
type Trade struct {
	TradeID         string
	Address         string
	MarketID        string
	Side            string
	Outcome         int
	Shares          float64
	Amount          int64
	CreditSessionID string
	CreatedAt       time.Time
}

// InsertTradeSQL is executed through the batched writer; replays of the same
// trade id are ignored.
const InsertTradeSQL = `INSERT OR IGNORE INTO trades
	(trade_id, address, market_id, side, outcome, shares, amount, credit_session_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Args returns the InsertTradeSQL arguments for t.
func (t Trade) Args() []any {
	return []any{t.TradeID, t.Address, t.MarketID, t.Side, t.Outcome, t.Shares, t.Amount, t.CreditSessionID, toMillis(t.CreatedAt)}
}

// ----------------------------------------
// Vaults
// ----------------------------------------

// SaveVault inserts or replaces the vault for an identity.
func (d *Database) SaveVault(ctx context.Context, v Vault) error {
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO vaults (identity, l1_address, l2_address, public_key, sealed_phrase, salt,
			kdf_time, kdf_memory_kb, kdf_threads, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			l1_address = excluded.l1_address,
			l2_address = excluded.l2_address,
			public_key = excluded.public_key,
			sealed_phrase = excluded.sealed_phrase,
			salt = excluded.salt,
			kdf_time = excluded.kdf_time,
			kdf_memory_kb = excluded.kdf_memory_kb,
			kdf_threads = excluded.kdf_threads,
			updated_at = excluded.updated_at
	`, v.Identity, v.L1Address, v.L2Address, v.PublicKey, v.SealedPhrase, v.Salt,
		v.KDFTime, v.KDFMemoryKB, v.KDFThreads, toMillis(v.CreatedAt), toMillis(now))
	if err != nil {
		return fmt.Errorf("save vault: %w", err)
	}
	return nil
}

// GetVault loads the vault for an identity. Returns ErrNotFound if absent.
func (d *Database) GetVault(ctx context.Context, identity string) (*Vault, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT identity, l1_address, l2_address, public_key, sealed_phrase, salt,
			kdf_time, kdf_memory_kb, kdf_threads, created_at, updated_at
		FROM vaults WHERE identity = ?
	`, identity)

	var (
		v                Vault
		created, updated int64
	)
	err := row.Scan(&v.Identity, &v.L1Address, &v.L2Address, &v.PublicKey, &v.SealedPhrase, &v.Salt,
		&v.KDFTime, &v.KDFMemoryKB, &v.KDFThreads, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault: %w", err)
	}
	v.CreatedAt = fromMillis(created)
	v.UpdatedAt = fromMillis(updated)
	return &v, nil
}

// ListVaultIdentities returns every stored identity.
func (d *Database) ListVaultIdentities(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT identity FROM vaults ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----------------------------------------
// Locks
// ----------------------------------------

// UpsertLock records a lock, keeping the original creation time.
func (d *Database) UpsertLock(ctx context.Context, l Lock) error {
	now := time.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO locks (lock_id, owner, amount, reason, reference_id, l1_tx_hash, state, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lock_id) DO UPDATE SET
			state = excluded.state,
			l1_tx_hash = CASE WHEN excluded.l1_tx_hash != '' THEN excluded.l1_tx_hash ELSE locks.l1_tx_hash END,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, l.LockID, l.Owner, l.Amount, l.Reason, l.ReferenceID, l.L1TxHash, l.State,
		toMillis(l.CreatedAt), toMillis(l.ExpiresAt), toMillis(now))
	if err != nil {
		return fmt.Errorf("upsert lock: %w", err)
	}
	return nil
}

// UpdateLockState moves a lock to a new state.
func (d *Database) UpdateLockState(ctx context.Context, lockID, state string) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE locks SET state = ?, updated_at = ? WHERE lock_id = ?`,
		state, toMillis(time.Now()), lockID)
	if err != nil {
		return fmt.Errorf("update lock state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLock returns a lock by id.
func (d *Database) GetLock(ctx context.Context, lockID string) (*Lock, error) {
	row := d.DB.QueryRowContext(ctx, lockSelect+` WHERE lock_id = ?`, lockID)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

// ListLocksByState returns locks in any of the given states, oldest first.
func (d *Database) ListLocksByState(ctx context.Context, states ...string) ([]Lock, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := lockSelect + ` WHERE state IN (?` + repeatPlaceholders(len(states)-1) + `) ORDER BY created_at`
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
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

const lockSelect = `
	SELECT lock_id, owner, amount, reason, COALESCE(reference_id, ''), l1_tx_hash, state,
		created_at, expires_at, updated_at
	FROM locks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(r rowScanner) (*Lock, error) {
	var (
		l                         Lock
		created, expires, updated int64
	)
	if err := r.Scan(&l.LockID, &l.Owner, &l.Amount, &l.Reason, &l.ReferenceID, &l.L1TxHash, &l.State,
		&created, &expires, &updated); err != nil {
		return nil, err
	}
	l.CreatedAt = fromMillis(created)
	l.ExpiresAt = fromMillis(expires)
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// ----------------------------------------
// Withdrawals
// ----------------------------------------

// CreateWithdrawal stores a new withdrawal record.
func (d *Database) CreateWithdrawal(ctx context.Context, w Withdrawal) error {
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO withdrawals (nonce, from_address, amount, status, detail, l1_tx_hash,
			public_key, signature, signed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.Nonce, w.FromAddress, w.Amount, w.Status, w.Detail, w.L1TxHash,
		w.PublicKey, w.Signature, w.SignedAt, toMillis(w.CreatedAt), toMillis(now))
	if err != nil {
		return fmt.Errorf("create withdrawal: %w", err)
	}
	return nil
}

// UpdateWithdrawalStatus sets status, detail and (when known) the L1 settlement hash.
func (d *Database) UpdateWithdrawalStatus(ctx context.Context, nonce, status, detail, l1TxHash string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE withdrawals SET status = ?, detail = ?,
			l1_tx_hash = CASE WHEN ? != '' THEN ? ELSE l1_tx_hash END,
			updated_at = ?
		WHERE nonce = ?
	`, status, detail, l1TxHash, l1TxHash, toMillis(time.Now()), nonce)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWithdrawal returns a withdrawal by nonce.
func (d *Database) GetWithdrawal(ctx context.Context, nonce string) (*Withdrawal, error) {
	row := d.DB.QueryRowContext(ctx, withdrawalSelect+` WHERE nonce = ?`, nonce)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	return w, nil
}

// ListWithdrawalsByStatus returns withdrawals in the given status, oldest first.
func (d *Database) ListWithdrawalsByStatus(ctx context.Context, status string) ([]Withdrawal, error) {
	rows, err := d.DB.QueryContext(ctx, withdrawalSelect+` WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()
	return collectWithdrawals(rows)
}

const withdrawalSelect = `
	SELECT nonce, from_address, amount, status, COALESCE(detail, ''), l1_tx_hash,
		public_key, signature, signed_at, created_at, updated_at
	FROM withdrawals`

func scanWithdrawal(r rowScanner) (*Withdrawal, error) {
	var (
		w                Withdrawal
		created, updated int64
	)
	if err := r.Scan(&w.Nonce, &w.FromAddress, &w.Amount, &w.Status, &w.Detail, &w.L1TxHash,
		&w.PublicKey, &w.Signature, &w.SignedAt, &created, &updated); err != nil {
		return nil, err
	}
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	return &w, nil
}

func collectWithdrawals(rows *sql.Rows) ([]Withdrawal, error) {
	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
