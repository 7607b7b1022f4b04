package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Timestamps are stored as unix milliseconds.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS vaults (
    identity TEXT PRIMARY KEY,
    l1_address TEXT NOT NULL,
    l2_address TEXT NOT NULL,
    public_key TEXT NOT NULL,
    sealed_phrase TEXT NOT NULL,
    salt BLOB NOT NULL,
    kdf_time INTEGER NOT NULL,
    kdf_memory_kb INTEGER NOT NULL,
    kdf_threads INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS locks (
    lock_id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    amount INTEGER NOT NULL,
    reason TEXT NOT NULL,
    reference_id TEXT,
    state TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_locks_owner_state ON locks(owner, state);

CREATE TABLE IF NOT EXISTS withdrawals (
    nonce TEXT PRIMARY KEY,
    from_address TEXT NOT NULL,
    amount INTEGER NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_withdrawals_address ON withdrawals(from_address);

CREATE TABLE IF NOT EXISTS credit_sessions (
    session_id TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    lock_id TEXT NOT NULL,
    credit_limit INTEGER NOT NULL,
    used_credit INTEGER NOT NULL DEFAULT 0,
    locked_in_bets INTEGER NOT NULL DEFAULT 0,
    realized_pnl INTEGER NOT NULL DEFAULT 0,
    net_pnl INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    settled_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_credit_address_status ON credit_sessions(address, status);

CREATE TABLE IF NOT EXISTS positions (
    address TEXT NOT NULL,
    market_id TEXT NOT NULL,
    shares TEXT NOT NULL,
    cost_basis INTEGER NOT NULL,
    credit_session_id TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY(address, market_id)
);

CREATE TABLE IF NOT EXISTS trades (
    trade_id TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    market_id TEXT NOT NULL,
    side TEXT NOT NULL,
    outcome INTEGER NOT NULL,
    shares REAL NOT NULL,
    amount INTEGER NOT NULL,
    credit_session_id TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_address ON trades(address, created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "locks", "l1_tx_hash", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "withdrawals", "l1_tx_hash", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	for _, col := range []struct{ name, def string }{
		{"public_key", "TEXT NOT NULL DEFAULT ''"},
		{"signature", "TEXT NOT NULL DEFAULT ''"},
		{"signed_at", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := ensureColumn(d.DB, "withdrawals", col.name, col.def); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// requiredTables lists the tables the core reads and writes.
var requiredTables = []string{"vaults", "locks", "withdrawals", "credit_sessions", "positions", "trades"}

// VerifySchema reports tables that are missing after migrations ran, for
// example when DB_PATH points at a file written by another program.
func VerifySchema(d *Database) error {
	var missing []string
	for _, table := range requiredTables {
		var name string
		err := d.DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, table)
			continue
		}
		if err != nil {
			return fmt.Errorf("verify table %s: %w", table, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema is missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}
