package l1

import (
	"encoding/json"
	"time"
)

// Lock states reported by the custody ledger.
const (
	LockPending  = "pending"
	LockLocked   = "locked"
	LockClaimed  = "claimed"
	LockReleased = "released"
)

// Lock reasons.
const (
	ReasonBridge = "bridge"
	ReasonCredit = "credit"
)

type Balance struct {
	Address   string `json:"address"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

// Total is the confirmed available+locked value.
func (b Balance) Total() int64 { return b.Available + b.Locked }

type LedgerEntry struct {
	TxHash       string    `json:"tx_hash"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	LockID       string    `json:"lock_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Lock struct {
	LockID      string    `json:"lock_id"`
	Owner       string    `json:"owner"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id,omitempty"`
	State       string    `json:"state"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Outstanding reports whether the lock still holds funds.
func (l Lock) Outstanding() bool {
	return l.State == LockPending || l.State == LockLocked
}

type LockRequest struct {
	LockID      string        `json:"lock_id"`
	Amount      int64         `json:"amount"`
	Reason      string        `json:"reason"`
	ReferenceID string        `json:"reference_id,omitempty"`
	TTL         time.Duration `json:"-"`
}

type TransferResult struct {
	TxHash string `json:"tx_hash"`
}

type lockPayload struct {
	LockID      string `json:"lock_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

type transferPayload struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type releasePayload struct {
	LockID string `json:"lock_id"`
}

// envelope is the signed body of every mutating L1 call. The signature covers
// RequestMessage(address, nonce, timestamp, payload).
type envelope struct {
	Address   string          `json:"address"`
	PublicKey string          `json:"public_key"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
}
