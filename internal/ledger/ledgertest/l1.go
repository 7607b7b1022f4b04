package ledgertest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/signer"
)

// L1 is a fake custody ledger.
type L1 struct {
	recorder
	Server *httptest.Server

	mu       sync.Mutex
	accounts map[string]*l1.Balance
	locks    map[string]*l1.Lock
	entries  map[string][]l1.LedgerEntry
	nonces   map[string]l1.TransferResult
	txSeq    int

	// DefaultLockTTL applies when a lock request carries no TTL.
	DefaultLockTTL time.Duration
}

// NewL1 starts a fake L1 server. Call Close when done.
func NewL1() *L1 {
	f := &L1{
		recorder:       newRecorder(),
		accounts:       make(map[string]*l1.Balance),
		locks:          make(map[string]*l1.Lock),
		entries:        make(map[string][]l1.LedgerEntry),
		nonces:         make(map[string]l1.TransferResult),
		DefaultLockTTL: 10 * time.Minute,
	}
	mux := http.NewServeMux()
	f.handle(mux, "GET /health", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, 200, map[string]string{"status": "ok"}) })
	f.handle(mux, "GET /time", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]int64{"timestamp": time.Now().UnixMilli()})
	})
	f.handle(mux, "GET /balance/{address}", f.handleBalance)
	f.handle(mux, "GET /ledger/{address}", f.handleLedger)
	f.handle(mux, "POST /transfer", f.handleTransfer)
	f.handle(mux, "POST /admin/mint", f.handleMint)
	f.handle(mux, "POST /locks", f.handleLock)
	f.handle(mux, "GET /locks/{id}", f.handleGetLock)
	f.handle(mux, "POST /locks/{id}/release", f.handleRelease)
	f.Server = httptest.NewServer(mux)
	return f
}

// URL is the server base URL.
func (f *L1) URL() string { return f.Server.URL }

// Close shuts the server down.
func (f *L1) Close() { f.Server.Close() }

// Fund credits available balance directly.
func (f *L1) Fund(address string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(address).Available += amount
}

// BalanceOf returns the current balance of address.
func (f *L1) BalanceOf(address string) l1.Balance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.account(address)
}

// LockInfo returns a lock by id.
func (f *L1) LockInfo(id string) (l1.Lock, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[id]
	if !ok {
		return l1.Lock{}, false
	}
	return *l, true
}

// ExpireLock moves a lock's expiry into the past.
func (f *L1) ExpireLock(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[id]; ok {
		l.ExpiresAt = time.Now().Add(-time.Second)
	}
}

func (f *L1) account(address string) *l1.Balance {
	a, ok := f.accounts[address]
	if !ok {
		a = &l1.Balance{Address: address}
		f.accounts[address] = a
	}
	return a
}

func (f *L1) nextTx() string {
	f.txSeq++
	return fmt.Sprintf("0x%08x", f.txSeq)
}

// consume marks a lock claimed for the bridge. Funds leave the owner's locked balance.
func (f *L1) consume(lockID string, amount int64) (l1.Lock, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[lockID]
	if !ok {
		return l1.Lock{}, http.StatusNotFound, ledger.CodeLockNotFound
	}
	if l.State != l1.LockLocked {
		return l1.Lock{}, http.StatusConflict, ledger.CodeLockAlreadyConsumed
	}
	if l.Amount != amount {
		return l1.Lock{}, http.StatusBadRequest, "AMOUNT_MISMATCH"
	}
	l.State = l1.LockClaimed
	f.account(l.Owner).Locked -= l.Amount
	f.record(l.Owner, l1.LedgerEntry{TxHash: f.nextTx(), Kind: "bridge_out", Amount: -l.Amount, LockID: lockID})
	return *l, 0, ""
}

// settleCredit closes a credit lock, returning the collateral adjusted by pnl.
func (f *L1) settleCredit(lockID string, pnl int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[lockID]
	if !ok || l.State != l1.LockLocked {
		return fmt.Errorf("credit lock %s not outstanding", lockID)
	}
	l.State = l1.LockClaimed
	a := f.account(l.Owner)
	a.Locked -= l.Amount
	a.Available += l.Amount + pnl
	f.record(l.Owner, l1.LedgerEntry{TxHash: f.nextTx(), Kind: "credit_settle", Amount: pnl, LockID: lockID})
	return nil
}

// payout credits address for a settled withdrawal.
func (f *L1) payout(address string, amount int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(address).Available += amount
	tx := f.nextTx()
	f.record(address, l1.LedgerEntry{TxHash: tx, Kind: "bridge_in", Amount: amount})
	return tx
}

func (f *L1) record(address string, e l1.LedgerEntry) {
	e.Timestamp = time.Now()
	f.entries[address] = append(f.entries[address], e)
}

type signedBody struct {
	Address   string          `json:"address"`
	PublicKey string          `json:"public_key"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
}

// verify checks the per-call signature and decodes the payload into v.
func verifySigned(r *http.Request, v any) (signedBody, bool) {
	var body signedBody
	if err := decode(r, &body); err != nil {
		return body, false
	}
	pub, err := hex.DecodeString(body.PublicKey)
	if err != nil || !signer.MatchesKey(body.Address, pub) {
		return body, false
	}
	msg := signer.RequestMessage(body.Address, body.Nonce, body.Timestamp, body.Payload)
	if !signer.Verify(body.PublicKey, msg, body.Signature) {
		return body, false
	}
	return body, json.Unmarshal(body.Payload, v) == nil
}

func (f *L1) handleBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, f.BalanceOf(r.PathValue("address")))
}

func (f *L1) handleLedger(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	entries := append([]l1.LedgerEntry(nil), f.entries[r.PathValue("address")]...)
	f.mu.Unlock()
	writeJSON(w, 200, map[string]any{"entries": entries})
}

func (f *L1) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var p struct {
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	body, ok := verifySigned(r, &p)
	if !ok {
		writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "bad signature")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, seen := f.nonces[body.Nonce]; seen {
		writeJSON(w, 200, res)
		return
	}
	from := f.account(body.Address)
	if p.Amount <= 0 || from.Available < p.Amount {
		writeError(w, http.StatusUnprocessableEntity, ledger.CodeInsufficientBalance, "insufficient balance")
		return
	}
	from.Available -= p.Amount
	f.account(p.To).Available += p.Amount
	res := l1.TransferResult{TxHash: f.nextTx()}
	f.nonces[body.Nonce] = res
	f.record(body.Address, l1.LedgerEntry{TxHash: res.TxHash, Kind: "transfer", Amount: -p.Amount, Counterparty: p.To})
	f.record(p.To, l1.LedgerEntry{TxHash: res.TxHash, Kind: "transfer", Amount: p.Amount, Counterparty: body.Address})
	writeJSON(w, 200, res)
}

func (f *L1) handleMint(w http.ResponseWriter, r *http.Request) {
	var p struct {
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	body, ok := verifySigned(r, &p)
	if !ok {
		writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "bad signature")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, seen := f.nonces[body.Nonce]; seen {
		writeJSON(w, 200, res)
		return
	}
	f.account(p.To).Available += p.Amount
	res := l1.TransferResult{TxHash: f.nextTx()}
	f.nonces[body.Nonce] = res
	f.record(p.To, l1.LedgerEntry{TxHash: res.TxHash, Kind: "mint", Amount: p.Amount})
	writeJSON(w, 200, res)
}

func (f *L1) handleLock(w http.ResponseWriter, r *http.Request) {
	var p struct {
		LockID      string `json:"lock_id"`
		Amount      int64  `json:"amount"`
		Reason      string `json:"reason"`
		ReferenceID string `json:"reference_id"`
		TTLSeconds  int64  `json:"ttl_seconds"`
	}
	body, ok := verifySigned(r, &p)
	if !ok || body.Nonce != p.LockID {
		writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "bad signature")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.locks[p.LockID]; ok {
		if existing.Owner == body.Address && existing.Amount == p.Amount {
			writeJSON(w, 200, existing)
			return
		}
		writeError(w, http.StatusConflict, "LOCK_ID_CONFLICT", "lock id already used")
		return
	}
	acct := f.account(body.Address)
	if p.Amount <= 0 || acct.Available < p.Amount {
		writeError(w, http.StatusUnprocessableEntity, ledger.CodeInsufficientBalance, "insufficient balance")
		return
	}
	ttl := time.Duration(p.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = f.DefaultLockTTL
	}
	acct.Available -= p.Amount
	acct.Locked += p.Amount
	now := time.Now()
	l := &l1.Lock{
		LockID:      p.LockID,
		Owner:       body.Address,
		Amount:      p.Amount,
		Reason:      p.Reason,
		ReferenceID: p.ReferenceID,
		State:       l1.LockLocked,
		TxHash:      f.nextTx(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	f.locks[p.LockID] = l
	writeJSON(w, 200, l)
}

func (f *L1) handleGetLock(w http.ResponseWriter, r *http.Request) {
	l, ok := f.LockInfo(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ledger.CodeLockNotFound, "no such lock")
		return
	}
	writeJSON(w, 200, l)
}

func (f *L1) handleRelease(w http.ResponseWriter, r *http.Request) {
	var p struct {
		LockID string `json:"lock_id"`
	}
	body, ok := verifySigned(r, &p)
	if !ok || p.LockID != r.PathValue("id") {
		writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "bad signature")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[p.LockID]
	if !ok {
		writeError(w, http.StatusNotFound, ledger.CodeLockNotFound, "no such lock")
		return
	}
	if l.Owner != body.Address {
		writeError(w, http.StatusForbidden, "NOT_OWNER", "lock belongs to another address")
		return
	}
	if !l.Outstanding() {
		writeError(w, http.StatusConflict, ledger.CodeLockAlreadyConsumed, "lock already "+l.State)
		return
	}
	l.State = l1.LockReleased
	acct := f.account(l.Owner)
	acct.Locked -= l.Amount
	acct.Available += l.Amount
	writeJSON(w, 200, l)
}
