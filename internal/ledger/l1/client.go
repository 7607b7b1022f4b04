// Package l1 is the client for the custody ledger. Every mutating call carries
// a fresh per-call signature; there is no session.
package l1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"bridge-core/internal/ledger"
	"bridge-core/internal/signer"
)

// Client wraps the L1 HTTP API.
type Client struct {
	tr *ledger.Transport
}

// New creates an L1 client over tr.
func New(tr *ledger.Transport) *Client {
	return &Client{tr: tr}
}

// Transport exposes the underlying transport for health and time sync.
func (c *Client) Transport() *ledger.Transport { return c.tr }

// Balance returns the confirmed balance of address.
func (c *Client) Balance(ctx context.Context, address string) (Balance, error) {
	var b Balance
	err := c.tr.Do(ctx, ledger.Request{
		Method:   http.MethodGet,
		Path:     "/balance/" + url.PathEscape(address),
		Endpoint: "GET /balance",
	}, &b)
	if b.Address == "" {
		b.Address = address
	}
	return b, err
}

// Ledger returns the transaction history of address.
func (c *Client) Ledger(ctx context.Context, address string) ([]LedgerEntry, error) {
	var resp struct {
		Entries []LedgerEntry `json:"entries"`
	}
	err := c.tr.Do(ctx, ledger.Request{
		Method:   http.MethodGet,
		Path:     "/ledger/" + url.PathEscape(address),
		Endpoint: "GET /ledger",
	}, &resp)
	return resp.Entries, err
}

// Transfer moves amount from the signer's address to to.
func (c *Client) Transfer(ctx context.Context, s ledger.Signer, to string, amount int64, nonce string) (TransferResult, error) {
	var res TransferResult
	err := c.signed(ctx, s, "/transfer", "POST /transfer", nonce, transferPayload{To: to, Amount: amount}, &res)
	return res, err
}

// Mint credits to with amount. Admin only; the server checks the signer.
func (c *Client) Mint(ctx context.Context, s ledger.Signer, to string, amount int64, nonce string) (TransferResult, error) {
	var res TransferResult
	err := c.signed(ctx, s, "/admin/mint", "POST /admin/mint", nonce, transferPayload{To: to, Amount: amount}, &res)
	return res, err
}

// Lock places a soft lock. The lockId doubles as nonce, so a retried or
// repeated call lands on the same lock.
func (c *Client) Lock(ctx context.Context, s ledger.Signer, req LockRequest) (Lock, error) {
	if req.LockID == "" {
		return Lock{}, fmt.Errorf("lock: lock id is required")
	}
	var l Lock
	err := c.signed(ctx, s, "/locks", "POST /locks", req.LockID, lockPayload{
		LockID:      req.LockID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
		TTLSeconds:  int64(req.TTL.Seconds()),
	}, &l)
	return l, err
}

// ReleaseLock returns locked funds to available.
func (c *Client) ReleaseLock(ctx context.Context, s ledger.Signer, lockID string) (Lock, error) {
	var l Lock
	err := c.signed(ctx, s, "/locks/"+url.PathEscape(lockID)+"/release", "POST /locks/release",
		"release:"+lockID, releasePayload{LockID: lockID}, &l)
	return l, err
}

// GetLock reads a lock by id.
func (c *Client) GetLock(ctx context.Context, lockID string) (Lock, error) {
	var l Lock
	err := c.tr.Do(ctx, ledger.Request{
		Method:   http.MethodGet,
		Path:     "/locks/" + url.PathEscape(lockID),
		Endpoint: "GET /locks",
	}, &l)
	return l, err
}

// Health checks the ledger.
func (c *Client) Health(ctx context.Context) error {
	return c.tr.Health(ctx)
}

func (c *Client) signed(ctx context.Context, s ledger.Signer, path, endpoint, nonce string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ts := c.tr.Now()
	address := s.L1Address()
	sig, err := s.SignHex(signer.RequestMessage(address, nonce, ts, raw))
	if err != nil {
		return fmt.Errorf("sign %s: %w", endpoint, err)
	}

	body := envelope{
		Address:   address,
		PublicKey: s.PublicKeyHex(),
		Signature: sig,
		Timestamp: ts,
		Nonce:     nonce,
		Payload:   raw,
	}
	return c.tr.Do(ctx, ledger.Request{
		Method:         http.MethodPost,
		Path:           path,
		Endpoint:       endpoint,
		Body:           body,
		IdempotencyKey: nonce,
	}, out)
}
