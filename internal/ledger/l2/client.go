// Package l2 is the client for the trading ledger. Calls carry a session
// token obtained by signing a challenge; the token is refreshed transparently.
package l2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"bridge-core/internal/ledger"
	"bridge-core/internal/signer"

	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

const (
	HeaderSessionToken = "X-Session-Token"
	HeaderClientDevice = "X-Client-Device"

	DefaultTokenSafetyMargin = 30 * time.Second
	deviceAppID              = "bridge-core"
)

// KeySource hands out the current signing key, failing closed when custody is locked.
type KeySource interface {
	CurrentSigner() (ledger.Signer, error)
}

// Config tunes session handling.
type Config struct {
	TokenSafetyMargin time.Duration
	DeviceID          string
}

// Client wraps the L2 HTTP API.
type Client struct {
	tr     *ledger.Transport
	keys   KeySource
	margin time.Duration
	device string
	now    func() time.Time

	mu      sync.Mutex
	session Session
}

// New creates an L2 client. An empty DeviceID is filled from the machine id.
func New(tr *ledger.Transport, keys KeySource, cfg Config) *Client {
	if cfg.TokenSafetyMargin <= 0 {
		cfg.TokenSafetyMargin = DefaultTokenSafetyMargin
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = deviceID()
	}
	return &Client{tr: tr, keys: keys, margin: cfg.TokenSafetyMargin, device: cfg.DeviceID, now: time.Now}
}

func deviceID() string {
	id, err := machineid.ProtectedID(deviceAppID)
	if err != nil {
		log.Debug().Err(err).Msg("machine id unavailable")
		return "unknown"
	}
	return id[:16]
}

// Transport exposes the underlying transport for health and time sync.
func (c *Client) Transport() *ledger.Transport { return c.tr }

// DeviceID returns the value sent in X-Client-Device.
func (c *Client) DeviceID() string { return c.device }

// Authenticate signs a fresh challenge and stores the returned session token.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	s, err := c.keys.CurrentSigner()
	if err != nil {
		return Session{}, err
	}
	ts := c.tr.Now()
	address := s.L2Address()
	sig, err := s.SignHex(signer.AuthMessage(address, ts))
	if err != nil {
		return Session{}, fmt.Errorf("sign auth challenge: %w", err)
	}

	var sess Session
	err = c.tr.Do(ctx, ledger.Request{
		Method:   http.MethodPost,
		Path:     "/auth",
		Endpoint: "POST /auth",
		Body: authRequest{
			Address:   address,
			PublicKey: s.PublicKeyHex(),
			Timestamp: ts,
			Signature: sig,
			DeviceID:  c.device,
		},
		Header: http.Header{HeaderClientDevice: []string{c.device}},
	}, &sess)
	if err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	log.Debug().Str("address", address).Time("expires_at", sess.ExpiresAt).Msg("l2 session established")
	return sess, nil
}

// Token returns a valid session token, re-authenticating inside the safety margin.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess.Token != "" && c.now().Add(c.margin).Before(sess.ExpiresAt) {
		return sess.Token, nil
	}
	fresh, err := c.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return fresh.Token, nil
}

// DropSession forgets the cached token. Called on sign-out.
func (c *Client) DropSession() {
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
}

// do attaches the session token and replays once after re-authentication
// if the server reports the token expired.
func (c *Client) do(ctx context.Context, req ledger.Request, out any) error {
	tok, err := c.Token(ctx)
	if err != nil {
		return err
	}
	err = c.tr.Do(ctx, c.withSession(req, tok), out)
	if !errors.Is(err, ledger.ErrAuthenticationExpired) {
		return err
	}

	c.DropSession()
	sess, authErr := c.Authenticate(ctx)
	if authErr != nil {
		return authErr
	}
	return c.tr.Do(ctx, c.withSession(req, sess.Token), out)
}

func (c *Client) withSession(req ledger.Request, token string) ledger.Request {
	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderSessionToken, token)
	h.Set(HeaderClientDevice, c.device)
	req.Header = h
	return req
}

// Balance returns the confirmed L2 balance of address.
func (c *Client) Balance(ctx context.Context, address string) (Balance, error) {
	var b Balance
	err := c.do(ctx, ledger.Request{Method: http.MethodGet, Path: "/balance/" + url.PathEscape(address), Endpoint: "GET /balance"}, &b)
	if b.Address == "" {
		b.Address = address
	}
	return b, err
}

// Market returns pool state.
func (c *Client) Market(ctx context.Context, marketID string) (Market, error) {
	var m Market
	err := c.do(ctx, ledger.Request{Method: http.MethodGet, Path: "/markets/" + url.PathEscape(marketID), Endpoint: "GET /markets"}, &m)
	return m, err
}

// Quote prices a buy without side effects.
func (c *Client) Quote(ctx context.Context, marketID string, req QuoteRequest) (Quote, error) {
	var q Quote
	err := c.do(ctx, ledger.Request{
		Method:   http.MethodPost,
		Path:     "/markets/" + url.PathEscape(marketID) + "/quote",
		Endpoint: "POST /markets/quote",
		Body:     req,
	}, &q)
	return q, err
}

// Bet buys shares. BetID is the idempotency key.
func (c *Client) Bet(ctx context.Context, marketID string, req BetRequest) (BetResult, error) {
	var res BetResult
	err := c.do(ctx, ledger.Request{
		Method:         http.MethodPost,
		Path:           "/markets/" + url.PathEscape(marketID) + "/bet",
		Endpoint:       "POST /markets/bet",
		Body:           req,
		IdempotencyKey: req.BetID,
	}, &res)
	return res, err
}

// Sell sells shares. SellID is the idempotency key.
func (c *Client) Sell(ctx context.Context, marketID string, req SellRequest) (SellResult, error) {
	var res SellResult
	err := c.do(ctx, ledger.Request{
		Method:         http.MethodPost,
		Path:           "/markets/" + url.PathEscape(marketID) + "/sell",
		Endpoint:       "POST /markets/sell",
		Body:           req,
		IdempotencyKey: req.SellID,
	}, &res)
	return res, err
}

// Positions lists confirmed positions of address.
func (c *Client) Positions(ctx context.Context, address string) ([]Position, error) {
	var resp struct {
		Positions []Position `json:"positions"`
	}
	err := c.do(ctx, ledger.Request{Method: http.MethodGet, Path: "/positions/" + url.PathEscape(address), Endpoint: "GET /positions"}, &resp)
	return resp.Positions, err
}

// ClaimDeposit credits L2 against an L1 lock. The lockId is the idempotency key.
func (c *Client) ClaimDeposit(ctx context.Context, req ClaimRequest) (Claim, error) {
	var cl Claim
	err := c.do(ctx, ledger.Request{
		Method:         http.MethodPost,
		Path:           "/bridge/claim",
		Endpoint:       "POST /bridge/claim",
		Body:           req,
		IdempotencyKey: req.LockID,
	}, &cl)
	return cl, err
}

// Withdraw burns L2 balance for settlement on L1.
func (c *Client) Withdraw(ctx context.Context, req WithdrawRequest) (Withdrawal, error) {
	var w Withdrawal
	err := c.do(ctx, ledger.Request{
		Method:         http.MethodPost,
		Path:           "/withdraw",
		Endpoint:       "POST /withdraw",
		Body:           req,
		IdempotencyKey: req.Nonce,
	}, &w)
	return w, err
}

// Withdrawal reads settlement status by nonce.
func (c *Client) Withdrawal(ctx context.Context, nonce string) (Withdrawal, error) {
	var w Withdrawal
	err := c.do(ctx, ledger.Request{Method: http.MethodGet, Path: "/withdrawals/" + url.PathEscape(nonce), Endpoint: "GET /withdrawals"}, &w)
	return w, err
}

// OpenCredit opens a credit session backed by an L1 lock.
func (c *Client) OpenCredit(ctx context.Context, req OpenCreditRequest) (CreditSession, error) {
	var s CreditSession
	err := c.do(ctx, ledger.Request{
		Method:         http.MethodPost,
		Path:           "/credit/open",
		Endpoint:       "POST /credit/open",
		Body:           req,
		IdempotencyKey: req.LockID,
	}, &s)
	return s, err
}

// CreditSession reads the open session of address.
func (c *Client) CreditSession(ctx context.Context, address string) (CreditSession, error) {
	var s CreditSession
	err := c.do(ctx, ledger.Request{Method: http.MethodGet, Path: "/credit/" + url.PathEscape(address), Endpoint: "GET /credit"}, &s)
	return s, err
}

// SettleCredit closes a session and returns the authoritative net P&L.
func (c *Client) SettleCredit(ctx context.Context, sessionID string) (Settlement, error) {
	var s Settlement
	err := c.do(ctx, ledger.Request{
		Method:         http.MethodPost,
		Path:           "/credit/settle",
		Endpoint:       "POST /credit/settle",
		Body:           map[string]string{"session_id": sessionID},
		IdempotencyKey: "settle:" + sessionID,
	}, &s)
	return s, err
}

// Health checks the ledger.
func (c *Client) Health(ctx context.Context) error {
	return c.tr.Health(ctx)
}
