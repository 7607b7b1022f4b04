package ledgertest

import (
	"encoding/hex"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/signer"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type token struct {
	address   string
	expiresAt time.Time
}

type creditState struct {
	session l2.CreditSession
}

type position struct {
	l2.Position
	creditSessionID string
}

// L2 is a fake trading ledger. Prices move only through SetPrices.
type L2 struct {
	recorder
	Server *httptest.Server
	l1     *L1

	mu          sync.Mutex
	tokens      map[string]token
	devices     map[string]string
	balances    map[string]*l2.Balance
	markets     map[string]*l2.Market
	positions   map[string]map[string]*position
	bets        map[string]l2.BetResult
	sells       map[string]l2.SellResult
	claims      map[string]l2.Claim
	withdrawals map[string]*l2.Withdrawal
	credit      map[string]*creditState
	conns       []*websocket.Conn

	// TokenTTL is the lifetime of issued session tokens.
	TokenTTL time.Duration
	// CreditTTL is the lifetime of credit sessions.
	CreditTTL time.Duration
}

// NewL2 starts a fake L2 server linked to l1 for claims and settlement.
func NewL2(l1 *L1) *L2 {
	f := &L2{
		recorder:    newRecorder(),
		l1:          l1,
		tokens:      make(map[string]token),
		devices:     make(map[string]string),
		balances:    make(map[string]*l2.Balance),
		markets:     make(map[string]*l2.Market),
		positions:   make(map[string]map[string]*position),
		bets:        make(map[string]l2.BetResult),
		sells:       make(map[string]l2.SellResult),
		claims:      make(map[string]l2.Claim),
		withdrawals: make(map[string]*l2.Withdrawal),
		credit:      make(map[string]*creditState),
		TokenTTL:    15 * time.Minute,
		CreditTTL:   time.Hour,
	}
	mux := http.NewServeMux()
	f.handle(mux, "GET /health", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, 200, map[string]string{"status": "ok"}) })
	f.handle(mux, "GET /time", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]int64{"timestamp": time.Now().UnixMilli()})
	})
	f.handle(mux, "POST /auth", f.handleAuth)
	f.handle(mux, "GET /balance/{address}", f.authed(f.handleBalance))
	f.handle(mux, "GET /markets/{id}", f.authed(f.handleMarket))
	f.handle(mux, "POST /markets/{id}/quote", f.authed(f.handleQuote))
	f.handle(mux, "POST /markets/{id}/bet", f.authed(f.handleBet))
	f.handle(mux, "POST /markets/{id}/sell", f.authed(f.handleSell))
	f.handle(mux, "GET /positions/{address}", f.authed(f.handlePositions))
	f.handle(mux, "POST /bridge/claim", f.authed(f.handleClaim))
	f.handle(mux, "POST /withdraw", f.authed(f.handleWithdraw))
	f.handle(mux, "GET /withdrawals/{nonce}", f.authed(f.handleWithdrawal))
	f.handle(mux, "POST /credit/open", f.authed(f.handleOpenCredit))
	f.handle(mux, "GET /credit/{address}", f.authed(f.handleGetCredit))
	f.handle(mux, "POST /credit/settle", f.authed(f.handleSettleCredit))
	f.handle(mux, "GET /events", f.handleEvents)
	f.Server = httptest.NewServer(mux)
	return f
}

// URL is the server base URL.
func (f *L2) URL() string { return f.Server.URL }

// Close shuts the server and open streams down.
func (f *L2) Close() {
	f.mu.Lock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
	f.mu.Unlock()
	f.Server.Close()
}

// AddMarket registers a pool with fixed prices.
func (f *L2) AddMarket(m l2.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := m
	f.markets[m.ID] = &cp
}

// SetPrices moves a market's prices.
func (f *L2) SetPrices(marketID string, prices ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.markets[marketID]; ok {
		m.Prices = append([]float64(nil), prices...)
	}
}

// SetStatus changes a market's status.
func (f *L2) SetStatus(marketID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.markets[marketID]; ok {
		m.Status = status
	}
}

// Fund credits an L2 address directly.
func (f *L2) Fund(address string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance(address).Available += amount
}

// BalanceOf returns the balance of an L2 address.
func (f *L2) BalanceOf(address string) l2.Balance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.balance(address)
}

// ExpireTokens invalidates every issued session token.
func (f *L2) ExpireTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = make(map[string]token)
}

// Device returns the last device id seen for address.
func (f *L2) Device(address string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[address]
}

// CompleteWithdrawal settles a pending withdrawal on L1.
func (f *L2) CompleteWithdrawal(nonce string) {
	f.mu.Lock()
	w, ok := f.withdrawals[nonce]
	if !ok || w.Status != l2.WithdrawalPending {
		f.mu.Unlock()
		return
	}
	from, amount := w.FromAddress, w.Amount
	f.mu.Unlock()

	l1Addr, _ := signer.PairedAddress(from)
	tx := f.l1.payout(l1Addr, amount)

	f.mu.Lock()
	w.Status = l2.WithdrawalCompleted
	w.L1TxHash = tx
	f.mu.Unlock()
}

// FailWithdrawal marks a pending withdrawal failed and refunds L2.
func (f *L2) FailWithdrawal(nonce, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.withdrawals[nonce]
	if !ok || w.Status != l2.WithdrawalPending {
		return
	}
	w.Status = l2.WithdrawalFailed
	w.Detail = detail
	f.balance(w.FromAddress).Available += w.Amount
}

// Push sends an event frame to every connected stream.
func (f *L2) Push(ev events.Event) error {
	frame, err := events.Encode(ev)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers returns the number of connected streams.
func (f *L2) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *L2) balance(address string) *l2.Balance {
	b, ok := f.balances[address]
	if !ok {
		b = &l2.Balance{Address: address}
		f.balances[address] = b
	}
	return b
}

func (f *L2) position(address, marketID string, outcomes int) *position {
	byMarket, ok := f.positions[address]
	if !ok {
		byMarket = make(map[string]*position)
		f.positions[address] = byMarket
	}
	p, ok := byMarket[marketID]
	if !ok {
		p = &position{Position: l2.Position{MarketID: marketID, Shares: make([]float64, outcomes)}}
		byMarket[marketID] = p
	}
	return p
}

// authed rejects requests without a live session token.
func (f *L2) authed(next func(w http.ResponseWriter, r *http.Request, address string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		tok, ok := f.tokens[r.Header.Get(l2.HeaderSessionToken)]
		if ok {
			f.devices[tok.address] = r.Header.Get(l2.HeaderClientDevice)
		}
		f.mu.Unlock()
		if !ok || !time.Now().Before(tok.expiresAt) {
			writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "session token expired")
			return
		}
		next(w, r, tok.address)
	}
}

func (f *L2) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address   string `json:"address"`
		PublicKey string `json:"public_key"`
		Timestamp int64  `json:"timestamp"`
		Signature string `json:"signature"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil || !signer.MatchesKey(req.Address, pub) ||
		!signer.Verify(req.PublicKey, signer.AuthMessage(req.Address, req.Timestamp), req.Signature) {
		writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "bad signature")
		return
	}
	sess := l2.Session{Token: uuid.NewString(), ExpiresAt: time.Now().Add(f.TokenTTL)}
	f.mu.Lock()
	f.tokens[sess.Token] = token{address: req.Address, expiresAt: sess.ExpiresAt}
	f.devices[req.Address] = r.Header.Get(l2.HeaderClientDevice)
	f.mu.Unlock()
	writeJSON(w, 200, sess)
}

func (f *L2) handleBalance(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, 200, f.BalanceOf(r.PathValue("address")))
}

func (f *L2) handleMarket(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no such market")
		return
	}
	writeJSON(w, 200, m)
}

func (f *L2) handleQuote(w http.ResponseWriter, r *http.Request, _ string) {
	var req l2.QuoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[r.PathValue("id")]
	if !ok || req.Outcome < 0 || req.Outcome >= len(m.Prices) {
		writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no such market or outcome")
		return
	}
	p := m.Prices[req.Outcome]
	writeJSON(w, 200, l2.Quote{Shares: float64(req.Amount) / p, AvgPrice: p, Cost: req.Amount})
}

func (f *L2) handleBet(w http.ResponseWriter, r *http.Request, address string) {
	var req l2.BetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, seen := f.bets[req.BetID]; seen {
		writeJSON(w, 200, res)
		return
	}
	m, ok := f.markets[r.PathValue("id")]
	if !ok || req.Outcome < 0 || req.Outcome >= len(m.Prices) {
		writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no such market or outcome")
		return
	}
	if m.Status != l2.MarketActive {
		writeError(w, http.StatusBadRequest, "MARKET_NOT_ACTIVE", "market is "+m.Status)
		return
	}
	cost := req.Amount
	if cost > req.MaxCost {
		writeError(w, http.StatusBadRequest, "SLIPPAGE_EXCEEDED", "cost above max_cost")
		return
	}

	bal := f.balance(address)
	if req.CreditSessionID != "" {
		cs, ok := f.credit[req.CreditSessionID]
		if !ok || cs.session.Status != l2.CreditOpen || cs.session.Address != address {
			writeError(w, http.StatusBadRequest, "CREDIT_SESSION_INVALID", "no open credit session")
			return
		}
		s := &cs.session
		if s.UsedCredit+s.LockedInBets+cost > s.CreditLimit {
			writeError(w, http.StatusUnprocessableEntity, ledger.CodeInsufficientBalance, "credit limit exceeded")
			return
		}
		s.UsedCredit += cost
	} else {
		if bal.Available < cost {
			writeError(w, http.StatusUnprocessableEntity, ledger.CodeInsufficientBalance, "insufficient balance")
			return
		}
		bal.Available -= cost
	}

	price := m.Prices[req.Outcome]
	shares := float64(cost) / price
	pos := f.position(address, m.ID, len(m.Prices))
	pos.Shares[req.Outcome] += shares
	pos.CostBasis += cost
	pos.creditSessionID = req.CreditSessionID

	res := l2.BetResult{
		BetID:     req.BetID,
		Shares:    shares,
		AvgPrice:  price,
		Cost:      cost,
		NewPrices: append([]float64(nil), m.Prices...),
		Balance:   *bal,
	}
	f.bets[req.BetID] = res
	writeJSON(w, 200, res)
}

func (f *L2) handleSell(w http.ResponseWriter, r *http.Request, address string) {
	var req l2.SellRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, seen := f.sells[req.SellID]; seen {
		writeJSON(w, 200, res)
		return
	}
	m, ok := f.markets[r.PathValue("id")]
	if !ok || req.Outcome < 0 || req.Outcome >= len(m.Prices) {
		writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "no such market or outcome")
		return
	}
	if m.Status != l2.MarketActive {
		writeError(w, http.StatusBadRequest, "MARKET_NOT_ACTIVE", "market is "+m.Status)
		return
	}
	pos := f.position(address, m.ID, len(m.Prices))
	if req.Shares <= 0 || req.Shares > pos.Shares[req.Outcome]+1e-9 {
		writeError(w, http.StatusBadRequest, "INSUFFICIENT_SHARES", "not enough shares")
		return
	}

	total := 0.0
	for _, s := range pos.Shares {
		total += s
	}
	released := int64(math.Round(float64(pos.CostBasis) * req.Shares / total))
	proceeds := int64(math.Round(req.Shares * m.Prices[req.Outcome]))
	pos.Shares[req.Outcome] -= req.Shares
	pos.CostBasis -= released

	bal := f.balance(address)
	if cs, ok := f.credit[pos.creditSessionID]; ok && cs.session.Status == l2.CreditOpen {
		cs.session.UsedCredit -= released
		cs.session.RealizedPnL += proceeds - released
	} else {
		bal.Available += proceeds
	}

	res := l2.SellResult{
		SellID:    req.SellID,
		Shares:    req.Shares,
		Proceeds:  proceeds,
		NewPrices: append([]float64(nil), m.Prices...),
		Balance:   *bal,
	}
	f.sells[req.SellID] = res
	writeJSON(w, 200, res)
}

func (f *L2) handlePositions(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []l2.Position
	for _, p := range f.positions[r.PathValue("address")] {
		if p.CostBasis == 0 && sum(p.Shares) == 0 {
			continue
		}
		cp := p.Position
		cp.Shares = append([]float64(nil), p.Shares...)
		out = append(out, cp)
	}
	writeJSON(w, 200, map[string]any{"positions": out})
}

func (f *L2) handleClaim(w http.ResponseWriter, r *http.Request, address string) {
	var req l2.ClaimRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	f.mu.Lock()
	_, claimed := f.claims[req.LockID]
	f.mu.Unlock()
	if claimed {
		writeError(w, http.StatusConflict, ledger.CodeLockAlreadyConsumed, "lock already claimed")
		return
	}

	lock, status, code := f.l1.consume(req.LockID, req.Amount)
	if status != 0 {
		writeError(w, status, code, "claim rejected")
		return
	}
	target, _ := signer.PairedAddress(lock.Owner)

	f.mu.Lock()
	f.balance(target).Available += lock.Amount
	cl := l2.Claim{LockID: req.LockID, Amount: lock.Amount, L2Address: target, Status: "claimed"}
	f.claims[req.LockID] = cl
	f.mu.Unlock()
	writeJSON(w, 200, cl)
}

func (f *L2) handleWithdraw(w http.ResponseWriter, r *http.Request, _ string) {
	var req l2.WithdrawRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	msg := signer.WithdrawMessage(req.FromAddress, req.Amount, req.Nonce, req.Timestamp)
	if err != nil || !signer.MatchesKey(req.FromAddress, pub) || !signer.Verify(req.PublicKey, msg, req.Signature) {
		writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "bad signature")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.withdrawals[req.Nonce]; ok {
		writeJSON(w, 200, existing)
		return
	}
	bal := f.balance(req.FromAddress)
	if req.Amount <= 0 || bal.Available < req.Amount {
		writeError(w, http.StatusUnprocessableEntity, ledger.CodeInsufficientBalance, "insufficient balance")
		return
	}
	bal.Available -= req.Amount
	wd := &l2.Withdrawal{
		Nonce:       req.Nonce,
		FromAddress: req.FromAddress,
		Amount:      req.Amount,
		Status:      l2.WithdrawalPending,
		CreatedAt:   time.Now(),
	}
	f.withdrawals[req.Nonce] = wd
	writeJSON(w, 200, wd)
}

func (f *L2) handleWithdrawal(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wd, ok := f.withdrawals[r.PathValue("nonce")]
	if !ok {
		writeError(w, http.StatusNotFound, "WITHDRAWAL_NOT_FOUND", "no such withdrawal")
		return
	}
	writeJSON(w, 200, wd)
}

func (f *L2) handleOpenCredit(w http.ResponseWriter, r *http.Request, address string) {
	var req l2.OpenCreditRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	lock, ok := f.l1.LockInfo(req.LockID)
	if !ok {
		writeError(w, http.StatusNotFound, ledger.CodeLockNotFound, "no such lock")
		return
	}
	owner, _ := signer.PairedAddress(lock.Owner)
	if owner != address || lock.Amount != req.Amount || !lock.Outstanding() {
		writeError(w, http.StatusBadRequest, "LOCK_INVALID", "lock does not back this session")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cs := range f.credit {
		if cs.session.LockID == req.LockID {
			writeJSON(w, 200, cs.session)
			return
		}
		if cs.session.Address == address && cs.session.Status == l2.CreditOpen {
			writeError(w, http.StatusConflict, "SESSION_ALREADY_OPEN", "credit session already open")
			return
		}
	}
	cs := &creditState{session: l2.CreditSession{
		SessionID:   uuid.NewString(),
		Address:     address,
		CreditLimit: req.Amount,
		LockID:      req.LockID,
		ExpiresAt:   time.Now().Add(f.CreditTTL),
		Status:      l2.CreditOpen,
	}}
	f.credit[cs.session.SessionID] = cs
	writeJSON(w, 200, cs.session)
}

func (f *L2) handleGetCredit(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cs := range f.credit {
		if cs.session.Address == r.PathValue("address") && cs.session.Status == l2.CreditOpen {
			writeJSON(w, 200, cs.session)
			return
		}
	}
	writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no open credit session")
}

func (f *L2) handleSettleCredit(w http.ResponseWriter, r *http.Request, address string) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	f.mu.Lock()
	cs, ok := f.credit[req.SessionID]
	if !ok || cs.session.Address != address {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such credit session")
		return
	}
	if cs.session.Status == l2.CreditSettled {
		res := l2.Settlement{SessionID: req.SessionID, NetPnL: cs.session.RealizedPnL, Status: l2.CreditSettled}
		f.mu.Unlock()
		writeJSON(w, 200, res)
		return
	}
	// Open credit positions are closed at current prices.
	for _, p := range f.positions[address] {
		if p.creditSessionID != req.SessionID {
			continue
		}
		m := f.markets[p.MarketID]
		value := 0.0
		for i, s := range p.Shares {
			value += s * m.Prices[i]
		}
		cs.session.RealizedPnL += int64(math.Round(value)) - p.CostBasis
		p.Shares = make([]float64, len(p.Shares))
		p.CostBasis = 0
	}
	cs.session.Status = l2.CreditSettled
	cs.session.UsedCredit = 0
	net := cs.session.RealizedPnL
	lockID := cs.session.LockID
	f.mu.Unlock()

	if err := f.l1.settleCredit(lockID, net); err != nil {
		writeError(w, http.StatusInternalServerError, "SETTLEMENT_FAILED", err.Error())
		return
	}
	writeJSON(w, 200, l2.Settlement{SessionID: req.SessionID, NetPnL: net, Status: l2.CreditSettled})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *L2) handleEvents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	tok, ok := f.tokens[r.Header.Get(l2.HeaderSessionToken)]
	f.mu.Unlock()
	if !ok || !time.Now().Before(tok.expiresAt) {
		writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "session token expired")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	// Drain until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.mu.Lock()
			for i, c := range f.conns {
				if c == conn {
					f.conns = append(f.conns[:i], f.conns[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

func sum(xs []float64) float64 {
	t := 0.0
	for _, x := range xs {
		t += x
	}
	return t
}

