package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bridge-core/internal/balance"
	"bridge-core/internal/bridge"
	"bridge-core/internal/credit"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/market"
	"bridge-core/internal/signer"
	"bridge-core/pkg/db"
	"bridge-core/pkg/i18n"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type amountRequest struct {
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Secret string `json:"secret"`
}

type depositRequest struct {
	LockID string `json:"lock_id" binding:"required,min=1,max=128"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Secret string `json:"secret"`
}

type transferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Secret string `json:"secret"`
}

type resolutionRequest struct {
	Outcome *int `json:"outcome" binding:"required,gte=0"`
}

type ledgerQuery struct {
	Address string `form:"address"`
}

type quoteRequest struct {
	Outcome *int  `json:"outcome" binding:"required,gte=0"`
	Amount  int64 `json:"amount" binding:"required,gt=0"`
}

type sellRequest struct {
	Outcome *int    `json:"outcome" binding:"required,gte=0"`
	Shares  float64 `json:"shares" binding:"required,gt=0"`
}

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondErr maps component errors onto HTTP responses.
func respondErr(c *gin.Context, err error) {
	var resumable *bridge.ResumableError
	if errors.As(err, &resumable) {
		c.JSON(http.StatusAccepted, gin.H{
			"code":    "CLAIM_PENDING",
			"error":   resumable.Error(),
			"lock_id": resumable.LockID,
			"status":  i18n.Get("DepositLocked"),
		})
		return
	}
	var terminal *ledger.TerminalError
	if errors.As(err, &terminal) {
		status := http.StatusBadGateway
		if terminal.Status >= 400 && terminal.Status < 500 {
			status = http.StatusUnprocessableEntity
		}
		code := terminal.Code
		if code == "" {
			code = "LEDGER_REJECTED"
		}
		respondError(c, status, code, terminal.Message)
		return
	}

	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	respondError(c, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, custody.ErrVaultLocked):
		return http.StatusLocked, "VAULT_LOCKED"
	case errors.Is(err, custody.ErrReauthRequired):
		return http.StatusForbidden, "REAUTH_REQUIRED"
	case errors.Is(err, custody.ErrUnlockThrottled):
		return http.StatusTooManyRequests, "UNLOCK_THROTTLED"
	case errors.Is(err, custody.ErrVaultNotFound):
		return http.StatusNotFound, "VAULT_NOT_FOUND"
	case errors.Is(err, custody.ErrSecretRequired):
		return http.StatusBadRequest, "SECRET_REQUIRED"

	case errors.Is(err, signer.ErrInvalidAddress):
		return http.StatusBadRequest, "INVALID_ADDRESS"
	case errors.Is(err, bridge.ErrLockIDRequired),
		errors.Is(err, bridge.ErrInvalidAmount),
		errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidOutcome):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, bridge.ErrUnknownLock),
		errors.Is(err, bridge.ErrUnknownWithdraw),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, bridge.ErrLockReleased):
		return http.StatusConflict, "LOCK_RELEASED"
	case errors.Is(err, bridge.ErrAmountMismatch):
		return http.StatusConflict, "AMOUNT_MISMATCH"
	case errors.Is(err, bridge.ErrWithdrawalUnresolved):
		return http.StatusConflict, "WITHDRAWAL_UNRESOLVED"

	case errors.Is(err, credit.ErrSessionAlreadyOpen):
		return http.StatusConflict, "CREDIT_SESSION_OPEN"
	case errors.Is(err, credit.ErrNoSession):
		return http.StatusNotFound, "NO_CREDIT_SESSION"
	case errors.Is(err, credit.ErrCreditExceeded):
		return http.StatusUnprocessableEntity, "CREDIT_EXCEEDED"

	case errors.Is(err, market.ErrMarketNotActive):
		return http.StatusConflict, "MARKET_NOT_ACTIVE"
	case errors.Is(err, market.ErrInsufficientShares):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_SHARES"
	case errors.Is(err, market.ErrWrongAccount):
		return http.StatusForbidden, "WRONG_ACCOUNT"
	case errors.Is(err, market.ErrQuoteSuperseded):
		return http.StatusConflict, "QUOTE_SUPERSEDED"
	case errors.Is(err, market.ErrAlreadyResolved):
		return http.StatusConflict, "MARKET_RESOLVED"

	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, ledger.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case errors.Is(err, ledger.ErrNetworkTransient),
		errors.Is(err, ledger.ErrAuthenticationExpired):
		return http.StatusBadGateway, "LEDGER_UNREACHABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// secretOf copies the optional re-auth secret; callers zero it afterwards.
func secretOf(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ----------------------------------------
// Balances
// ----------------------------------------

type pendingView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"pending"`
	Label     string    `json:"label"`
}

type balanceView struct {
	Address     string           `json:"address"`
	Ledger      string           `json:"ledger"`
	LedgerLabel string           `json:"ledger_label"`
	Confirmed   balance.Snapshot `json:"confirmed"`
	Effective   balance.Snapshot `json:"effective"`
	Pending     []pendingView    `json:"pending"`
	SyncedAt    time.Time        `json:"synced_at"`
}

func renderBalance(v balance.View) balanceView {
	out := balanceView{
		Address:     v.Address,
		Ledger:      string(v.Ledger),
		LedgerLabel: i18n.StatusLabel(string(v.Ledger)),
		Confirmed:   v.Confirmed,
		Effective:   v.Effective,
		Pending:     make([]pendingView, 0, len(v.Pending)),
		SyncedAt:    v.SyncedAt,
	}
	for _, p := range v.Pending {
		out.Pending = append(out.Pending, pendingView{
			ID:        p.ID,
			Kind:      p.Kind,
			Available: p.Available,
			Locked:    p.Locked,
			CreatedAt: p.CreatedAt,
			Pending:   true,
			Label:     i18n.Get("Pending"),
		})
	}
	return out
}

func (s *Server) getBalances(c *gin.Context) {
	sess, ok := s.currentSession()
	if !ok {
		respondError(c, http.StatusUnauthorized, "SESSION_REVOKED", "session ended, unlock again")
		return
	}
	ctx := c.Request.Context()
	views := make([]balanceView, 0, 2)
	for _, want := range []struct {
		addr string
		led  events.Ledger
	}{{sess.l1, events.LedgerL1}, {sess.l2, events.LedgerL2}} {
		mgr, err := s.svc.Balances.GetOrCreate(want.addr, want.led)
		if err != nil {
			respondErr(c, err)
			return
		}
		if err := mgr.EnsureSynced(ctx); err != nil {
			log.Warn().Err(err).Str("ledger", string(want.led)).Msg("balance sync failed, serving cached view")
		}
		views = append(views, renderBalance(mgr.View()))
	}
	c.JSON(http.StatusOK, gin.H{"balances": views})
}

// ----------------------------------------
// Bridge
// ----------------------------------------

type lockView struct {
	LockID      string    `json:"lock_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id,omitempty"`
	L1TxHash    string    `json:"l1_tx_hash,omitempty"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type withdrawalView struct {
	Nonce       string    `json:"nonce"`
	FromAddress string    `json:"from_address"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	StatusLabel string    `json:"status_label"`
	Detail      string    `json:"detail,omitempty"`
	L1TxHash    string    `json:"l1_tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func renderWithdrawal(w db.Withdrawal) withdrawalView {
	return withdrawalView{
		Nonce:       w.Nonce,
		FromAddress: w.FromAddress,
		Amount:      w.Amount,
		Status:      w.Status,
		StatusLabel: i18n.StatusLabel(w.Status),
		Detail:      w.Detail,
		L1TxHash:    w.L1TxHash,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	secret := secretOf(req.Secret)
	defer zero(secret)

	res, err := s.svc.Bridge.Deposit(c.Request.Context(), bridge.DepositRequest{
		LockID: req.LockID,
		Amount: req.Amount,
		Secret: secret,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": res, "status_label": i18n.StatusLabel(res.Status)})
}

func (s *Server) resumeDeposit(c *gin.Context) {
	res, err := s.svc.Bridge.Resume(c.Request.Context(), c.Param("lockId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": res, "status_label": i18n.StatusLabel(res.Status)})
}

func (s *Server) getLocks(c *gin.Context) {
	sess, _ := s.currentSession()
	locks, err := s.svc.Bridge.Outstanding(c.Request.Context(), sess.l1)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockView{
			LockID:      l.LockID,
			Amount:      l.Amount,
			Reason:      l.Reason,
			ReferenceID: l.ReferenceID,
			L1TxHash:    l.L1TxHash,
			State:       l.State,
			CreatedAt:   l.CreatedAt,
			ExpiresAt:   l.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"locks": out})
}

func (s *Server) withdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	secret := secretOf(req.Secret)
	defer zero(secret)

	w, err := s.svc.Bridge.Withdraw(c.Request.Context(), bridge.WithdrawRequest{Amount: req.Amount, Secret: secret})
	if err != nil && w.Nonce != "" {
		// Signed and stored but unacknowledged; refresh resends it.
		c.JSON(http.StatusAccepted, gin.H{
			"code":       "WITHDRAWAL_UNRESOLVED",
			"error":      err.Error(),
			"withdrawal": renderWithdrawal(w),
		})
		return
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"withdrawal": renderWithdrawal(w)})
}

func (s *Server) getWithdrawals(c *gin.Context) {
	var q listQuery
	_ = c.ShouldBindQuery(&q)
	q.normalize()

	sess, _ := s.currentSession()
	list, err := s.svc.Bridge.Withdrawals(c.Request.Context(), sess.l2, q.Limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]withdrawalView, 0, len(list))
	for _, w := range list {
		out = append(out, renderWithdrawal(w))
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": out})
}

func (s *Server) refreshWithdrawal(c *gin.Context) {
	w, err := s.svc.Bridge.RefreshWithdrawal(c.Request.Context(), c.Param("nonce"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": renderWithdrawal(w)})
}

// ----------------------------------------
// L1 transfers
// ----------------------------------------

func (s *Server) getLedger(c *gin.Context) {
	var q ledgerQuery
	_ = c.ShouldBindQuery(&q)
	if q.Address == "" {
		sess, _ := s.currentSession()
		q.Address = sess.l1
	}
	entries, err := s.svc.Bridge.History(c.Request.Context(), q.Address)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": q.Address, "entries": entries, "ledger_label": i18n.StatusLabel("L1")})
}

func (s *Server) transfer(c *gin.Context) {
	s.sendL1(c, s.svc.Bridge.Transfer)
}

func (s *Server) mint(c *gin.Context) {
	s.sendL1(c, s.svc.Bridge.Mint)
}

func (s *Server) sendL1(c *gin.Context, send func(context.Context, bridge.TransferRequest) (l1.TransferResult, error)) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	secret := secretOf(req.Secret)
	defer zero(secret)

	res, err := send(c.Request.Context(), bridge.TransferRequest{To: req.To, Amount: req.Amount, Secret: secret})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_hash": res.TxHash, "to": req.To, "amount": req.Amount})
}

// ----------------------------------------
// Credit
// ----------------------------------------

type creditHistoryView struct {
	SessionID   string    `json:"session_id"`
	CreditLimit int64     `json:"credit_limit"`
	NetPnL      int64     `json:"net_pnl"`
	Status      string    `json:"status"`
	StatusLabel string    `json:"status_label"`
	CreatedAt   time.Time `json:"created_at"`
	SettledAt   time.Time `json:"settled_at"`
}

func (s *Server) openCredit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	secret := secretOf(req.Secret)
	defer zero(secret)

	sess, err := s.svc.Credit.Open(c.Request.Context(), req.Amount, secret)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "headroom": sess.Headroom()})
}

func (s *Server) settleCredit(c *gin.Context) {
	res, err := s.svc.Credit.Settle(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": res})
}

func (s *Server) getCredit(c *gin.Context) {
	sess, _ := s.currentSession()
	resp := gin.H{"session": nil}
	if open, ok := s.svc.Credit.Session(sess.l2); ok {
		resp["session"] = open
		resp["headroom"] = open.Headroom()
		resp["status_label"] = i18n.StatusLabel(open.Status)
	}

	history, err := s.svc.DB.Queries().ListCreditSessionsByAddress(c.Request.Context(), sess.l2, 20)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]creditHistoryView, 0, len(history))
	for _, h := range history {
		out = append(out, creditHistoryView{
			SessionID:   h.SessionID,
			CreditLimit: h.CreditLimit,
			NetPnL:      h.NetPnL,
			Status:      h.Status,
			StatusLabel: i18n.StatusLabel(h.Status),
			CreatedAt:   h.CreatedAt,
			SettledAt:   h.SettledAt,
		})
	}
	resp["history"] = out
	c.JSON(http.StatusOK, resp)
}

// ----------------------------------------
// Markets
// ----------------------------------------

type positionView struct {
	MarketID        string    `json:"market_id"`
	Shares          []float64 `json:"shares"`
	CostBasis       int64     `json:"cost_basis"`
	CreditSessionID string    `json:"credit_session_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type tradeView struct {
	TradeID         string    `json:"trade_id"`
	MarketID        string    `json:"market_id"`
	Side            string    `json:"side"`
	Outcome         int       `json:"outcome"`
	Shares          float64   `json:"shares"`
	Amount          int64     `json:"amount"`
	CreditSessionID string    `json:"credit_session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Server) getMarket(c *gin.Context) {
	m, err := s.svc.Market.Market(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": m})
}

func (s *Server) quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	marketID := c.Param("id")
	// One live quote per session and market; a newer request abandons the older.
	key := CurrentSessionID(c) + ":" + marketID
	q, err := s.svc.Market.QuoteLatest(c.Request.Context(), key, marketID, *req.Outcome, req.Amount)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}

func (s *Server) buy(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	sess, _ := s.currentSession()
	res, err := s.svc.Market.Buy(c.Request.Context(), sess.l2, c.Param("id"), *req.Outcome, req.Amount)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bet": res})
}

func (s *Server) sell(c *gin.Context) {
	var req sellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	sess, _ := s.currentSession()
	res, err := s.svc.Market.Sell(c.Request.Context(), sess.l2, c.Param("id"), *req.Outcome, req.Shares)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sell": res})
}

func (s *Server) signResolution(c *gin.Context) {
	var req resolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	res, err := s.svc.Market.SignResolution(c.Request.Context(), c.Param("id"), *req.Outcome)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": res})
}

func (s *Server) getPositions(c *gin.Context) {
	sess, _ := s.currentSession()
	list := s.svc.Market.Positions().List(sess.l2)
	out := make([]positionView, 0, len(list))
	for _, p := range list {
		out = append(out, positionView{
			MarketID:        p.MarketID,
			Shares:          p.Shares,
			CostBasis:       p.CostBasis,
			CreditSessionID: p.CreditSessionID,
			UpdatedAt:       p.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "ledger": "L2", "ledger_label": i18n.StatusLabel("L2")})
}

func (s *Server) getTrades(c *gin.Context) {
	var q listQuery
	_ = c.ShouldBindQuery(&q)
	q.normalize()

	sess, _ := s.currentSession()
	trades, err := s.svc.DB.Queries().GetTradesByAddress(c.Request.Context(), sess.l2, q.Limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeView{
			TradeID:         t.TradeID,
			MarketID:        t.MarketID,
			Side:            t.Side,
			Outcome:         t.Outcome,
			Shares:          t.Shares,
			Amount:          t.Amount,
			CreditSessionID: t.CreditSessionID,
			CreatedAt:       t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

// ----------------------------------------
// Reconciliation
// ----------------------------------------

func (s *Server) getReconcile(c *gin.Context) {
	if s.svc.Recon == nil {
		respondError(c, http.StatusServiceUnavailable, "RECON_DISABLED", "reconciliation is not running")
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": s.svc.Recon.LastReport()})
}

func (s *Server) reconcile(c *gin.Context) {
	if s.svc.Recon == nil {
		respondError(c, http.StatusServiceUnavailable, "RECON_DISABLED", "reconciliation is not running")
		return
	}
	report, err := s.svc.Recon.Reconcile(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
