package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bridge-core/internal/bridge"
	"bridge-core/internal/credit"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/ledger/ledgertest"
	"bridge-core/internal/market"
	"bridge-core/internal/monitor"
	"bridge-core/internal/persistence"
	"bridge-core/internal/reconciliation"
	"bridge-core/internal/signer"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret"

type testAPI struct {
	h      *ledgertest.Harness
	srv    *Server
	trades *persistence.BatchWriter
}

func newTestAPI(t *testing.T, cfg ledgertest.HarnessConfig) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg.Locked = true
	h := ledgertest.NewHarness(t, cfg)
	h.FakeL2.AddMarket(l2.Market{
		ID:       "m1",
		Outcomes: []string{"yes", "no"},
		Prices:   []float64{0.5, 0.5},
		Status:   l2.MarketActive,
	})

	journal, err := bridge.OpenJournal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	metrics := monitor.NewMetrics()
	coord := bridge.New(bridge.Config{}, bridge.Deps{
		L1:       h.L1,
		L2:       h.L2,
		Keys:     h.Custody,
		Store:    h.DB,
		Journal:  journal,
		Balances: h.Balances,
		Metrics:  metrics,
		Events:   h.Bus,
	})
	cm := credit.NewManager(credit.Config{}, credit.Deps{
		L1:       h.L1,
		L2:       h.L2,
		Keys:     h.Custody,
		Store:    h.DB,
		Balances: h.Balances,
		Metrics:  metrics,
		Events:   h.Bus,
	})
	trades := persistence.NewBatchWriter(h.DB.DB, 100, time.Hour)
	t.Cleanup(func() { _ = trades.Close() })
	positions := market.NewPositions(h.DB)
	engine := market.NewEngine(market.Config{}, market.Deps{
		L2:        h.L2,
		Keys:      h.Custody,
		Credit:    cm,
		Balances:  h.Balances,
		Positions: positions,
		Trades:    trades,
		Metrics:   metrics,
		Events:    h.Bus,
	})
	recon := reconciliation.NewService(reconciliation.Deps{
		L1:        h.L1,
		L2:        h.L2,
		Keys:      h.Custody,
		Balances:  h.Balances,
		Positions: positions,
		Bridge:    coord,
		Credit:    cm,
		Metrics:   metrics,
	}, time.Hour)

	srv := NewServer(Config{JWTSecret: testJWTSecret, RateLimit: 1000, RateBurst: 1000, Version: "test"}, Services{
		Custody:  h.Custody,
		L1:       h.L1,
		L2:       h.L2,
		Bridge:   coord,
		Credit:   cm,
		Market:   engine,
		Balances: h.Balances,
		Recon:    recon,
		Bus:      h.Bus,
		DB:       h.DB,
		Metrics:  metrics,
		TradeLog: trades,
	})
	t.Cleanup(srv.Close)
	return &testAPI{h: h, srv: srv, trades: trades}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.srv.Router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

// unlock opens custody through the API and waits for the post-unlock loaders.
func (a *testAPI) unlock(t *testing.T) string {
	t.Helper()
	rec, body := a.do(t, http.MethodPost, "/api/session/unlock", "", gin.H{"secret": string(ledgertest.TestSecret)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	a.srv.wg.Wait()
	return token
}

func TestUnlockIssuesTokenForProtectedRoutes(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})

	rec, body := a.do(t, http.MethodGet, "/api/balances", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MISSING_TOKEN", body["code"])

	rec, body = a.do(t, http.MethodPost, "/api/session/unlock", "", gin.H{"secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "WRONG_SECRET", body["code"])

	token := a.unlock(t)

	rec, body = a.do(t, http.MethodGet, "/api/session", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unlocked_active", body["state"])
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, a.h.L2Address(), body["l2_address"])

	rec, body = a.do(t, http.MethodGet, "/api/balances", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balances, ok := body["balances"].([]any)
	require.True(t, ok)
	require.Len(t, balances, 2)
	assert.Equal(t, "L1", balances[0].(map[string]any)["ledger"])
	assert.Equal(t, "L2", balances[1].(map[string]any)["ledger"])
	assert.NotEmpty(t, balances[1].(map[string]any)["ledger_label"])
}

func TestSignOutRevokesToken(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)

	a.h.Custody.SignOut("test")

	rec, body := a.do(t, http.MethodGet, "/api/balances", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "SESSION_REVOKED", body["code"])

	_, body = a.do(t, http.MethodGet, "/api/session", "", nil)
	assert.Equal(t, "signed_out", body["state"])
	assert.Equal(t, false, body["authenticated"])
}

func TestNewUnlockReplacesOlderToken(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	first := a.unlock(t)
	second := a.unlock(t)

	rec, _ := a.do(t, http.MethodGet, "/api/positions", first, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = a.do(t, http.MethodGet, "/api/positions", second, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLockedCustodyRejectsTrades(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)
	a.h.FakeL2.Fund(a.h.L2Address(), 100)

	rec, body := a.do(t, http.MethodPost, "/api/session/lock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "locked", body["state"])

	rec, body = a.do(t, http.MethodPost, "/api/markets/m1/buy", token, gin.H{"outcome": 0, "amount": 10})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "VAULT_LOCKED", body["code"])
	assert.Zero(t, a.h.FakeL2.Calls("POST /markets/{id}/bet"))
}

func TestDepositThenResume(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)
	a.h.FakeL1.Fund(a.h.L1Address(), 100)
	a.h.FakeL2.FailNext("POST /bridge/claim", 1, http.StatusInternalServerError)

	rec, body := a.do(t, http.MethodPost, "/api/bridge/deposit", token, gin.H{"lock_id": "lock-api", "amount": 60})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "CLAIM_PENDING", body["code"])
	assert.Equal(t, "lock-api", body["lock_id"])

	rec, body = a.do(t, http.MethodGet, "/api/bridge/locks", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["locks"], 1)

	rec, body = a.do(t, http.MethodPost, "/api/bridge/deposit/lock-api/resume", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deposit := body["deposit"].(map[string]any)
	assert.Equal(t, "claimed", deposit["status"])
	assert.Equal(t, int64(60), a.h.FakeL2.BalanceOf(a.h.L2Address()).Available)
}

func TestDepositRejectsMissingLockID(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)

	rec, body := a.do(t, http.MethodPost, "/api/bridge/deposit", token, gin.H{"amount": 60})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", body["code"])
	assert.Zero(t, a.h.FakeL1.Calls("POST /locks"))
}

func TestLargeWithdrawalNeedsSecret(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{LargeValueThreshold: 50})
	token := a.unlock(t)
	a.h.FakeL2.Fund(a.h.L2Address(), 100)

	rec, body := a.do(t, http.MethodPost, "/api/bridge/withdraw", token, gin.H{"amount": 80})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "REAUTH_REQUIRED", body["code"])
	assert.Zero(t, a.h.FakeL2.Calls("POST /withdraw"))

	rec, body = a.do(t, http.MethodPost, "/api/bridge/withdraw", token, gin.H{"amount": 80, "secret": string(ledgertest.TestSecret)})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	w := body["withdrawal"].(map[string]any)
	assert.Equal(t, bridge.WithdrawalPendingSettlement, w["status"])
	assert.NotEmpty(t, w["status_label"])

	rec, body = a.do(t, http.MethodGet, "/api/bridge/withdrawals", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["withdrawals"], 1)
}

func TestBuySellAndTradeLog(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)
	a.h.FakeL2.Fund(a.h.L2Address(), 100)

	rec, body := a.do(t, http.MethodPost, "/api/markets/m1/quote", token, gin.H{"outcome": 0, "amount": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, body["quote"])

	rec, _ = a.do(t, http.MethodPost, "/api/markets/m1/buy", token, gin.H{"outcome": 0, "amount": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = a.do(t, http.MethodGet, "/api/positions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["positions"], 1)

	rec, body = a.do(t, http.MethodPost, "/api/markets/m1/sell", token, gin.H{"outcome": 0, "shares": 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INSUFFICIENT_SHARES", body["code"])
	assert.Zero(t, a.h.FakeL2.Calls("POST /markets/{id}/sell"))

	rec, _ = a.do(t, http.MethodPost, "/api/markets/m1/sell", token, gin.H{"outcome": 0, "shares": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NoError(t, a.trades.Flush(context.Background()))
	rec, body = a.do(t, http.MethodGet, "/api/trades", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["trades"], 2)
}

func TestBuyRejectsMissingOutcome(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)

	rec, _ := a.do(t, http.MethodPost, "/api/markets/m1/buy", token, gin.H{"amount": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditOpenTwiceConflicts(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)
	a.h.FakeL1.Fund(a.h.L1Address(), 100)

	rec, body := a.do(t, http.MethodPost, "/api/credit/open", token, gin.H{"amount": 50})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(50), body["headroom"])

	rec, body = a.do(t, http.MethodPost, "/api/credit/open", token, gin.H{"amount": 10})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CREDIT_SESSION_OPEN", body["code"])

	rec, body = a.do(t, http.MethodGet, "/api/credit", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["session"])

	rec, body = a.do(t, http.MethodPost, "/api/credit/settle", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, body["settlement"])

	rec, body = a.do(t, http.MethodGet, "/api/credit", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, body["session"])
}

func TestHealthReportsDegradedLedger(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	degraded, unsub := a.h.Bus.Subscribe(events.KindServiceDegraded, 4)
	defer unsub()

	rec, body := a.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["degraded"])

	a.h.FakeL2.FailNext("GET /health", 1, http.StatusInternalServerError)
	_, body = a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["degraded"])
	assert.NotEmpty(t, body["banner"])

	select {
	case ev := <-degraded:
		got := ev.(events.ServiceDegraded)
		assert.Equal(t, "l2", got.Service)
		assert.True(t, got.Degraded)
	case <-time.After(time.Second):
		t.Fatal("no ServiceDegraded event")
	}
}

func TestHealthReportsClockSkewAndTradeLog(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})

	rec, body := a.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	skew, ok := body["clock_skew_ms"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	assert.Contains(t, skew, "l1")
	assert.Contains(t, skew, "l2")
	tradeLog, ok := body["trade_log"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	assert.Equal(t, float64(0), tradeLog["pending"])
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	a.do(t, http.MethodGet, "/health", "", nil)

	rec, _ := a.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_api_requests_total")
}

func TestWebsocketPushesBusEvents(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)

	ts := httptest.NewServer(a.srv.Router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription starts after the upgrade; publish until a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.h.Bus.Publish(events.ServiceDegraded{Service: "l1", Degraded: true})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := events.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, events.KindServiceDegraded, ev.Kind())
}

func TestWebsocketRequiresToken(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	rec, body := a.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MISSING_TOKEN", body["code"])
}

func seededAddress(namespace string) string {
	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))
	return signer.AddressFor(key.Public().(ed25519.PublicKey), namespace)
}

func TestTransferThenLedgerHistory(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)
	a.h.FakeL1.Fund(a.h.L1Address(), 100)
	to := seededAddress(signer.NamespaceL1)

	rec, body := a.do(t, http.MethodPost, "/api/transfer", token, gin.H{"to": to, "amount": 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["tx_hash"])
	assert.Equal(t, int64(30), a.h.FakeL1.BalanceOf(to).Available)

	rec, body = a.do(t, http.MethodGet, "/api/ledger", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, a.h.L1Address(), body["address"])
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(-30), entries[0].(map[string]any)["amount"])

	rec, body = a.do(t, http.MethodGet, "/api/ledger?address="+a.h.L2Address(), token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ADDRESS", body["code"])

	rec, body = a.do(t, http.MethodPost, "/api/transfer", token, gin.H{"to": seededAddress(signer.NamespaceL2), "amount": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ADDRESS", body["code"])
	assert.Equal(t, 1, a.h.FakeL1.Calls("POST /transfer"))
}

func TestAdminMint(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)

	rec, body := a.do(t, http.MethodPost, "/api/admin/mint", token, gin.H{"to": a.h.L1Address(), "amount": 500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["tx_hash"])
	assert.Equal(t, int64(500), a.h.FakeL1.BalanceOf(a.h.L1Address()).Available)
}

func TestResolutionIsSignedByUnlockedKey(t *testing.T) {
	a := newTestAPI(t, ledgertest.HarnessConfig{})
	token := a.unlock(t)

	rec, body := a.do(t, http.MethodPost, "/api/markets/m1/resolution", token, gin.H{"outcome": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := body["resolution"].(map[string]any)
	msg := res["message"].(string)
	assert.True(t, strings.HasPrefix(msg, "resolve:m1:1:"), msg)
	assert.True(t, signer.Verify(res["public_key"].(string), msg, res["signature"].(string)))

	rec, body = a.do(t, http.MethodPost, "/api/markets/m1/resolution", token, gin.H{"outcome": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", body["code"])
}
