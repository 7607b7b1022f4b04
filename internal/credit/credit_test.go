package credit

import (
	"context"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/ledger/ledgertest"
	"bridge-core/pkg/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, fund int64) (*Manager, *ledgertest.Harness) {
	t.Helper()
	h := ledgertest.NewHarness(t, ledgertest.HarnessConfig{})
	h.FakeL1.Fund(h.L1Address(), fund)
	h.FakeL2.AddMarket(l2.Market{
		ID:       "m1",
		Outcomes: []string{"yes", "no"},
		Prices:   []float64{0.5, 0.5},
		Status:   l2.MarketActive,
	})
	m := NewManager(Config{}, Deps{
		L1:       h.L1,
		L2:       h.L2,
		Keys:     h.Custody,
		Store:    h.DB,
		Balances: h.Balances,
		Events:   h.Bus,
	})
	return m, h
}

func TestCreditBetThenSellSettlesProfit(t *testing.T) {
	m, h := setup(t, 200)
	ctx := context.Background()
	addr := h.L2Address()

	settled, unsub := h.Bus.Subscribe(events.KindSessionSettled, 1)
	defer unsub()

	s, err := m.Open(ctx, 200, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.CreditLimit)
	assert.Equal(t, int64(200), h.FakeL1.BalanceOf(h.L1Address()).Locked)

	res, err := m.ReserveBet(addr, 50)
	require.NoError(t, err)
	bet, err := h.L2.Bet(ctx, "m1", l2.BetRequest{Outcome: 0, Amount: 50, MaxCost: 50, BetID: "b1", CreditSessionID: s.ID})
	require.NoError(t, err)
	require.NoError(t, m.CommitBet(addr, res, bet.Cost))

	h.FakeL2.SetPrices("m1", 0.6, 0.4)
	sold, err := h.L2.Sell(ctx, "m1", l2.SellRequest{Outcome: 0, Shares: bet.Shares, SellID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), sold.Proceeds)
	require.NoError(t, m.RecordSell(addr, 50, sold.Proceeds))

	local, ok := m.Session(addr)
	require.True(t, ok)
	assert.Equal(t, int64(0), local.UsedCredit)
	assert.Equal(t, int64(10), local.RealizedPnL)

	out, err := m.Settle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.NetPnL)
	assert.Equal(t, int64(10), out.LocalPnL)
	assert.Equal(t, int64(210), h.FakeL1.BalanceOf(h.L1Address()).Available)

	ev := <-settled
	assert.Equal(t, int64(10), ev.(events.SessionSettled).NetPnL)
	_, ok = m.Session(addr)
	assert.False(t, ok)

	history, err := h.DB.Queries().ListCreditSessionsByAddress(ctx, addr, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, l2.CreditSettled, history[0].Status)
	assert.Equal(t, int64(10), history[0].NetPnL)
}

func TestOneOpenSessionPerAddress(t *testing.T) {
	m, h := setup(t, 300)
	ctx := context.Background()

	_, err := m.Open(ctx, 100, nil)
	require.NoError(t, err)
	_, err = m.Open(ctx, 100, nil)
	assert.ErrorIs(t, err, ErrSessionAlreadyOpen)
	assert.Equal(t, 1, h.FakeL2.Calls("POST /credit/open"))
}

func TestOpenRejectsCollateralAboveAvailable(t *testing.T) {
	m, h := setup(t, 50)
	_, err := m.Open(context.Background(), 100, nil)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, 0, h.FakeL1.Calls("POST /locks"))
}

func TestRefusedSessionReleasesCollateral(t *testing.T) {
	m, h := setup(t, 100)
	h.FakeL2.FailNext("POST /credit/open", 1, http.StatusBadRequest)

	_, err := m.Open(context.Background(), 100, nil)
	require.Error(t, err)
	assert.Equal(t, int64(100), h.FakeL1.BalanceOf(h.L1Address()).Available)
	assert.Equal(t, 1, h.FakeL1.Calls("POST /locks/{id}/release"))
}

func TestReservationsEnforceCreditLimit(t *testing.T) {
	m, h := setup(t, 200)
	ctx := context.Background()
	addr := h.L2Address()

	_, err := m.ReserveBet(addr, 10)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.Open(ctx, 200, nil)
	require.NoError(t, err)

	a, err := m.ReserveBet(addr, 150)
	require.NoError(t, err)
	_, err = m.ReserveBet(addr, 60)
	assert.ErrorIs(t, err, ErrCreditExceeded)

	m.CancelBet(addr, a)
	b, err := m.ReserveBet(addr, 60)
	require.NoError(t, err)
	require.NoError(t, m.CommitBet(addr, b, 55))
	assert.ErrorIs(t, m.CommitBet(addr, b, 55), ErrUnknownReservation)

	s, _ := m.Session(addr)
	assert.Equal(t, int64(55), s.UsedCredit)
	assert.Equal(t, int64(0), s.LockedInBets)
	assert.Equal(t, int64(145), s.Headroom())
}

func TestCommitOverLimitIsReported(t *testing.T) {
	m, h := setup(t, 100)
	ctx := context.Background()
	addr := h.L2Address()

	breached, unsub := h.Bus.Subscribe(events.KindCreditLimitBreached, 1)
	defer unsub()

	_, err := m.Open(ctx, 100, nil)
	require.NoError(t, err)
	res, err := m.ReserveBet(addr, 90)
	require.NoError(t, err)

	err = m.CommitBet(addr, res, 120)
	assert.ErrorIs(t, err, ErrCreditExceeded)

	s, _ := m.Session(addr)
	assert.Equal(t, int64(120), s.UsedCredit)
	assert.Equal(t, int64(0), s.LockedInBets)

	ev := (<-breached).(events.CreditLimitBreached)
	assert.Equal(t, s.ID, ev.SessionID)
	assert.Equal(t, int64(100), ev.CreditLimit)
	assert.Equal(t, int64(120), ev.UsedCredit)
}

func TestSettleWaitsForSlotHeldUnderL2Address(t *testing.T) {
	m, h := setup(t, 100)
	ctx := context.Background()

	_, err := m.Open(ctx, 100, nil)
	require.NoError(t, err)

	release, err := m.serial.Acquire(ctx, h.L2Address())
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = m.Settle(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := m.Session(h.L2Address())
	assert.True(t, ok)

	release()
	_, err = m.Settle(ctx)
	require.NoError(t, err)
}

func TestCreditInvariantHoldsUnderRandomOperations(t *testing.T) {
	m, h := setup(t, 500)
	ctx := context.Background()
	addr := h.L2Address()
	_, err := m.Open(ctx, 500, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	var open []string
	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			if id, err := m.ReserveBet(addr, int64(rng.Intn(120)+1)); err == nil {
				open = append(open, id)
			}
		case 2:
			if len(open) > 0 {
				id := open[0]
				open = open[1:]
				s, _ := m.Session(addr)
				cost := rng.Int63n(s.reservations[id] + 1)
				require.NoError(t, m.CommitBet(addr, id, cost))
			}
		case 3:
			s, _ := m.Session(addr)
			if s.UsedCredit > 0 {
				released := rng.Int63n(s.UsedCredit + 1)
				require.NoError(t, m.RecordSell(addr, released, released+rng.Int63n(20)-10))
			}
		}
		s, _ := m.Session(addr)
		require.LessOrEqual(t, s.UsedCredit+s.LockedInBets, s.CreditLimit)
		require.GreaterOrEqual(t, s.UsedCredit, int64(0))
	}
}

func TestWatchWarnsThenForcesSettlement(t *testing.T) {
	m, h := setup(t, 100)
	ctx := context.Background()
	addr := h.L2Address()
	h.FakeL2.CreditTTL = 2 * time.Minute

	expiring, unsubE := h.Bus.Subscribe(events.KindCreditSessionExpiring, 1)
	defer unsubE()
	settled, unsubS := h.Bus.Subscribe(events.KindSessionSettled, 1)
	defer unsubS()

	s, err := m.Open(ctx, 100, nil)
	require.NoError(t, err)
	require.NoError(t, h.DB.Queries().UpsertPosition(ctx, db.Position{
		Address:         addr,
		MarketID:        "m1",
		Shares:          []float64{10, 0},
		CostBasis:       5,
		CreditSessionID: s.ID,
	}))

	m.CheckExpiry(ctx)
	ev := <-expiring
	assert.Equal(t, 1, ev.(events.CreditSessionExpiring).OpenPositions)

	m.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	m.CheckExpiry(ctx)
	done := <-settled
	assert.True(t, done.(events.SessionSettled).Forced)
	_, ok := m.Session(addr)
	assert.False(t, ok)
}

func TestLoadRestoresOpenSession(t *testing.T) {
	m, h := setup(t, 100)
	ctx := context.Background()
	s, err := m.Open(ctx, 100, nil)
	require.NoError(t, err)

	restarted := NewManager(Config{}, Deps{L1: h.L1, L2: h.L2, Keys: h.Custody, Store: h.DB, Balances: h.Balances})
	require.NoError(t, restarted.Load(ctx, h.L1Address(), h.L2Address()))
	got, ok := restarted.Session(h.L2Address())
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, int64(100), got.CreditLimit)

	_, err = restarted.Settle(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Sync(ctx, h.L2Address()))
	_, ok = m.Session(h.L2Address())
	assert.False(t, ok, "settled elsewhere")
}
