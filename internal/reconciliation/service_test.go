package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bridge-core/internal/bridge"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/ledger/ledgertest"
	"bridge-core/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBridge struct {
	released, swept int
	err             error
}

func (b *stubBridge) ReleaseExpired(context.Context) (int, error) {
	b.released++
	return 0, b.err
}

func (b *stubBridge) SweepWithdrawals(context.Context) error {
	b.swept++
	return nil
}

type stubCredit struct{ synced []string }

func (c *stubCredit) Sync(_ context.Context, address string) error {
	c.synced = append(c.synced, address)
	return nil
}

func setup(t *testing.T, cfg ledgertest.HarnessConfig) (*Service, *ledgertest.Harness, *stubBridge, *stubCredit, *market.Positions) {
	t.Helper()
	h := ledgertest.NewHarness(t, cfg)
	br, cr := &stubBridge{}, &stubCredit{}
	positions := market.NewPositions(h.DB)
	svc := NewService(Deps{
		L1:        h.L1,
		L2:        h.L2,
		Keys:      h.Custody,
		Balances:  h.Balances,
		Positions: positions,
		Bridge:    br,
		Credit:    cr,
	}, 0)
	return svc, h, br, cr, positions
}

func TestReconcileReplacesDriftedSnapshots(t *testing.T) {
	svc, h, br, cr, _ := setup(t, ledgertest.HarnessConfig{})
	ctx := context.Background()
	h.FakeL1.Fund(h.L1Address(), 100)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.HasDiffs)

	view := h.Balances.Get(h.L1Address(), events.LedgerL1)
	require.NotNil(t, view)
	assert.Equal(t, int64(100), view.Confirmed().Available)

	_, err = view.Hold("bridge", 40, true)
	require.NoError(t, err)
	h.FakeL1.Fund(h.L1Address(), 50)

	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.BalanceDiffs, 1)
	diff := report.BalanceDiffs[0]
	assert.Equal(t, events.LedgerL1, diff.Ledger)
	assert.Equal(t, int64(100), diff.Local.Available)
	assert.Equal(t, int64(150), diff.Remote.Available)
	assert.Equal(t, int64(150), view.Confirmed().Available)
	assert.Empty(t, view.View().Pending)

	assert.Equal(t, 2, br.released)
	assert.Equal(t, 2, br.swept)
	assert.Equal(t, []string{h.L2Address(), h.L2Address()}, cr.synced)
	assert.Same(t, report, svc.LastReport())
}

func TestReconcileAdoptsL2Positions(t *testing.T) {
	svc, h, _, _, positions := setup(t, ledgertest.HarnessConfig{})
	ctx := context.Background()
	h.FakeL2.AddMarket(l2.Market{ID: "m1", Outcomes: []string{"yes", "no"}, Prices: []float64{0.5, 0.5}, Status: l2.MarketActive})
	h.FakeL2.Fund(h.L2Address(), 10)

	_, err := h.L2.Bet(ctx, "m1", l2.BetRequest{Outcome: 1, Amount: 10, MaxCost: 10, BetID: "elsewhere"})
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PositionDrift)
	assert.True(t, report.HasDiffs)

	pos, ok := positions.Get(h.L2Address(), "m1")
	require.True(t, ok)
	assert.InDelta(t, 20, pos.Shares[1], 1e-9)
}

func TestReconcileReportsOnlyWithoutAutoSync(t *testing.T) {
	svc, h, _, _, _ := setup(t, ledgertest.HarnessConfig{})
	ctx := context.Background()

	_, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	svc.SetAutoSync(false)
	h.FakeL2.Fund(h.L2Address(), 7)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.BalanceDiffs, 1)
	assert.False(t, report.BalanceDiffs[0].Synced)
	assert.Zero(t, h.Balances.Get(h.L2Address(), events.LedgerL2).Confirmed().Available)
}

func TestReconcileSkipsWhileLocked(t *testing.T) {
	svc, h, br, _, _ := setup(t, ledgertest.HarnessConfig{Locked: true})

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, h.FakeL1.TotalCalls())
	assert.Zero(t, br.released)
}

func TestReconcileCollectsStepErrors(t *testing.T) {
	svc, _, br, _, _ := setup(t, ledgertest.HarnessConfig{})
	br.err = errors.New("l1 down")

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"l1 down"}, report.Errors)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPeriodicReconcileLetsCustodyLock(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	h := ledgertest.NewHarness(t, ledgertest.HarnessConfig{Clock: clock})
	journal, err := bridge.OpenJournal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	coord := bridge.New(bridge.Config{}, bridge.Deps{
		L1:       h.L1,
		L2:       h.L2,
		Keys:     h.Custody,
		Store:    h.DB,
		Journal:  journal,
		Balances: h.Balances,
		Events:   h.Bus,
	})
	svc := NewService(Deps{
		L1:        h.L1,
		L2:        h.L2,
		Keys:      h.Custody,
		Balances:  h.Balances,
		Positions: market.NewPositions(h.DB),
		Bridge:    coord,
		Credit:    &stubCredit{},
	}, 0)
	ctx := context.Background()

	ran := 0
	for minute := 1; minute <= 30; minute++ {
		clock.Advance(time.Minute)
		report, err := svc.Reconcile(ctx)
		require.NoError(t, err, "minute %d", minute)
		if !report.Skipped {
			ran++
		}
	}

	assert.Equal(t, custody.StateLocked, h.Custody.State())
	assert.Equal(t, 9, ran)
	assert.True(t, svc.LastReport().Skipped)
}
