package market

import (
	"context"
	"testing"

	"bridge-core/internal/ledger/l2"
	"bridge-core/pkg/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPositions(t *testing.T) (*Positions, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return NewPositions(database), database
}

func TestRecordSellReleasesProportionalCostBasis(t *testing.T) {
	p, _ := newPositions(t)
	ctx := context.Background()

	_, err := p.RecordBuy(ctx, "l2a", "m1", 0, 2, 60, 30, "")
	require.NoError(t, err)
	_, err = p.RecordBuy(ctx, "l2a", "m1", 1, 2, 40, 20, "")
	require.NoError(t, err)

	released, pos, err := p.RecordSell(ctx, "l2a", "m1", 0, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(15), released)
	assert.Equal(t, int64(35), pos.CostBasis)
	assert.InDelta(t, 30, pos.Shares[0], 1e-9)
}

func TestPositionsSurviveReload(t *testing.T) {
	p, database := newPositions(t)
	ctx := context.Background()

	_, err := p.RecordBuy(ctx, "l2a", "m1", 1, 2, 10, 5, "cs-1")
	require.NoError(t, err)

	fresh := NewPositions(database)
	require.NoError(t, fresh.Load(ctx, "l2a"))
	pos, ok := fresh.Get("l2a", "m1")
	require.True(t, ok)
	assert.Equal(t, "cs-1", pos.CreditSessionID)
	assert.Equal(t, 1, fresh.InSession("l2a", "cs-1"))
}

func TestReplaceAdoptsLedgerView(t *testing.T) {
	p, database := newPositions(t)
	ctx := context.Background()

	_, err := p.RecordBuy(ctx, "l2a", "m1", 0, 2, 10, 5, "cs-1")
	require.NoError(t, err)
	_, err = p.RecordBuy(ctx, "l2a", "m2", 0, 2, 4, 2, "")
	require.NoError(t, err)

	drift, err := p.Replace(ctx, "l2a", []l2.Position{
		{MarketID: "m1", Shares: []float64{12, 0}, CostBasis: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, drift)

	list := p.List("l2a")
	require.Len(t, list, 1)
	assert.Equal(t, "cs-1", list[0].CreditSessionID)
	assert.Equal(t, int64(6), list[0].CostBasis)

	rows, err := database.Queries().GetPositionsByAddress(ctx, "l2a")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	drift, err = p.Replace(ctx, "l2a", []l2.Position{{MarketID: "m1", Shares: []float64{12, 0}, CostBasis: 6}})
	require.NoError(t, err)
	assert.Zero(t, drift)
}
