package persistence

import (
	"context"
	"testing"
	"time"

	"bridge-core/pkg/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func trade(id string) db.Trade {
	return db.Trade{TradeID: id, Address: "l2alice", MarketID: "m1", Side: db.SideBuy, Shares: 2, Amount: 1, CreatedAt: time.Now()}
}

func TestFlushWritesQueuedTrades(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour)
	defer bw.Close()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, bw.WriteQuery("trades", db.InsertTradeSQL, trade(id).Args()...))
	}
	assert.Equal(t, 3, bw.Pending())

	require.NoError(t, bw.Flush(context.Background()))
	assert.Zero(t, bw.Pending())

	got, err := database.Queries().GetTradesByAddress(context.Background(), "l2alice", 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	m := bw.Metrics()
	assert.Equal(t, uint64(3), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
	assert.Equal(t, 3, m.LastBatchSize)

	pending, written, failed := bw.Stats()
	assert.Zero(t, pending)
	assert.Equal(t, uint64(3), written)
	assert.Zero(t, failed)
}

func TestFullBufferFlushesImmediately(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database.DB, 2, time.Hour)
	defer bw.Close()

	require.NoError(t, bw.WriteQuery("trades", db.InsertTradeSQL, trade("a").Args()...))
	require.NoError(t, bw.WriteQuery("trades", db.InsertTradeSQL, trade("b").Args()...))
	assert.Zero(t, bw.Pending())
}

func TestFailedStatementRollsBackBatch(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour)
	defer bw.Close()

	require.NoError(t, bw.WriteQuery("trades", db.InsertTradeSQL, trade("ok").Args()...))
	require.NoError(t, bw.WriteQuery("nope", "INSERT INTO missing_table VALUES (1)"))
	assert.Error(t, bw.Flush(context.Background()))
	assert.Equal(t, uint64(1), bw.Metrics().TotalErrors)

	got, err := database.Queries().GetTradesByAddress(context.Background(), "l2alice", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCloseFlushesAndRejectsWrites(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour)

	require.NoError(t, bw.WriteQuery("trades", db.InsertTradeSQL, trade("last").Args()...))
	require.NoError(t, bw.Close())
	require.NoError(t, bw.Close())
	assert.ErrorIs(t, bw.WriteQuery("trades", db.InsertTradeSQL, trade("late").Args()...), ErrWriterClosed)

	got, err := database.Queries().GetTradesByAddress(context.Background(), "l2alice", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
