// Package persistence batches append-only writes, such as the trade log, off
// the request path.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrWriterClosed = errors.New("batch writer closed")

// WriteOp represents a database write operation.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter batches database writes into single transactions.
type BatchWriter struct {
	db          *sql.DB
	mu          sync.Mutex
	buffer      []WriteOp
	maxSize     int
	flushIntval time.Duration
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup

	totalWrites   atomic.Uint64
	totalBatches  atomic.Uint64
	totalErrors   atomic.Uint64
	lastBatchSize atomic.Int64
	lastFlush     atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Pending       int       `json:"pending"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes after maxSize operations or
// every interval, whichever comes first.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:          db,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write queues op. A full buffer is flushed on the caller's goroutine.
func (bw *BatchWriter) Write(op WriteOp) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(context.Background())
	}
	return nil
}

// WriteQuery queues a single statement.
func (bw *BatchWriter) WriteQuery(table, query string, args ...any) error {
	return bw.Write(WriteOp{Table: table, Query: query, Args: args})
}

// Flush writes everything buffered in one transaction.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ctx, ops)
}

func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatchSize.Store(int64(len(ops)))
	bw.lastFlush.Store(time.Now().UnixMilli())

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.totalErrors.Add(1)
		log.Error().Err(err).Msg("batch writer: begin transaction failed")
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			log.Error().Err(err).Str("table", op.Table).Int("batch", len(ops)).Msg("batch writer: statement failed, rolled back")
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		log.Error().Err(err).Msg("batch writer: commit failed")
		return err
	}
	log.Debug().Int("ops", len(ops)).Msg("batch writer flushed")
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				log.Warn().Err(err).Msg("batch writer: background flush failed")
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				log.Warn().Err(err).Msg("batch writer: final flush failed")
			}
			return
		}
	}
}

// Pending returns the number of queued operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Stats matches monitor.TradeLogStats.
func (bw *BatchWriter) Stats() (pending int, written, failed uint64) {
	return bw.Pending(), bw.totalWrites.Load(), bw.totalErrors.Load()
}

func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		Pending:       bw.Pending(),
		LastBatchSize: int(bw.lastBatchSize.Load()),
	}
	if ms := bw.lastFlush.Load(); ms > 0 {
		m.LastFlushTime = time.UnixMilli(ms)
	}
	return m
}

// Close flushes what is queued and stops the background loop. Safe to call twice.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	bw.wg.Wait()
	return nil
}
