package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Stage is the last step a deposit reached.
type Stage string

const (
	StageLockRequested Stage = "LOCK_REQUESTED"
	StageLocked        Stage = "LOCKED"
	StageClaimed       Stage = "CLAIMED"
	StageReleased      Stage = "RELEASED"
	StageAbandoned     Stage = "ABANDONED"
)

// Terminal reports whether no further step is owed for the deposit.
func (s Stage) Terminal() bool {
	return s == StageClaimed || s == StageReleased || s == StageAbandoned
}

// Record is one deposit as seen by the journal.
type Record struct {
	LockID    string    `json:"lock_id"`
	Owner     string    `json:"owner"`
	L2Address string    `json:"l2_address"`
	Amount    int64     `json:"amount"`
	L1TxHash  string    `json:"l1_tx_hash,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Stage     Stage     `json:"stage"`
}

// JournalMetrics tracks persistence statistics.
type JournalMetrics struct {
	Written   uint64
	Recovered uint64
	Completed uint64
	Failed    uint64
}

type journalEntry struct {
	Record    Record    `json:"record"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal is an append-only write-ahead log of deposit steps. Each step is
// written before the next network call so a restarted process can pick up
// deposits that were locked on L1 but never claimed on L2.
type Journal struct {
	path    string
	file    *os.File
	mu      sync.Mutex
	open    map[string]Record
	metrics JournalMetrics
	closed  bool
}

// OpenJournal opens (or creates) the journal in dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	path := filepath.Join(dir, "bridge.wal")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, file: file, open: make(map[string]Record)}, nil
}

// Recover folds the log into the last stage per lock and returns every
// deposit that still owes a step. The log is compacted afterwards.
func (j *Journal) Recover() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for recovery: %w", err)
	}
	defer file.Close()

	latest := make(map[string]Record)
	order := make([]string, 0)
	done := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Warn().Err(err).Msg("journal parse error, skipping line")
			continue
		}
		rec := entry.Record
		if _, seen := latest[rec.LockID]; !seen {
			order = append(order, rec.LockID)
		}
		if rec.Stage.Terminal() {
			done++
		}
		latest[rec.LockID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal scan error: %w", err)
	}

	var pending []Record
	for _, id := range order {
		rec := latest[id]
		if !rec.Stage.Terminal() {
			pending = append(pending, rec)
			j.open[id] = rec
		}
	}

	atomic.AddUint64(&j.metrics.Recovered, uint64(len(pending)))
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("recovered unfinished deposits from journal")
	}
	if done > 0 {
		if err := j.compactLocked(pending); err != nil {
			log.Warn().Err(err).Msg("journal compaction failed")
		}
	}
	return pending, nil
}

// compactLocked rewrites the log with only unfinished deposits.
func (j *Journal) compactLocked(pending []Record) error {
	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, rec := range pending {
		if err := enc.Encode(journalEntry{Record: rec, Timestamp: time.Now()}); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()

	j.file.Close()
	if err := os.Rename(tmpPath, j.path); err != nil {
		return err
	}
	j.file, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	log.Debug().Int("kept", len(pending)).Msg("journal compacted")
	return nil
}

// Append writes rec at its stage. Non-terminal stages are fsynced before
// returning; terminal ones are not, a replay after a crash is idempotent.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal closed")
	}

	data, err := json.Marshal(journalEntry{Record: rec, Timestamp: time.Now()})
	if err != nil {
		atomic.AddUint64(&j.metrics.Failed, 1)
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		atomic.AddUint64(&j.metrics.Failed, 1)
		return fmt.Errorf("write journal: %w", err)
	}

	if rec.Stage.Terminal() {
		delete(j.open, rec.LockID)
		atomic.AddUint64(&j.metrics.Completed, 1)
		return nil
	}
	if err := j.file.Sync(); err != nil {
		atomic.AddUint64(&j.metrics.Failed, 1)
		return fmt.Errorf("sync journal: %w", err)
	}
	j.open[rec.LockID] = rec
	atomic.AddUint64(&j.metrics.Written, 1)
	return nil
}

// Open returns the unfinished record for lockID, if any.
func (j *Journal) Open(lockID string) (Record, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.open[lockID]
	return rec, ok
}

// Pending returns how many deposits still owe a step.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.open)
}

func (j *Journal) Metrics() JournalMetrics {
	return JournalMetrics{
		Written:   atomic.LoadUint64(&j.metrics.Written),
		Recovered: atomic.LoadUint64(&j.metrics.Recovered),
		Completed: atomic.LoadUint64(&j.metrics.Completed),
		Failed:    atomic.LoadUint64(&j.metrics.Failed),
	}
}

// Close syncs and closes the log file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	_ = j.file.Sync()
	return j.file.Close()
}
