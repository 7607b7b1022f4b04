package bridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRecoverReturnsUnfinished(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)

	require.NoError(t, j.Append(Record{LockID: "a", Amount: 1, Stage: StageLockRequested}))
	require.NoError(t, j.Append(Record{LockID: "a", Amount: 1, L1TxHash: "0x1", Stage: StageLocked}))
	require.NoError(t, j.Append(Record{LockID: "b", Amount: 2, Stage: StageLockRequested}))
	require.NoError(t, j.Append(Record{LockID: "b", Amount: 2, Stage: StageClaimed}))
	require.NoError(t, j.Append(Record{LockID: "c", Amount: 3, Stage: StageLockRequested}))
	assert.Equal(t, 2, j.Pending())
	require.NoError(t, j.Close())

	reopened, err := OpenJournal(dir)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Recover()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].LockID)
	assert.Equal(t, StageLocked, pending[0].Stage)
	assert.Equal(t, "0x1", pending[0].L1TxHash)
	assert.Equal(t, StageLockRequested, pending[1].Stage)
	assert.Equal(t, uint64(2), reopened.Metrics().Recovered)

	rec, ok := reopened.Open("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Amount)
}

func TestJournalCompactsFinishedEntries(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{LockID: "a", Stage: StageLocked}))
	require.NoError(t, j.Append(Record{LockID: "a", Stage: StageReleased}))
	require.NoError(t, j.Append(Record{LockID: "b", Stage: StageLocked}))

	pending, err := j.Recover()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "bridge.wal"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"lock_id":"a"`)
	assert.Contains(t, string(raw), `"lock_id":"b"`)
}

func TestJournalSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bridge.wal"), []byte("not json\n"), 0o600))
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	pending, err := j.Recover()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, j.Close())
	assert.Error(t, j.Append(Record{LockID: "x", Stage: StageLocked}))
}
