package ledgertest

import (
	"context"
	"testing"
	"time"

	"bridge-core/internal/balance"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/signer"
	"bridge-core/pkg/crypto"
	"bridge-core/pkg/db"

	"github.com/stretchr/testify/require"
)

// TestPhrase is the well-known BIP-39 test vector used by harness vaults.
const TestPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// TestSecret unlocks harness vaults.
var TestSecret = []byte("correct horse")

// HarnessConfig tunes the custody side of a Harness.
type HarnessConfig struct {
	LargeValueThreshold int64
	// Locked leaves custody locked after setup.
	Locked bool
	// Clock drives the custody timers; nil uses the wall clock.
	Clock custody.Clock
}

// Harness wires fake ledgers to real clients, an unlocked custody manager,
// an in-memory database and a balance registry.
type Harness struct {
	FakeL1   *L1
	FakeL2   *L2
	L1       *l1.Client
	L2       *l2.Client
	Custody  *custody.Manager
	DB       *db.Database
	Balances *balance.Registry
	Bus      *events.Bus
}

// NewHarness builds a Harness and registers cleanup on t.
func NewHarness(t testing.TB, cfg HarnessConfig) *Harness {
	t.Helper()

	fakeL1 := NewL1()
	fakeL2 := NewL2(fakeL1)
	t.Cleanup(func() {
		fakeL2.Close()
		fakeL1.Close()
	})

	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	vault, err := custody.SealVault("default", TestPhrase, TestSecret, crypto.KDFParams{Time: 1, MemoryKB: 64, Threads: 1})
	require.NoError(t, err)
	require.NoError(t, database.SaveVault(context.Background(), vault))

	bus := events.NewBus()
	clock := cfg.Clock
	if clock == nil {
		clock = custody.SystemClock()
	}
	keys := custody.NewManager(custody.Config{LargeValueThreshold: cfg.LargeValueThreshold}, database, clock, bus)
	if !cfg.Locked {
		ok, err := keys.Unlock(context.Background(), TestSecret)
		require.NoError(t, err)
		require.True(t, ok)
	}

	transport := func(name, url string) *ledger.Transport {
		return ledger.NewTransport(ledger.Config{
			Name:         name,
			BaseURL:      url,
			RetryInitial: time.Millisecond,
			RetryMax:     5 * time.Millisecond,
		}, nil)
	}
	l1c := l1.New(transport("l1", fakeL1.URL()))
	l2c := l2.New(transport("l2", fakeL2.URL()), keys, l2.Config{DeviceID: "harness"})

	registry := balance.NewRegistry(func(address string, ledger events.Ledger) (*balance.Manager, error) {
		fetch := balance.L1Fetcher(l1c)
		if ledger == events.LedgerL2 {
			fetch = balance.L2Fetcher(l2c)
		}
		return balance.NewManager(address, ledger, fetch, 0, bus), nil
	})

	return &Harness{
		FakeL1:   fakeL1,
		FakeL2:   fakeL2,
		L1:       l1c,
		L2:       l2c,
		Custody:  keys,
		DB:       database,
		Balances: registry,
		Bus:      bus,
	}
}

// L1Address is the harness account on the custody ledger.
func (h *Harness) L1Address() string { return h.Custody.Address() }

// L2Address is the paired trading-ledger address.
func (h *Harness) L2Address() string {
	addr, err := signer.PairedAddress(h.Custody.Address())
	if err != nil {
		return ""
	}
	return addr
}
