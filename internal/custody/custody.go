// Package custody holds the vault key and the signing key in process memory
// and time-boxes them with an activity window and a hard inactivity ceiling.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/signer"
	"bridge-core/pkg/crypto"
	"bridge-core/pkg/db"

	"github.com/rs/zerolog/log"
)

var (
	ErrVaultLocked     = errors.New("vault is locked")
	ErrReauthRequired  = errors.New("re-authentication required")
	ErrUnlockThrottled = errors.New("unlock attempts are temporarily throttled")
	ErrVaultNotFound   = errors.New("vault not found")
)

const (
	DefaultActiveWindow      = 10 * time.Minute
	DefaultInactivityCeiling = 60 * time.Minute
	DefaultTickInterval      = time.Second
)

// State of the custody state machine.
type State int

const (
	StateLocked State = iota
	StateUnlockedActive
	StateSignedOut
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlockedActive:
		return "unlocked_active"
	case StateSignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Config controls the two timers and the large-value policy.
type Config struct {
	Identity            string
	ActiveWindow        time.Duration
	InactivityCeiling   time.Duration
	LargeValueThreshold int64 // 0 disables forced re-auth
	TickInterval        time.Duration
}

func (c *Config) applyDefaults() {
	if c.Identity == "" {
		c.Identity = "default"
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = DefaultActiveWindow
	}
	if c.InactivityCeiling <= 0 {
		c.InactivityCeiling = DefaultInactivityCeiling
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
}

// Material is the signing key handed to callers. It stops working once custody locks.
type Material struct {
	*signer.Signer
}

// Manager is the session key custody state machine.
type Manager struct {
	mu sync.Mutex

	// attempts serializes Unlock so the throttle applies to concurrent callers.
	attempts sync.Mutex

	cfg   Config
	store VaultStore
	clock Clock
	pub   events.Publisher

	vaultKey []byte
	sealed   string
	l1Addr   string
	sig      *signer.Signer

	state        State
	activeExpiry time.Time
	hardDeadline time.Time

	failedAttempts int
	throttledUntil time.Time

	signOutHooks []func()
}

// NewManager creates a locked custody manager.
func NewManager(cfg Config, store VaultStore, clock Clock, pub events.Publisher) *Manager {
	cfg.applyDefaults()
	if clock == nil {
		clock = SystemClock()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Manager{cfg: cfg, store: store, clock: clock, pub: pub, state: StateLocked}
}

// OnSignOut registers a callback run after the hard ceiling tears the session down.
func (m *Manager) OnSignOut(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signOutHooks = append(m.signOutHooks, fn)
}

// Unlock derives the vault key from secret and opens the stored phrase.
// A wrong secret returns (false, nil) and leaves the current state untouched.
func (m *Manager) Unlock(ctx context.Context, secret []byte) (bool, error) {
	if len(secret) == 0 {
		return false, ErrSecretRequired
	}

	m.attempts.Lock()
	defer m.attempts.Unlock()

	m.mu.Lock()
	if m.clock.Now().Before(m.throttledUntil) {
		m.mu.Unlock()
		return false, ErrUnlockThrottled
	}
	m.mu.Unlock()

	v, err := m.store.GetVault(ctx, m.cfg.Identity)
	if errors.Is(err, db.ErrNotFound) {
		return false, ErrVaultNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load vault: %w", err)
	}

	key, phrase, err := openVault(v, secret)
	if errors.Is(err, crypto.ErrDecryptionFailed) {
		m.mu.Lock()
		m.onFailedAttempt()
		attempts := m.failedAttempts
		m.mu.Unlock()
		log.Warn().Int("attempts", attempts).Msg("custody unlock rejected")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open vault: %w", err)
	}

	// Validate the phrase and that it still belongs to this vault.
	check, err := deriveSigner(phrase)
	crypto.Zero(phrase)
	if err != nil {
		crypto.Zero(key)
		return false, fmt.Errorf("open vault: %w", err)
	}
	matches := check.L1Address() == v.L1Address
	check.Zero()
	if !matches {
		crypto.Zero(key)
		return false, ErrAddressMismatch
	}

	m.mu.Lock()
	now := m.clock.Now()
	evs := m.expireLocked(now)
	m.zeroSecretsLocked()
	m.vaultKey = key
	m.sealed = v.SealedPhrase
	m.l1Addr = v.L1Address
	m.activeExpiry = now.Add(m.cfg.ActiveWindow)
	if m.hardDeadline.IsZero() {
		m.hardDeadline = now.Add(m.cfg.InactivityCeiling)
	}
	m.state = StateUnlockedActive
	m.failedAttempts = 0
	m.throttledUntil = time.Time{}
	hard := m.hardDeadline
	m.mu.Unlock()

	m.flush(evs)
	log.Info().Str("address", v.L1Address).Time("hard_deadline", hard).Msg("custody unlocked")
	return true, nil
}

// SigningMaterial returns the signing key while both timers are open.
// A successful call counts as activity, so only user-initiated operations
// should use it.
func (m *Manager) SigningMaterial() (*Material, bool) {
	return m.material(true)
}

// Peek returns the signing key while both timers are open without
// extending the active window. Background work uses it.
func (m *Manager) Peek() (*Material, bool) {
	return m.material(false)
}

func (m *Manager) material(touch bool) (*Material, bool) {
	m.mu.Lock()
	now := m.clock.Now()
	evs := m.expireLocked(now)
	if m.state != StateUnlockedActive {
		m.mu.Unlock()
		m.flush(evs)
		return nil, false
	}
	if m.sig == nil {
		phrase, err := openPhrase(m.vaultKey, m.sealed)
		if err == nil {
			m.sig, err = deriveSigner(phrase)
			crypto.Zero(phrase)
		}
		if err != nil {
			log.Error().Err(err).Msg("derive signing key")
			evs = append(evs, m.lockLocked("key derivation failed"))
			m.mu.Unlock()
			m.flush(evs)
			return nil, false
		}
	}
	if touch {
		m.activeExpiry = now.Add(m.cfg.ActiveWindow)
	}
	mat := &Material{Signer: m.sig}
	m.mu.Unlock()

	m.flush(evs)
	return mat, true
}

// RecordActivity extends the active window. The hard deadline never moves.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	now := m.clock.Now()
	evs := m.expireLocked(now)
	if m.state == StateUnlockedActive {
		m.activeExpiry = now.Add(m.cfg.ActiveWindow)
	}
	m.mu.Unlock()
	m.flush(evs)
}

// Lock zeroes all secret material. The hard ceiling keeps running.
func (m *Manager) Lock() {
	m.mu.Lock()
	var evs []events.Event
	if m.state == StateUnlockedActive {
		evs = append(evs, m.lockLocked("explicit"))
	} else {
		m.zeroSecretsLocked()
	}
	m.mu.Unlock()
	m.flush(evs)
}

// SignOut tears the whole session down as if the hard ceiling elapsed.
func (m *Manager) SignOut(reason string) {
	m.mu.Lock()
	evs := m.signOutLocked(reason)
	m.mu.Unlock()
	m.flush(evs)
}

// State reports the current state after applying any elapsed timers.
func (m *Manager) State() State {
	m.mu.Lock()
	evs := m.expireLocked(m.clock.Now())
	s := m.state
	m.mu.Unlock()
	m.flush(evs)
	return s
}

// Deadlines returns the active window expiry and the hard logout deadline.
// Zero values mean the timer is not running.
func (m *Manager) Deadlines() (active, hard time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateUnlockedActive {
		active = m.activeExpiry
	}
	return active, m.hardDeadline
}

// Address returns the L1 address of the unlocked vault, empty when never unlocked.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.l1Addr
}

// Authorize returns signing material for a transaction of amount.
// At or above the large-value threshold the secret is re-verified first,
// even when the active window is open.
func (m *Manager) Authorize(ctx context.Context, amount int64, secret []byte) (*Material, error) {
	if m.IsLargeValue(amount) {
		if len(secret) == 0 {
			return nil, ErrReauthRequired
		}
		ok, err := m.Unlock(ctx, secret)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: secret rejected", ErrReauthRequired)
		}
	}
	mat, ok := m.SigningMaterial()
	if !ok {
		return nil, ErrVaultLocked
	}
	return mat, nil
}

// CurrentSigner returns the signing key for ledger authentication. It does
// not count as activity.
func (m *Manager) CurrentSigner() (ledger.Signer, error) {
	mat, ok := m.Peek()
	if !ok {
		return nil, ErrVaultLocked
	}
	return mat, nil
}

// IsLargeValue reports whether amount needs a fresh unlock.
func (m *Manager) IsLargeValue(amount int64) bool {
	return m.cfg.LargeValueThreshold > 0 && amount >= m.cfg.LargeValueThreshold
}

// expireLocked applies elapsed timers. Caller holds m.mu.
func (m *Manager) expireLocked(now time.Time) []events.Event {
	if !m.hardDeadline.IsZero() && !now.Before(m.hardDeadline) {
		return m.signOutLocked("inactivity ceiling reached")
	}
	if m.state == StateUnlockedActive && !now.Before(m.activeExpiry) {
		return []events.Event{m.lockLocked("active window elapsed")}
	}
	return nil
}

func (m *Manager) lockLocked(reason string) events.Event {
	m.zeroSecretsLocked()
	m.state = StateLocked
	m.activeExpiry = time.Time{}
	log.Info().Str("reason", reason).Msg("custody locked")
	return events.CustodyLocked{Reason: reason}
}

func (m *Manager) signOutLocked(reason string) []events.Event {
	m.zeroSecretsLocked()
	m.state = StateSignedOut
	m.activeExpiry = time.Time{}
	m.hardDeadline = time.Time{}
	log.Info().Str("reason", reason).Msg("custody signed out")
	return []events.Event{events.SignedOut{Reason: reason}}
}

func (m *Manager) zeroSecretsLocked() {
	crypto.Zero(m.vaultKey)
	m.vaultKey = nil
	m.sealed = ""
	if m.sig != nil {
		m.sig.Zero()
		m.sig = nil
	}
}

// flush publishes collected events outside the lock and runs sign-out hooks.
func (m *Manager) flush(evs []events.Event) {
	for _, ev := range evs {
		m.pub.Publish(ev)
		if _, ok := ev.(events.SignedOut); ok {
			m.mu.Lock()
			hooks := append([]func(){}, m.signOutHooks...)
			m.mu.Unlock()
			for _, fn := range hooks {
				fn()
			}
		}
	}
}

func (m *Manager) onFailedAttempt() {
	m.failedAttempts++
	m.throttledUntil = m.clock.Now().Add(failedAttemptBackoff(m.failedAttempts))
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
