// Package bridge moves value between the custody ledger (L1) and the trading
// ledger (L2). Deposits lock on L1 and claim on L2; withdrawals burn on L2 and
// wait for the dealer to settle on L1.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bridge-core/internal/balance"
	"bridge-core/internal/custody"
	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/monitor"
	"bridge-core/internal/serial"
	"bridge-core/pkg/db"

	"github.com/rs/zerolog/log"
)

var (
	ErrLockIDRequired  = errors.New("lock id is required")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrUnknownLock     = errors.New("lock is not known to this bridge")
	ErrLockReleased    = errors.New("lock was released before it was claimed")
	ErrAmountMismatch  = errors.New("lock id already used with a different amount")
	ErrUnknownWithdraw = errors.New("withdrawal is not known to this bridge")

	ErrWithdrawalUnresolved = errors.New("withdrawal submission outcome is unknown")
)

// Withdrawal statuses kept locally. Submitting covers the time between
// persisting the signed request and L2 acknowledging it.
const (
	WithdrawalSubmitting        = "submitting"
	WithdrawalPendingSettlement = l2.WithdrawalPending
	WithdrawalCompleted         = l2.WithdrawalCompleted
	WithdrawalFailed            = l2.WithdrawalFailed
	WithdrawalStalled           = "stalled"
)

// lockAbandoned marks a local lock record whose placement never landed on
// L1. The lock id may be used again.
const lockAbandoned = "abandoned"

const (
	DefaultLockTTL              = 15 * time.Minute
	DefaultWithdrawalStallAfter = 30 * time.Minute
)

// ResumableError is returned when a deposit stopped between the two ledgers:
// the L2 claim failed, or the L1 lock reply was lost. Call Resume with the
// same LockID.
type ResumableError struct {
	LockID string
	Err    error
}

func (e *ResumableError) Error() string {
	return fmt.Sprintf("deposit %s is not claimed on L2 yet: %v", e.LockID, e.Err)
}

func (e *ResumableError) Unwrap() error { return e.Err }

// Keys hands out signing material, enforcing the custody window and the
// large-value re-authentication rule. Peek serves background work and does
// not count as activity.
type Keys interface {
	Authorize(ctx context.Context, amount int64, secret []byte) (*custody.Material, error)
	Peek() (*custody.Material, bool)
}

// Config tunes the coordinator.
type Config struct {
	LockTTL              time.Duration
	WithdrawalStallAfter time.Duration
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	L1       *l1.Client
	L2       *l2.Client
	Keys     Keys
	Store    *db.Database
	Journal  *Journal
	Balances *balance.Registry
	Serial   *serial.Queue
	Metrics  *monitor.Metrics
	Events   events.Publisher
}

// DepositRequest asks to move Amount from L1 to L2. LockID is chosen by the
// caller and makes the whole deposit idempotent.
type DepositRequest struct {
	LockID string
	Amount int64
	Secret []byte
}

// DepositResult describes a finished deposit.
type DepositResult struct {
	LockID    string `json:"lock_id"`
	Amount    int64  `json:"amount"`
	L1TxHash  string `json:"l1_tx_hash"`
	L2Address string `json:"l2_address"`
	Status    string `json:"status"`
}

// WithdrawRequest asks to move Amount from L2 back to L1.
type WithdrawRequest struct {
	Amount int64
	Secret []byte
}

// Coordinator runs the two-ledger protocols.
type Coordinator struct {
	cfg      Config
	l1       *l1.Client
	l2       *l2.Client
	keys     Keys
	store    *db.Database
	journal  *Journal
	balances *balance.Registry
	serial   *serial.Queue
	metrics  *monitor.Metrics
	pub      events.Publisher
	now      func() time.Time
}

// New creates a coordinator.
func New(cfg Config, d Deps) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.WithdrawalStallAfter <= 0 {
		cfg.WithdrawalStallAfter = DefaultWithdrawalStallAfter
	}
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.Serial == nil {
		d.Serial = serial.New(0)
	}
	return &Coordinator{
		cfg:      cfg,
		l1:       d.L1,
		l2:       d.L2,
		keys:     d.Keys,
		store:    d.Store,
		journal:  d.Journal,
		balances: d.Balances,
		serial:   d.Serial,
		metrics:  d.Metrics,
		pub:      d.Events,
		now:      time.Now,
	}
}

// Deposit locks Amount on L1 and claims it on L2.
//
// A LockID already locked with the same amount is reused without a second
// lock call; one already claimed returns the earlier result.
func (c *Coordinator) Deposit(ctx context.Context, req DepositRequest) (res DepositResult, err error) {
	defer func() { c.metrics.CountBridge("deposit", err) }()

	if req.LockID == "" {
		return DepositResult{}, ErrLockIDRequired
	}
	if req.Amount <= 0 {
		return DepositResult{}, ErrInvalidAmount
	}
	mat, err := c.keys.Authorize(ctx, req.Amount, req.Secret)
	if err != nil {
		return DepositResult{}, err
	}
	owner := mat.L1Address()

	err = c.serial.Do(ctx, owner, func() error {
		res, err = c.deposit(ctx, mat, req)
		return err
	})
	return res, err
}

func (c *Coordinator) deposit(ctx context.Context, mat *custody.Material, req DepositRequest) (DepositResult, error) {
	owner := mat.L1Address()
	rec := Record{LockID: req.LockID, Owner: owner, L2Address: mat.L2Address(), Amount: req.Amount}

	existing, err := c.store.GetLock(ctx, req.LockID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		// The journal may know a lock request the store never saw.
		if open, ok := c.journal.Open(req.LockID); ok && open.Owner == owner {
			if open.Amount != req.Amount {
				return DepositResult{}, fmt.Errorf("%w: %s", ErrAmountMismatch, req.LockID)
			}
			res, placed, err := c.settlePending(ctx, rec)
			if placed || err != nil {
				return res, err
			}
		}
	case err != nil:
		return DepositResult{}, fmt.Errorf("load lock %s: %w", req.LockID, err)
	default:
		if existing.Owner != owner || existing.Amount != req.Amount {
			return DepositResult{}, fmt.Errorf("%w: %s", ErrAmountMismatch, req.LockID)
		}
		switch existing.State {
		case l1.LockClaimed:
			return resultFor(rec, existing.L1TxHash, "claimed"), nil
		case l1.LockReleased:
			return DepositResult{}, fmt.Errorf("%w: %s", ErrLockReleased, req.LockID)
		case l1.LockLocked:
			rec.L1TxHash, rec.ExpiresAt, rec.Stage = existing.L1TxHash, existing.ExpiresAt, StageLocked
			return c.claim(ctx, rec)
		case l1.LockPending:
			// The lock reply was lost; L1 may already hold the funds.
			res, placed, err := c.settlePending(ctx, rec)
			if placed || err != nil {
				return res, err
			}
		}
	}

	view, err := c.balances.GetOrCreate(owner, events.LedgerL1)
	if err != nil {
		return DepositResult{}, err
	}
	if err := view.EnsureSynced(ctx); err != nil {
		return DepositResult{}, err
	}
	hold, err := view.Hold("bridge", req.Amount, true)
	if err != nil {
		return DepositResult{}, fmt.Errorf("%w: %w", ledger.ErrInsufficientBalance, err)
	}

	rec.Stage = StageLockRequested
	if err := c.journal.Append(rec); err != nil {
		view.Drop(hold)
		return DepositResult{}, err
	}

	var lock l1.Lock
	err = c.serial.Send(ctx, func(ctx context.Context) error {
		lock, err = c.l1.Lock(ctx, mat, l1.LockRequest{
			LockID: req.LockID,
			Amount: req.Amount,
			Reason: l1.ReasonBridge,
			TTL:    c.cfg.LockTTL,
		})
		return err
	})
	if err != nil {
		view.Drop(hold)
		if !ledger.IsRetryable(err) {
			// The lock never landed.
			rec.Stage = StageAbandoned
			_ = c.journal.Append(rec)
			return DepositResult{}, fmt.Errorf("lock on L1: %w", err)
		}
		// The lock may have landed with its reply lost.
		if perr := c.store.UpsertLock(ctx, db.Lock{
			LockID:    req.LockID,
			Owner:     owner,
			Amount:    req.Amount,
			Reason:    l1.ReasonBridge,
			State:     l1.LockPending,
			ExpiresAt: c.now().Add(c.cfg.LockTTL),
		}); perr != nil {
			log.Warn().Err(perr).Str("lock_id", req.LockID).Msg("persist pending lock failed")
		}
		log.Warn().Err(err).Str("lock_id", req.LockID).Msg("lock outcome unknown, deposit resumable")
		return DepositResult{}, &ResumableError{LockID: req.LockID, Err: fmt.Errorf("lock on L1: %w", err)}
	}

	return c.adopt(ctx, lock, rec)
}

// adopt records a lock L1 confirmed and claims it on L2.
func (c *Coordinator) adopt(ctx context.Context, lock l1.Lock, rec Record) (DepositResult, error) {
	rec.L1TxHash, rec.ExpiresAt, rec.Stage = lock.TxHash, lock.ExpiresAt, StageLocked
	if err := c.recordLock(ctx, lock, rec); err != nil {
		return DepositResult{}, &ResumableError{LockID: rec.LockID, Err: err}
	}
	c.pub.Publish(events.LockCreated{
		LockID:    lock.LockID,
		Owner:     lock.Owner,
		Amount:    lock.Amount,
		Reason:    lock.Reason,
		ExpiresAt: lock.ExpiresAt,
	})
	log.Info().Str("lock_id", rec.LockID).Int64("amount", rec.Amount).Str("l1_tx", lock.TxHash).Msg("deposit locked on L1")

	return c.claim(ctx, rec)
}

// settlePending asks L1 whether a lock whose placement outcome is unknown
// landed. placed is false when L1 has no such lock; the local records are
// then closed so the lock id can be used again.
func (c *Coordinator) settlePending(ctx context.Context, rec Record) (res DepositResult, placed bool, err error) {
	lock, err := c.l1.GetLock(ctx, rec.LockID)
	if errors.Is(err, ledger.ErrLockNotFound) {
		rec.Stage = StageAbandoned
		_ = c.journal.Append(rec)
		if err := c.store.UpdateLockState(ctx, rec.LockID, lockAbandoned); err != nil && !errors.Is(err, db.ErrNotFound) {
			return DepositResult{}, false, err
		}
		return DepositResult{}, false, nil
	}
	if err != nil {
		return DepositResult{}, true, &ResumableError{LockID: rec.LockID, Err: fmt.Errorf("look up lock: %w", err)}
	}
	if lock.Owner != rec.Owner || lock.Amount != rec.Amount || lock.Reason != l1.ReasonBridge {
		return DepositResult{}, true, fmt.Errorf("%w: %s", ErrAmountMismatch, rec.LockID)
	}
	if lock.State == l1.LockReleased {
		rec.Stage = StageReleased
		_ = c.journal.Append(rec)
		if err := c.store.UpsertLock(ctx, db.Lock{
			LockID:    lock.LockID,
			Owner:     rec.Owner,
			Amount:    lock.Amount,
			Reason:    l1.ReasonBridge,
			L1TxHash:  lock.TxHash,
			State:     l1.LockReleased,
			CreatedAt: lock.CreatedAt,
			ExpiresAt: lock.ExpiresAt,
		}); err != nil {
			log.Warn().Err(err).Str("lock_id", rec.LockID).Msg("persist released lock failed")
		}
		return DepositResult{}, true, fmt.Errorf("%w: %s", ErrLockReleased, rec.LockID)
	}
	res, err = c.adopt(ctx, lock, rec)
	return res, true, err
}

func (c *Coordinator) recordLock(ctx context.Context, lock l1.Lock, rec Record) error {
	if err := c.journal.Append(rec); err != nil {
		return err
	}
	return c.store.UpsertLock(ctx, db.Lock{
		LockID:      lock.LockID,
		Owner:       rec.Owner,
		Amount:      lock.Amount,
		Reason:      l1.ReasonBridge,
		ReferenceID: lock.ReferenceID,
		L1TxHash:    lock.TxHash,
		State:       l1.LockLocked,
		CreatedAt:   lock.CreatedAt,
		ExpiresAt:   lock.ExpiresAt,
	})
}

// claim asks L2 to mint against the lock. Step two never re-locks.
func (c *Coordinator) claim(ctx context.Context, rec Record) (DepositResult, error) {
	status := "claimed"
	err := c.serial.Send(ctx, func(ctx context.Context) error {
		_, err := c.l2.ClaimDeposit(ctx, l2.ClaimRequest{
			LockID:    rec.LockID,
			Amount:    rec.Amount,
			L1TxHash:  rec.L1TxHash,
			L2Address: rec.L2Address,
		})
		return err
	})
	if errors.Is(err, ledger.ErrLockAlreadyConsumed) {
		err = c.checkConsumed(ctx, rec.LockID)
		status = "already_claimed"
	}
	if err != nil {
		if errors.Is(err, ErrLockReleased) {
			rec.Stage = StageReleased
			_ = c.journal.Append(rec)
			_ = c.store.UpdateLockState(ctx, rec.LockID, l1.LockReleased)
			return DepositResult{}, err
		}
		log.Warn().Err(err).Str("lock_id", rec.LockID).Msg("claim on L2 failed, deposit resumable")
		return DepositResult{}, &ResumableError{LockID: rec.LockID, Err: err}
	}

	rec.Stage = StageClaimed
	if err := c.journal.Append(rec); err != nil {
		log.Warn().Err(err).Str("lock_id", rec.LockID).Msg("journal claim entry failed")
	}
	if err := c.store.UpdateLockState(ctx, rec.LockID, l1.LockClaimed); err != nil {
		log.Warn().Err(err).Str("lock_id", rec.LockID).Msg("persist claimed lock failed")
	}
	c.pub.Publish(events.DepositClaimed{LockID: rec.LockID, L2Address: rec.L2Address, Amount: rec.Amount})
	log.Info().Str("lock_id", rec.LockID).Str("status", status).Msg("deposit claimed on L2")

	c.resync(ctx, rec.Owner, rec.L2Address)
	return resultFor(rec, rec.L1TxHash, status), nil
}

// checkConsumed tells a lock that we already claimed apart from one that was
// released underneath us.
func (c *Coordinator) checkConsumed(ctx context.Context, lockID string) error {
	lock, err := c.l1.GetLock(ctx, lockID)
	if err != nil {
		log.Debug().Err(err).Str("lock_id", lockID).Msg("lock lookup after consumed claim failed")
		return nil
	}
	if lock.State == l1.LockReleased {
		return fmt.Errorf("%w: %s", ErrLockReleased, lockID)
	}
	return nil
}

// Resume retries the claim for a lock that was placed but not claimed.
func (c *Coordinator) Resume(ctx context.Context, lockID string) (res DepositResult, err error) {
	defer func() { c.metrics.CountBridge("resume", err) }()

	if lockID == "" {
		return DepositResult{}, ErrLockIDRequired
	}
	mat, err := c.keys.Authorize(ctx, 0, nil)
	if err != nil {
		return DepositResult{}, err
	}
	err = c.serial.Do(ctx, mat.L1Address(), func() error {
		res, err = c.resume(ctx, mat, lockID)
		return err
	})
	return res, err
}

func (c *Coordinator) resume(ctx context.Context, mat *custody.Material, lockID string) (DepositResult, error) {
	stored, err := c.store.GetLock(ctx, lockID)
	if errors.Is(err, db.ErrNotFound) {
		return c.resumeFromL1(ctx, mat, lockID)
	}
	if err != nil {
		return DepositResult{}, err
	}
	rec := Record{
		LockID:    lockID,
		Owner:     stored.Owner,
		L2Address: mat.L2Address(),
		Amount:    stored.Amount,
		L1TxHash:  stored.L1TxHash,
		ExpiresAt: stored.ExpiresAt,
		Stage:     StageLocked,
	}
	switch stored.State {
	case l1.LockClaimed:
		return resultFor(rec, stored.L1TxHash, "claimed"), nil
	case l1.LockReleased:
		return DepositResult{}, fmt.Errorf("%w: %s", ErrLockReleased, lockID)
	case lockAbandoned:
		return DepositResult{}, fmt.Errorf("%w: %s", ErrUnknownLock, lockID)
	case l1.LockPending:
		rec.Stage = StageLockRequested
		res, placed, err := c.settlePending(ctx, rec)
		if !placed && err == nil {
			return DepositResult{}, fmt.Errorf("%w: %s never landed on L1", ErrUnknownLock, lockID)
		}
		return res, err
	}
	return c.claim(ctx, rec)
}

// resumeFromL1 adopts a bridge lock of this account that L1 knows about but
// the local store does not, e.g. after the pending record failed to persist.
func (c *Coordinator) resumeFromL1(ctx context.Context, mat *custody.Material, lockID string) (DepositResult, error) {
	lock, err := c.l1.GetLock(ctx, lockID)
	if errors.Is(err, ledger.ErrLockNotFound) {
		return DepositResult{}, fmt.Errorf("%w: %s", ErrUnknownLock, lockID)
	}
	if err != nil {
		return DepositResult{}, fmt.Errorf("look up lock %s: %w", lockID, err)
	}
	if lock.Owner != mat.L1Address() || lock.Reason != l1.ReasonBridge {
		return DepositResult{}, fmt.Errorf("%w: %s", ErrUnknownLock, lockID)
	}
	rec := Record{LockID: lockID, Owner: lock.Owner, L2Address: mat.L2Address(), Amount: lock.Amount}
	res, _, err := c.settlePending(ctx, rec)
	return res, err
}

// Recover resumes every deposit the journal left unfinished. It needs an
// unlocked custody session for the L2 claim but does not extend it.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	pending, err := c.journal.Recover()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	mat, ok := c.keys.Peek()
	if !ok {
		return 0, custody.ErrVaultLocked
	}

	resumed := 0
	var errs []error
	for _, rec := range pending {
		if rec.Owner != mat.L1Address() {
			continue
		}
		err := c.serial.Do(ctx, rec.Owner, func() error {
			return c.recoverOne(ctx, rec)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resumed++
	}
	return resumed, errors.Join(errs...)
}

func (c *Coordinator) recoverOne(ctx context.Context, rec Record) error {
	if rec.Stage == StageLockRequested {
		// The process died around the lock call; ask L1 whether it landed.
		_, _, err := c.settlePending(ctx, rec)
		if errors.Is(err, ErrLockReleased) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover %s: %w", rec.LockID, err)
		}
		return nil
	}
	_, err := c.claim(ctx, rec)
	return err
}

// ReleaseExpired releases every outstanding bridge lock of the unlocked
// account whose expiry has passed. Each lock is released at most once.
// It runs in the background and does not extend the custody window.
func (c *Coordinator) ReleaseExpired(ctx context.Context) (released int, err error) {
	defer func() { c.metrics.CountBridge("release_expired", err) }()

	mat, ok := c.keys.Peek()
	if !ok {
		return 0, custody.ErrVaultLocked
	}
	owner := mat.L1Address()
	locks, err := c.store.ListLocksByState(ctx, l1.LockPending, l1.LockLocked)
	if err != nil {
		return 0, err
	}

	now := c.now()
	outstanding := 0
	var errs []error
	for _, lk := range locks {
		if lk.Owner != owner || lk.Reason != l1.ReasonBridge {
			continue
		}
		if lk.ExpiresAt.IsZero() || now.Before(lk.ExpiresAt) {
			outstanding++
			continue
		}
		err := c.serial.Do(ctx, owner, func() error {
			return c.release(ctx, mat, lk)
		})
		if err != nil {
			outstanding++
			errs = append(errs, err)
			continue
		}
		released++
	}
	c.metrics.SetOutstanding("bridge_lock", outstanding)
	if released > 0 {
		c.resync(ctx, owner, "")
	}
	return released, errors.Join(errs...)
}

func (c *Coordinator) release(ctx context.Context, mat *custody.Material, lk db.Lock) error {
	// Re-read under the address slot; a concurrent claim may have won.
	cur, err := c.store.GetLock(ctx, lk.LockID)
	if err != nil {
		return err
	}
	if cur.State != l1.LockLocked && cur.State != l1.LockPending {
		return nil
	}

	state := l1.LockReleased
	err = c.serial.Send(ctx, func(ctx context.Context) error {
		_, err := c.l1.ReleaseLock(ctx, mat, lk.LockID)
		return err
	})
	switch {
	case err == nil:
		c.pub.Publish(events.LockReleased{LockID: lk.LockID, Owner: lk.Owner, Amount: lk.Amount})
		log.Info().Str("lock_id", lk.LockID).Int64("amount", lk.Amount).Msg("expired lock released")
	case errors.Is(err, ledger.ErrLockNotFound):
		if cur.State == l1.LockPending {
			state = lockAbandoned
		}
	case errors.Is(err, ledger.ErrLockAlreadyConsumed):
		if got, gerr := c.l1.GetLock(ctx, lk.LockID); gerr == nil && got.State == l1.LockClaimed {
			state = l1.LockClaimed
		}
	default:
		return fmt.Errorf("release %s: %w", lk.LockID, err)
	}

	stage := StageReleased
	switch state {
	case l1.LockClaimed:
		stage = StageClaimed
	case lockAbandoned:
		stage = StageAbandoned
	}
	_ = c.journal.Append(Record{LockID: lk.LockID, Owner: lk.Owner, Amount: lk.Amount, Stage: stage})
	return c.store.UpdateLockState(ctx, lk.LockID, state)
}

// resync refreshes confirmed snapshots after a ledger-changing step.
// Failures only delay the view; the next reconciliation catches up.
func (c *Coordinator) resync(ctx context.Context, l1Address, l2Address string) {
	for _, target := range []struct {
		address string
		ledger  events.Ledger
	}{{l1Address, events.LedgerL1}, {l2Address, events.LedgerL2}} {
		if target.address == "" {
			continue
		}
		m, err := c.balances.GetOrCreate(target.address, target.ledger)
		if err != nil {
			continue
		}
		if err := m.Sync(ctx); err != nil {
			log.Debug().Err(err).Str("ledger", string(target.ledger)).Msg("post-bridge balance sync failed")
		}
	}
}

func resultFor(rec Record, txHash, status string) DepositResult {
	return DepositResult{
		LockID:    rec.LockID,
		Amount:    rec.Amount,
		L1TxHash:  txHash,
		L2Address: rec.L2Address,
		Status:    status,
	}
}
