package bridge

import (
	"context"
	"errors"
	"fmt"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/signer"
	"bridge-core/pkg/db"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Withdraw burns amount on L2. The returned record stays
// pending_settlement until the dealer completes the transfer on L1.
//
// When the submission outcome is unknown the record stays submitting and is
// returned together with an error wrapping ErrWithdrawalUnresolved.
// RefreshWithdrawal resends the identical signed request; no new withdrawal
// is accepted for the address until then.
func (c *Coordinator) Withdraw(ctx context.Context, req WithdrawRequest) (w db.Withdrawal, err error) {
	defer func() { c.metrics.CountBridge("withdraw", err) }()

	if req.Amount <= 0 {
		return db.Withdrawal{}, ErrInvalidAmount
	}
	mat, err := c.keys.Authorize(ctx, req.Amount, req.Secret)
	if err != nil {
		return db.Withdrawal{}, err
	}
	from := mat.L2Address()

	err = c.serial.Do(ctx, from, func() error {
		if err := c.checkUnresolved(ctx, from); err != nil {
			return err
		}
		view, err := c.balances.GetOrCreate(from, events.LedgerL2)
		if err != nil {
			return err
		}
		if err := view.EnsureSynced(ctx); err != nil {
			return err
		}
		hold, err := view.Hold("withdraw", req.Amount, false)
		if err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrInsufficientBalance, err)
		}

		nonce := uuid.NewString()
		ts := c.l2.Transport().Now()
		sig, err := mat.SignHex(signer.WithdrawMessage(from, req.Amount, nonce, ts))
		if err != nil {
			view.Drop(hold)
			return err
		}

		w = db.Withdrawal{
			Nonce:       nonce,
			FromAddress: from,
			Amount:      req.Amount,
			Status:      WithdrawalSubmitting,
			Detail:      "submitting to L2",
			PublicKey:   mat.PublicKeyHex(),
			Signature:   sig,
			SignedAt:    ts,
			CreatedAt:   c.now(),
		}
		if err := c.store.CreateWithdrawal(ctx, w); err != nil {
			view.Drop(hold)
			return err
		}

		err = c.submit(ctx, &w)
		view.Drop(hold)
		return err
	})
	if err != nil {
		if w.Nonce != "" && w.Status == WithdrawalSubmitting {
			return w, err
		}
		return db.Withdrawal{}, err
	}
	return w, nil
}

// checkUnresolved rejects a new withdrawal while an earlier one of from has
// an unknown submission outcome. Caller holds the account slot.
func (c *Coordinator) checkUnresolved(ctx context.Context, from string) error {
	open, err := c.store.ListWithdrawalsByStatus(ctx, WithdrawalSubmitting)
	if err != nil {
		return err
	}
	for _, w := range open {
		if w.FromAddress == from {
			return fmt.Errorf("%w: %s", ErrWithdrawalUnresolved, w.Nonce)
		}
	}
	return nil
}

// submit sends the stored signed request of w and records the outcome.
// Caller holds the account slot.
func (c *Coordinator) submit(ctx context.Context, w *db.Withdrawal) error {
	err := c.serial.Send(ctx, func(ctx context.Context) error {
		_, err := c.l2.Withdraw(ctx, l2.WithdrawRequest{
			FromAddress: w.FromAddress,
			Amount:      w.Amount,
			PublicKey:   w.PublicKey,
			Signature:   w.Signature,
			Timestamp:   w.SignedAt,
			Nonce:       w.Nonce,
		})
		return err
	})
	if err != nil {
		if ledger.IsRetryable(err) {
			w.Detail = "submission outcome unknown"
			_ = c.store.UpdateWithdrawalStatus(ctx, w.Nonce, WithdrawalSubmitting, w.Detail, "")
			log.Warn().Err(err).Str("nonce", w.Nonce).Msg("withdrawal outcome unknown")
			return fmt.Errorf("withdraw on L2: %w: %s: %w", ErrWithdrawalUnresolved, w.Nonce, err)
		}
		w.Status, w.Detail = WithdrawalFailed, err.Error()
		_ = c.store.UpdateWithdrawalStatus(ctx, w.Nonce, WithdrawalFailed, w.Detail, "")
		return fmt.Errorf("withdraw on L2: %w", err)
	}

	w.Status, w.Detail = WithdrawalPendingSettlement, "pending dealer completion on L1"
	if err := c.store.UpdateWithdrawalStatus(ctx, w.Nonce, w.Status, w.Detail, ""); err != nil {
		log.Warn().Err(err).Str("nonce", w.Nonce).Msg("persist submitted withdrawal failed")
	}
	c.pub.Publish(events.WithdrawalRequested{Nonce: w.Nonce, FromAddress: w.FromAddress, Amount: w.Amount})
	log.Info().Str("nonce", w.Nonce).Int64("amount", w.Amount).Msg("withdrawal submitted, pending L1 settlement")
	c.resync(ctx, "", w.FromAddress)
	return nil
}

// RefreshWithdrawal polls L2 for the settlement outcome of nonce. A
// withdrawal whose submission outcome is unknown is first sent again with
// the same nonce and signature; L2 answers a repeat with the original burn.
func (c *Coordinator) RefreshWithdrawal(ctx context.Context, nonce string) (db.Withdrawal, error) {
	local, err := c.store.GetWithdrawal(ctx, nonce)
	if errors.Is(err, db.ErrNotFound) {
		return db.Withdrawal{}, fmt.Errorf("%w: %s", ErrUnknownWithdraw, nonce)
	}
	if err != nil {
		return db.Withdrawal{}, err
	}
	if local.Status == WithdrawalSubmitting {
		return c.resubmit(ctx, local.FromAddress, nonce)
	}
	if local.Status == WithdrawalCompleted || local.Status == WithdrawalFailed {
		return *local, nil
	}

	remote, err := c.l2.Withdrawal(ctx, nonce)
	if err != nil {
		return *local, c.markStalledIfOld(ctx, local, err)
	}

	switch remote.Status {
	case l2.WithdrawalCompleted:
		local.Status, local.L1TxHash, local.Detail = WithdrawalCompleted, remote.L1TxHash, ""
		c.pub.Publish(events.WithdrawalCompleted{Nonce: nonce, Amount: local.Amount, L1TxHash: remote.L1TxHash})
		log.Info().Str("nonce", nonce).Str("l1_tx", remote.L1TxHash).Msg("withdrawal settled on L1")
	case l2.WithdrawalFailed:
		local.Status, local.Detail = WithdrawalFailed, remote.Detail
		c.pub.Publish(events.WithdrawalCompleted{Nonce: nonce, Amount: local.Amount, Failed: true, Detail: remote.Detail})
		log.Warn().Str("nonce", nonce).Str("detail", remote.Detail).Msg("withdrawal failed on L1")
	default:
		return *local, c.markStalledIfOld(ctx, local, nil)
	}

	if err := c.store.UpdateWithdrawalStatus(ctx, nonce, local.Status, local.Detail, local.L1TxHash); err != nil {
		return *local, err
	}
	if l1Addr, err := signer.PairedAddress(local.FromAddress); err == nil {
		c.resync(ctx, l1Addr, local.FromAddress)
	}
	return *local, nil
}

func (c *Coordinator) resubmit(ctx context.Context, from, nonce string) (w db.Withdrawal, err error) {
	err = c.serial.Do(ctx, from, func() error {
		// Re-read under the slot; a concurrent refresh may have settled it.
		cur, err := c.store.GetWithdrawal(ctx, nonce)
		if err != nil {
			return err
		}
		w = *cur
		if w.Status != WithdrawalSubmitting {
			return nil
		}
		if w.Signature == "" {
			return fmt.Errorf("%w: %s has no stored signature", ErrWithdrawalUnresolved, nonce)
		}
		return c.submit(ctx, &w)
	})
	return w, err
}

// markStalledIfOld flags a withdrawal that has waited longer than the stall
// threshold. Nothing is refunded; the event asks for manual reconciliation.
func (c *Coordinator) markStalledIfOld(ctx context.Context, w *db.Withdrawal, cause error) error {
	age := c.now().Sub(w.CreatedAt)
	if age < c.cfg.WithdrawalStallAfter || w.Status == WithdrawalStalled {
		return cause
	}
	detail := "L1 settlement overdue"
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", detail, cause)
	}
	w.Status, w.Detail = WithdrawalStalled, detail
	if err := c.store.UpdateWithdrawalStatus(ctx, w.Nonce, WithdrawalStalled, detail, ""); err != nil {
		return err
	}
	c.pub.Publish(events.WithdrawalStalled{Nonce: w.Nonce, FromAddress: w.FromAddress, Amount: w.Amount, Age: age})
	log.Warn().Str("nonce", w.Nonce).Dur("age", age).Msg("withdrawal stalled")
	return cause
}

// SweepWithdrawals refreshes every withdrawal not yet settled.
func (c *Coordinator) SweepWithdrawals(ctx context.Context) error {
	var errs []error
	open := 0
	for _, status := range []string{WithdrawalSubmitting, WithdrawalPendingSettlement, WithdrawalStalled} {
		list, err := c.store.ListWithdrawalsByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, w := range list {
			got, err := c.RefreshWithdrawal(ctx, w.Nonce)
			if err != nil {
				errs = append(errs, err)
			}
			if got.Status != WithdrawalCompleted && got.Status != WithdrawalFailed {
				open++
			}
		}
	}
	c.metrics.SetOutstanding("withdrawal", open)
	return errors.Join(errs...)
}

// Withdrawals lists recent withdrawals of address, newest first.
func (c *Coordinator) Withdrawals(ctx context.Context, address string, limit int) ([]db.Withdrawal, error) {
	return c.store.Queries().GetWithdrawalsByAddress(ctx, address, limit)
}

// Outstanding lists bridge locks of owner still holding funds on L1.
func (c *Coordinator) Outstanding(ctx context.Context, owner string) ([]db.Lock, error) {
	locks, err := c.store.Queries().GetLocksByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := locks[:0]
	for _, l := range locks {
		if l.State == l1.LockPending || l.State == l1.LockLocked {
			out = append(out, l)
		}
	}
	return out, nil
}
