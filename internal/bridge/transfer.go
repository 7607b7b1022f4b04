package bridge

import (
	"context"
	"fmt"

	"bridge-core/internal/events"
	"bridge-core/internal/ledger"
	"bridge-core/internal/ledger/l1"
	"bridge-core/internal/signer"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TransferRequest moves funds between L1 accounts. Secret is required
// when Amount is at or above the large-value threshold.
type TransferRequest struct {
	To     string
	Amount int64
	Secret []byte
}

// Transfer sends amount from the unlocked L1 account to req.To. The nonce
// is fixed before the first attempt, so transport retries cannot pay twice.
func (c *Coordinator) Transfer(ctx context.Context, req TransferRequest) (res l1.TransferResult, err error) {
	defer func() { c.metrics.CountBridge("transfer", err) }()

	if req.Amount <= 0 {
		return l1.TransferResult{}, ErrInvalidAmount
	}
	if err := requireL1(req.To); err != nil {
		return l1.TransferResult{}, err
	}
	mat, err := c.keys.Authorize(ctx, req.Amount, req.Secret)
	if err != nil {
		return l1.TransferResult{}, err
	}
	from := mat.L1Address()
	if req.To == from {
		return l1.TransferResult{}, fmt.Errorf("%w: cannot transfer to self", signer.ErrInvalidAddress)
	}

	err = c.serial.Do(ctx, from, func() error {
		view, err := c.balances.GetOrCreate(from, events.LedgerL1)
		if err != nil {
			return err
		}
		if err := view.EnsureSynced(ctx); err != nil {
			return err
		}
		hold, err := view.Hold("transfer", req.Amount, false)
		if err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrInsufficientBalance, err)
		}
		defer view.Drop(hold)

		nonce := uuid.NewString()
		err = c.serial.Send(ctx, func(ctx context.Context) error {
			res, err = c.l1.Transfer(ctx, mat, req.To, req.Amount, nonce)
			return err
		})
		if err != nil {
			return fmt.Errorf("transfer on L1: %w", err)
		}
		log.Info().Str("tx", res.TxHash).Str("to", req.To).Int64("amount", req.Amount).Msg("L1 transfer settled")
		return nil
	})
	if err != nil {
		return l1.TransferResult{}, err
	}
	c.resync(ctx, from, "")
	return res, nil
}

// Mint credits req.To on L1. L1 only honours it when the unlocked key is
// an admin key.
func (c *Coordinator) Mint(ctx context.Context, req TransferRequest) (res l1.TransferResult, err error) {
	defer func() { c.metrics.CountBridge("mint", err) }()

	if req.Amount <= 0 {
		return l1.TransferResult{}, ErrInvalidAmount
	}
	if err := requireL1(req.To); err != nil {
		return l1.TransferResult{}, err
	}
	mat, err := c.keys.Authorize(ctx, req.Amount, req.Secret)
	if err != nil {
		return l1.TransferResult{}, err
	}

	nonce := uuid.NewString()
	err = c.serial.Send(ctx, func(ctx context.Context) error {
		res, err = c.l1.Mint(ctx, mat, req.To, req.Amount, nonce)
		return err
	})
	if err != nil {
		return l1.TransferResult{}, fmt.Errorf("mint on L1: %w", err)
	}
	log.Info().Str("tx", res.TxHash).Str("to", req.To).Int64("amount", req.Amount).Msg("L1 mint settled")
	if req.To == mat.L1Address() {
		c.resync(ctx, req.To, "")
	}
	return res, nil
}

// History returns the L1 transaction history of address.
func (c *Coordinator) History(ctx context.Context, address string) ([]l1.LedgerEntry, error) {
	if err := requireL1(address); err != nil {
		return nil, err
	}
	return c.l1.Ledger(ctx, address)
}

func requireL1(addr string) error {
	ns, err := signer.Namespace(addr)
	if err != nil {
		return fmt.Errorf("%w: %q", signer.ErrInvalidAddress, addr)
	}
	if ns != signer.NamespaceL1 {
		return fmt.Errorf("%w: %s is not an L1 address", signer.ErrInvalidAddress, addr)
	}
	return nil
}
