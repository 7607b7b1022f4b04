package market

import (
	"context"
	"errors"
	"fmt"

	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/signer"

	"github.com/rs/zerolog/log"
)

var ErrAlreadyResolved = errors.New("market is already resolved")

// Resolution is an oracle attestation over "resolve:{marketId}:{outcome}:{timestamp}".
type Resolution struct {
	MarketID  string `json:"market_id"`
	Outcome   int    `json:"outcome"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// SignResolution signs the resolution of marketID to outcome with the
// unlocked key. The timestamp is ledger time so L2 accepts it within its
// freshness window.
func (e *Engine) SignResolution(ctx context.Context, marketID string, outcome int) (Resolution, error) {
	m, err := e.Market(ctx, marketID)
	if err != nil {
		return Resolution{}, err
	}
	if m.Status == l2.MarketResolved {
		return Resolution{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, marketID)
	}
	if outcome < 0 || outcome >= len(m.Outcomes) {
		return Resolution{}, fmt.Errorf("%w: %d", ErrInvalidOutcome, outcome)
	}
	sg, err := e.keys.CurrentSigner()
	if err != nil {
		return Resolution{}, err
	}

	ts := e.l2.Transport().Now()
	msg := signer.ResolveMessage(marketID, outcome, ts)
	sig, err := sg.SignHex(msg)
	if err != nil {
		return Resolution{}, err
	}
	log.Info().Str("market", marketID).Int("outcome", outcome).Msg("resolution signed")
	return Resolution{
		MarketID:  marketID,
		Outcome:   outcome,
		Timestamp: ts,
		Message:   msg,
		PublicKey: sg.PublicKeyHex(),
		Signature: sig,
	}, nil
}
