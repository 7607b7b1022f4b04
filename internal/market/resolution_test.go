package market

import (
	"context"
	"testing"

	"bridge-core/internal/custody"
	"bridge-core/internal/ledger/l2"
	"bridge-core/internal/signer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignResolution(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	res, err := s.engine.SignResolution(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Equal(t, signer.ResolveMessage("m1", 1, res.Timestamp), res.Message)
	assert.True(t, signer.Verify(res.PublicKey, res.Message, res.Signature))

	_, err = s.engine.SignResolution(ctx, "m1", 2)
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestSignResolutionRejectsResolvedMarket(t *testing.T) {
	s := setup(t)
	s.h.FakeL2.AddMarket(l2.Market{
		ID:       "done",
		Outcomes: []string{"yes", "no"},
		Prices:   []float64{1, 0},
		Status:   l2.MarketResolved,
	})
	_, err := s.engine.SignResolution(context.Background(), "done", 0)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestSignResolutionNeedsUnlockedVault(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	_, err := s.engine.Market(ctx, "m1")
	require.NoError(t, err)

	s.h.Custody.Lock()
	_, err = s.engine.SignResolution(ctx, "m1", 0)
	assert.ErrorIs(t, err, custody.ErrVaultLocked)
}
