package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// AuthMessage is the L2 challenge: "{address}:{timestamp}".
func AuthMessage(address string, timestamp int64) string {
	return fmt.Sprintf("%s:%d", address, timestamp)
}

// ResolveMessage is the oracle resolution form.
func ResolveMessage(marketID string, outcome int, timestamp int64) string {
	return fmt.Sprintf("resolve:%s:%d:%d", marketID, outcome, timestamp)
}

// WithdrawMessage binds amount, address and a single-use nonce.
func WithdrawMessage(address string, amount int64, nonce string, timestamp int64) string {
	return fmt.Sprintf("withdraw:%s:%d:%s:%d", address, amount, nonce, timestamp)
}

// RequestMessage covers an L1 mutating call: address, nonce, timestamp and payload hash.
func RequestMessage(address, nonce string, timestamp int64, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%d:%s", address, nonce, timestamp, hex.EncodeToString(sum[:]))
}
