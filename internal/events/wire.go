package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a frame names a kind outside the closed set.
var ErrUnknownKind = errors.New("unknown event kind")

// Frame is the JSON envelope used on push streams in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps an event into a frame.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Frame{Type: string(ev.Kind()), Data: data})
}

// Decode parses a frame into its concrete event type.
func Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var ev Event
	switch Kind(f.Type) {
	case KindBalanceUpdated:
		ev = decodeAs[BalanceUpdated](f.Data)
	case KindLockCreated:
		ev = decodeAs[LockCreated](f.Data)
	case KindDepositClaimed:
		ev = decodeAs[DepositClaimed](f.Data)
	case KindLockReleased:
		ev = decodeAs[LockReleased](f.Data)
	case KindWithdrawalRequested:
		ev = decodeAs[WithdrawalRequested](f.Data)
	case KindWithdrawalCompleted:
		ev = decodeAs[WithdrawalCompleted](f.Data)
	case KindWithdrawalStalled:
		ev = decodeAs[WithdrawalStalled](f.Data)
	case KindSessionOpened:
		ev = decodeAs[SessionOpened](f.Data)
	case KindSessionSettled:
		ev = decodeAs[SessionSettled](f.Data)
	case KindCreditSessionExpiring:
		ev = decodeAs[CreditSessionExpiring](f.Data)
	case KindCreditLimitBreached:
		ev = decodeAs[CreditLimitBreached](f.Data)
	case KindBetPlaced:
		ev = decodeAs[BetPlaced](f.Data)
	case KindSharesSold:
		ev = decodeAs[SharesSold](f.Data)
	case KindMarketUpdated:
		ev = decodeAs[MarketUpdated](f.Data)
	case KindCustodyLocked:
		ev = decodeAs[CustodyLocked](f.Data)
	case KindSignedOut:
		ev = decodeAs[SignedOut](f.Data)
	case KindServiceDegraded:
		ev = decodeAs[ServiceDegraded](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}
	if d, ok := ev.(decodeFailure); ok {
		return nil, fmt.Errorf("decode %s: %w", f.Type, d.err)
	}
	return ev, nil
}

type decodeFailure struct{ err error }

func (decodeFailure) Kind() Kind { return "" }
func (decodeFailure) event()     {}

func decodeAs[T Event](data json.RawMessage) Event {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return decodeFailure{err: err}
		}
	}
	return v
}
