// Package ledger is the HTTP transport shared by the L1 and L2 clients:
// response classification, bounded retries, circuit breaking, rate limiting
// and server time sync.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuthenticationExpired = errors.New("authentication expired")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrLockNotFound          = errors.New("lock not found")
	ErrLockAlreadyConsumed   = errors.New("lock already consumed")
	ErrNetworkTransient      = errors.New("transient network failure")
	ErrServiceUnavailable    = errors.New("service unavailable")
)

// Application error codes returned by both ledgers.
const (
	CodeLockAlreadyConsumed = "LOCK_ALREADY_CONSUMED"
	CodeLockNotFound        = "LOCK_NOT_FOUND"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
)

// TerminalError is an application rejection that is never retried and is
// surfaced to the user verbatim.
type TerminalError struct {
	Status  int
	Code    string
	Message string
}

func (e *TerminalError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// errorBody is the error envelope both ledgers use.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseErrorBody(body []byte) errorBody {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		eb.Message = string(body)
	}
	if eb.Message == "" {
		eb.Message = eb.Error
	}
	return eb
}

// Classify maps a non-2xx response onto the error taxonomy.
func Classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	eb := parseErrorBody(body)

	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrNetworkTransient, status)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthenticationExpired, eb.Message)
	case http.StatusConflict:
		if eb.Code == CodeLockAlreadyConsumed {
			return ErrLockAlreadyConsumed
		}
	case http.StatusNotFound:
		if eb.Code == CodeLockNotFound {
			return ErrLockNotFound
		}
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		if eb.Code == CodeInsufficientBalance {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, eb.Message)
		}
	}
	return &TerminalError{Status: status, Code: eb.Code, Message: eb.Message}
}

// IsRetryable reports whether err may be retried with the same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTransient)
}
