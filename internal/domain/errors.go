package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimedOut marks the distinct outcome of a bounded wait that elapsed
// before the awaited event arrived. It is not a failure of the underlying
// operation, which keeps running and updates shared state when it completes.
var ErrTimedOut = errors.New("timed out")

// ConfigurationError reports a missing or invalid broker/user configuration.
// It is never retried.
type ConfigurationError struct {
	What string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("configuration: %s", e.What)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// AuthenticationError reports that the gateway rejected a login attempt.
// It is surfaced to the caller and not retried within the same call.
type AuthenticationError struct {
	UserID string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for user %s: %v", e.UserID, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError reports a network-level failure talking to the gateway.
// Retryable hints that the caller may re-invoke the operation.
type TransportError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// OrderRejectedError reports that the gateway synchronously refused an
// order. No PendingOrder exists for a synchronously rejected request.
type OrderRejectedError struct {
	ClientOrderID string
	Symbol        string
	Reason        string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected for %s: %s", e.Symbol, e.Reason)
}

// StaleDataError reports that cached market data exceeds the freshness
// bound required by the requested operation.
type StaleDataError struct {
	Symbol string
	Age    time.Duration
	MaxAge time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data for %s: age %s exceeds %s", e.Symbol, e.Age, e.MaxAge)
}

// PartialExecutionError reports a half-done two-leg operation: the buy leg
// executed but the sell leg failed or is in an unknown state. Both order ids
// are carried so the caller can unwind manually; no automatic unwind is
// attempted.
type PartialExecutionError struct {
	BuyOrderID  string
	SellOrderID string
	Reason      string
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("partial MEP execution (buy=%s sell=%s): %s",
		e.BuyOrderID, e.SellOrderID, e.Reason)
}

// Retryable reports whether err carries a retryable transport hint.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}
