// Package transport abstracts the gateway connection used by a broker
// session: REST authentication and order entry plus the websocket push
// feed for market data and order reports.
package transport

import (
	"context"
	"errors"
	"log/slog"

	"mervalmcp/internal/config"
	"mervalmcp/internal/domain"
)

// ErrUnauthorized is returned by Authenticate when the gateway rejects the
// supplied credentials. The session layer wraps it into an
// AuthenticationError.
var ErrUnauthorized = errors.New("gateway rejected credentials")

// Handlers receive asynchronous push events from the gateway feed. Both
// callbacks may be invoked concurrently with caller-initiated operations
// and must not block for long.
type Handlers struct {
	OnMarketData  func(domain.MarketEvent)
	OnOrderReport func(domain.OrderEvent)
}

// Transport is one authenticated connection to one broker for one user.
type Transport interface {
	// Authenticate performs the login round-trip and, on success, opens
	// the push channel. It returns the opaque auth token.
	Authenticate(ctx context.Context, creds domain.Credentials) (string, error)

	// Subscribe issues one upstream market-data subscription for symbol.
	Subscribe(ctx context.Context, symbol string) error

	// Unsubscribe tears down the upstream subscription for symbol.
	Unsubscribe(ctx context.Context, symbol string) error

	// SubmitOrder forwards an order to the gateway. A synchronous refusal
	// surfaces as an OrderRejectedError; the eventual outcome arrives as
	// OrderEvents on the push channel.
	SubmitOrder(ctx context.Context, order domain.Order) error

	// CancelOrder forwards a cancel request for a local client order id.
	// The CANCELLED transition, if any, arrives as an OrderEvent.
	CancelOrder(ctx context.Context, clientOrderID string) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Factory builds a Transport for one broker endpoint. The session registry
// uses it so tests can substitute the simulator.
type Factory func(brokerID string, broker config.Broker, h Handlers, log *slog.Logger) Transport
