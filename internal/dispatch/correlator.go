// Package dispatch owns pending-order bookkeeping. It correlates the
// asynchronous order reports pushed by the gateway with the requests that
// caused them and lets callers await an order's outcome.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mervalmcp/internal/domain"
	"mervalmcp/internal/transport"
)

// ErrUnknownOrder is returned when a client order id is not (or no longer)
// tracked.
var ErrUnknownOrder = errors.New("unknown client order id")

// pendingOrder couples the order record with its wakeup channels. progress
// is closed and replaced on every accepted transition; done is closed once
// the order reaches a terminal state.
type pendingOrder struct {
	order    domain.Order
	progress chan struct{}
	done     chan struct{}
	evictAt  time.Time
}

// Correlator tracks every in-flight order keyed by client order id. Status
// transitions are driven exclusively by gateway events; nothing is assumed
// locally from the submit call having returned.
type Correlator struct {
	log       *slog.Logger
	retention time.Duration

	mu      sync.Mutex
	pending map[string]*pendingOrder
}

// NewCorrelator creates an empty correlator. Terminal orders stay
// queryable for the retention window and are evicted lazily afterwards.
func NewCorrelator(retention time.Duration, log *slog.Logger) *Correlator {
	return &Correlator{
		log:       log,
		retention: retention,
		pending:   make(map[string]*pendingOrder),
	}
}

// Submit generates a locally unique client order id, records the order in
// SUBMITTED, and forwards it through the transport. A synchronous gateway
// refusal surfaces as an OrderRejectedError and leaves no PendingOrder
// behind.
func (c *Correlator) Submit(ctx context.Context, tr transport.Transport, order domain.Order) (string, error) {
	order.ClientOrderID = uuid.NewString()
	order.Status = domain.OrderStatusSubmitted
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now

	p := &pendingOrder{
		order:    order,
		progress: make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Record before forwarding: the gateway may push the first report
	// before SubmitOrder returns.
	c.mu.Lock()
	c.sweepLocked()
	c.pending[order.ClientOrderID] = p
	c.mu.Unlock()

	if err := tr.SubmitOrder(ctx, order); err != nil {
		c.mu.Lock()
		delete(c.pending, order.ClientOrderID)
		c.mu.Unlock()
		var rej *domain.OrderRejectedError
		if errors.As(err, &rej) {
			rej.ClientOrderID = order.ClientOrderID
		}
		return "", err
	}

	c.log.Info("order submitted",
		"order", order.ClientOrderID, "user", order.UserID,
		"symbol", order.Symbol, "side", order.Side, "qty", order.Qty)
	return order.ClientOrderID, nil
}

// AwaitTerminal suspends until the order reaches a terminal state or the
// timeout elapses. Timing out does not cancel the order; it keeps running
// and its state keeps updating.
func (c *Correlator) AwaitTerminal(ctx context.Context, clientOrderID string, timeout time.Duration) (domain.Order, error) {
	c.mu.Lock()
	p := c.pending[clientOrderID]
	c.mu.Unlock()
	if p == nil {
		return domain.Order{}, ErrUnknownOrder
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return c.snapshot(p), nil
	case <-timer.C:
		return domain.Order{}, domain.ErrTimedOut
	case <-ctx.Done():
		return domain.Order{}, ctx.Err()
	}
}

// AwaitExecution suspends until the order leaves SUBMITTED — a partial
// fill counts — or the timeout elapses. Used by two-leg flows that only
// need evidence the gateway is working the order.
func (c *Correlator) AwaitExecution(ctx context.Context, clientOrderID string, timeout time.Duration) (domain.Order, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		p := c.pending[clientOrderID]
		if p == nil {
			c.mu.Unlock()
			return domain.Order{}, ErrUnknownOrder
		}
		if p.order.Status != domain.OrderStatusSubmitted {
			order := p.order
			c.mu.Unlock()
			return order, nil
		}
		wake := p.progress
		c.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return domain.Order{}, domain.ErrTimedOut
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		}
	}
}

// Cancel forwards a cancel request. The local state does not change here;
// the CANCELLED transition arrives as a gateway event like any other.
func (c *Correlator) Cancel(ctx context.Context, tr transport.Transport, clientOrderID string) error {
	c.mu.Lock()
	p := c.pending[clientOrderID]
	c.mu.Unlock()
	if p == nil {
		return ErrUnknownOrder
	}
	return tr.CancelOrder(ctx, clientOrderID)
}

// Get returns a snapshot of a tracked order.
func (c *Correlator) Get(clientOrderID string) (domain.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	p := c.pending[clientOrderID]
	if p == nil {
		return domain.Order{}, false
	}
	return p.order, true
}

// ListByUser returns the user's tracked orders, oldest first.
func (c *Correlator) ListByUser(userID string) []domain.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	var out []domain.Order
	for _, p := range c.pending {
		if p.order.UserID == userID {
			out = append(out, p.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HandleOrderReport is the transport push callback. Events for unknown ids
// are logged and dropped; transitions that would step backwards through
// the lifecycle are dropped too.
func (c *Correlator) HandleOrderReport(ev domain.OrderEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[ev.ClientOrderID]
	if p == nil {
		c.log.Info("order report for unknown id dropped", "order", ev.ClientOrderID, "status", ev.Status)
		return
	}

	if ev.Status == p.order.Status && ev.Status != domain.OrderStatusPartiallyFilled {
		// Gateway ack or duplicate report; nothing to apply. A repeated
		// PARTIALLY_FILLED carries new fill progress and passes through.
		return
	}
	if !domain.CanTransition(p.order.Status, ev.Status) {
		c.log.Warn("invalid order transition dropped",
			"order", ev.ClientOrderID, "from", p.order.Status, "to", ev.Status)
		return
	}

	p.order.Status = ev.Status
	if ev.FillQty > p.order.FilledQty {
		p.order.FilledQty = ev.FillQty
	}
	if ev.AvgPrice > 0 {
		p.order.AvgPrice = ev.AvgPrice
	}
	if ev.Reason != "" {
		p.order.Reason = ev.Reason
	}
	p.order.UpdatedAt = time.Now()

	close(p.progress)
	p.progress = make(chan struct{})

	if ev.Status.Terminal() {
		close(p.done)
		p.evictAt = time.Now().Add(c.retention)
		c.log.Info("order reached terminal state",
			"order", ev.ClientOrderID, "status", ev.Status, "filled", p.order.FilledQty)
	}
}

// DropTransport evicts non-terminal orders whose session transport went
// away; their reports can never arrive.
func (c *Correlator) DropTransport(userID string) {
	// Pending orders are keyed per user rather than per transport: one
	// user has at most one live session at a time.
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		if p.order.UserID == userID && !p.order.Status.Terminal() {
			close(p.done)
			delete(c.pending, id)
			c.log.Warn("pending order invalidated by session replacement", "order", id)
		}
	}
}

func (c *Correlator) snapshot(p *pendingOrder) domain.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.order
}

// sweepLocked evicts terminal orders past their retention window. Caller
// holds c.mu.
func (c *Correlator) sweepLocked() {
	now := time.Now()
	for id, p := range c.pending {
		if !p.evictAt.IsZero() && now.After(p.evictAt) {
			delete(c.pending, id)
		}
	}
}
