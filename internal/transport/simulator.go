package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mervalmcp/internal/config"
	"mervalmcp/internal/domain"
)

// Compile-time interface check.
var _ Transport = (*Simulator)(nil)

// Simulator implements the Transport interface in memory for paper trading
// and tests. Orders fill immediately unless a script says otherwise, and
// market events are pushed by the test or replayed from seeded quotes.
type Simulator struct {
	handlers Handlers
	log      *slog.Logger

	mu          sync.Mutex
	authCalls   int
	authErr     error
	quotes      map[string]domain.Quote
	subscribes  map[string]int
	unsubs      map[string]int
	rejectSync  map[string]string
	rejectAsync map[string]string
	partial     map[string]bool
	silent      map[string]bool
	submitted   []domain.Order
	fillDelay   time.Duration
	closed      bool
}

// NewSimulator creates an empty simulator delivering events to h.
func NewSimulator(h Handlers, log *slog.Logger) *Simulator {
	return &Simulator{
		handlers:    h,
		log:         log,
		quotes:      make(map[string]domain.Quote),
		subscribes:  make(map[string]int),
		unsubs:      make(map[string]int),
		rejectSync:  make(map[string]string),
		rejectAsync: make(map[string]string),
		partial:     make(map[string]bool),
		silent:      make(map[string]bool),
		fillDelay:   5 * time.Millisecond,
	}
}

// NewSimulatorFactory returns a transport.Factory producing simulators
// seeded with reference bond quotes, for paper-mode deployments.
func NewSimulatorFactory() Factory {
	return func(brokerID string, _ config.Broker, h Handlers, log *slog.Logger) Transport {
		sim := NewSimulator(h, log.With("broker", brokerID))
		now := time.Now()
		sim.SetQuote(domain.Quote{Symbol: "AL30", Bid: 578.5, Ask: 580.0, Last: 579.0, RawScale: BondPriceScale, Time: now})
		sim.SetQuote(domain.Quote{Symbol: "AL30D", Bid: 0.495, Ask: 0.5, Last: 0.498, RawScale: BondPriceScale, Time: now})
		return sim
	}
}

// ---------------------------------------------------------------------------
// Scripting knobs
// ---------------------------------------------------------------------------

// FailAuth makes subsequent Authenticate calls fail with err.
func (s *Simulator) FailAuth(err error) {
	s.mu.Lock()
	s.authErr = err
	s.mu.Unlock()
}

// SetQuote seeds the latest quote for a symbol. Subscribed symbols replay
// the seeded quote as a market event on subscription.
func (s *Simulator) SetQuote(q domain.Quote) {
	s.mu.Lock()
	s.quotes[Canonical(q.Symbol)] = q
	s.mu.Unlock()
}

// RejectSync makes SubmitOrder for symbol fail synchronously with reason.
func (s *Simulator) RejectSync(symbol, reason string) {
	s.mu.Lock()
	s.rejectSync[Canonical(symbol)] = reason
	s.mu.Unlock()
}

// RejectAsync makes orders for symbol be accepted and then rejected by a
// pushed order report.
func (s *Simulator) RejectAsync(symbol, reason string) {
	s.mu.Lock()
	s.rejectAsync[Canonical(symbol)] = reason
	s.mu.Unlock()
}

// PartialFill makes orders for symbol report a partial fill before the
// final fill.
func (s *Simulator) PartialFill(symbol string) {
	s.mu.Lock()
	s.partial[Canonical(symbol)] = true
	s.mu.Unlock()
}

// Silence makes orders for symbol produce no order reports at all, so
// awaiting callers time out.
func (s *Simulator) Silence(symbol string) {
	s.mu.Lock()
	s.silent[Canonical(symbol)] = true
	s.mu.Unlock()
}

// AuthCalls returns how many Authenticate round-trips were performed.
func (s *Simulator) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// SubscribeCount returns how many upstream subscriptions were issued for
// symbol.
func (s *Simulator) SubscribeCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[Canonical(symbol)]
}

// UnsubscribeCount returns how many upstream unsubscribes were issued for
// symbol.
func (s *Simulator) UnsubscribeCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs[Canonical(symbol)]
}

// Submitted returns the orders forwarded so far, in submission order.
func (s *Simulator) Submitted() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// PushMarket delivers a market event to the registered handler, as the
// gateway feed would.
func (s *Simulator) PushMarket(ev domain.MarketEvent) {
	if s.handlers.OnMarketData != nil {
		s.handlers.OnMarketData(ev)
	}
}

// PushOrderReport delivers an order event to the registered handler.
func (s *Simulator) PushOrderReport(ev domain.OrderEvent) {
	if s.handlers.OnOrderReport != nil {
		s.handlers.OnOrderReport(ev)
	}
}

// ---------------------------------------------------------------------------
// Transport implementation
// ---------------------------------------------------------------------------

// Authenticate returns a fresh fake token, or the scripted failure.
func (s *Simulator) Authenticate(_ context.Context, creds domain.Credentials) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCalls++
	if s.authErr != nil {
		return "", s.authErr
	}
	return fmt.Sprintf("sim-token-%s-%d", creds.Username, s.authCalls), nil
}

// Subscribe counts the upstream subscription and replays the seeded quote.
func (s *Simulator) Subscribe(_ context.Context, symbol string) error {
	key := Canonical(symbol)
	s.mu.Lock()
	s.subscribes[key]++
	q, seeded := s.quotes[key]
	s.mu.Unlock()

	if seeded {
		go s.PushMarket(domain.MarketEvent{Symbol: key, Quote: q, Timestamp: q.Time})
	}
	return nil
}

// Unsubscribe counts the upstream unsubscribe.
func (s *Simulator) Unsubscribe(_ context.Context, symbol string) error {
	s.mu.Lock()
	s.unsubs[Canonical(symbol)]++
	s.mu.Unlock()
	return nil
}

// SubmitOrder applies the scripted outcome for the order's symbol: a
// synchronous reject, an asynchronous reject, silence, or a (possibly
// partial) fill.
func (s *Simulator) SubmitOrder(_ context.Context, order domain.Order) error {
	key := Canonical(order.Symbol)

	s.mu.Lock()
	if reason, ok := s.rejectSync[key]; ok {
		s.mu.Unlock()
		return &domain.OrderRejectedError{
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Reason:        reason,
		}
	}
	s.submitted = append(s.submitted, order)
	asyncReason, rejectAsync := s.rejectAsync[key]
	partial := s.partial[key]
	quiet := s.silent[key]
	delay := s.fillDelay
	s.mu.Unlock()

	if quiet {
		return nil
	}

	go func() {
		time.Sleep(delay)
		now := time.Now()
		if rejectAsync {
			s.PushOrderReport(domain.OrderEvent{
				ClientOrderID: order.ClientOrderID,
				Status:        domain.OrderStatusRejected,
				Reason:        asyncReason,
				Timestamp:     now,
			})
			return
		}
		if partial {
			s.PushOrderReport(domain.OrderEvent{
				ClientOrderID: order.ClientOrderID,
				Status:        domain.OrderStatusPartiallyFilled,
				FillQty:       order.Qty / 2,
				AvgPrice:      order.Price,
				Timestamp:     now,
			})
			time.Sleep(delay)
		}
		s.PushOrderReport(domain.OrderEvent{
			ClientOrderID: order.ClientOrderID,
			Status:        domain.OrderStatusFilled,
			FillQty:       order.Qty,
			AvgPrice:      order.Price,
			Timestamp:     now.Add(time.Millisecond),
		})
	}()
	return nil
}

// CancelOrder acknowledges the cancel with a pushed CANCELLED report.
func (s *Simulator) CancelOrder(_ context.Context, clientOrderID string) error {
	go func() {
		time.Sleep(s.fillDelay)
		s.PushOrderReport(domain.OrderEvent{
			ClientOrderID: clientOrderID,
			Status:        domain.OrderStatusCancelled,
			Timestamp:     time.Now(),
		})
	}()
	return nil
}

// Close marks the simulator closed.
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
