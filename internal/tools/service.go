// Package tools is the operation facade over the session registry, market
// data cache, order correlator, and MEP engine. Every caller-facing entry
// point lives here; the HTTP layer is a thin JSON shim on top.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"mervalmcp/internal/config"
	"mervalmcp/internal/dispatch"
	"mervalmcp/internal/domain"
	"mervalmcp/internal/marketdata"
	"mervalmcp/internal/mep"
	"mervalmcp/internal/session"
	"mervalmcp/internal/transport"
)

// MEP directions: which currency the caller ends up holding.
const (
	MepDirectionBuy  = "buy"  // pay ARS, receive USD
	MepDirectionSell = "sell" // pay USD, receive ARS
)

// MarketDataResult is the outcome of a market data read. TimedOut marks
// the distinct no-fresh-data-in-time outcome; it is not an error.
type MarketDataResult struct {
	Symbol   string            `json:"symbol"`
	TimedOut bool              `json:"timed_out"`
	Quote    *domain.Quote     `json:"quote,omitempty"`
	Book     *domain.OrderBook `json:"book,omitempty"`
	AgeMS    int64             `json:"age_ms,omitempty"`
}

// OrderResult is the outcome of an order operation that may involve
// waiting.
type OrderResult struct {
	Order    domain.Order `json:"order"`
	TimedOut bool         `json:"timed_out,omitempty"`
}

// OrderRequest is a caller order before symbol expansion and submission.
type OrderRequest struct {
	Symbol      string             `json:"symbol"`
	Settlement  string             `json:"settlement,omitempty"`
	Side        domain.Side        `json:"side"`
	Type        domain.OrderType   `json:"type,omitempty"`
	TimeInForce domain.TimeInForce `json:"time_in_force,omitempty"`
	Qty         float64            `json:"qty"`
	Price       float64            `json:"price,omitempty"`
}

// Subscription is one live market data subscription as handed to a caller.
type Subscription struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
}

// MepPreviewResult pairs the raw two-leg preview with the normalized
// ARS-per-USD rate, which reads the same in both directions.
type MepPreviewResult struct {
	Direction string      `json:"direction"`
	Rate      float64     `json:"rate"`
	Preview   mep.Preview `json:"preview"`
}

// MepExecuteResult reports an executed MEP operation.
type MepExecuteResult struct {
	Direction string     `json:"direction"`
	Amount    float64    `json:"amount"`
	Result    mep.Result `json:"result"`
}

// Service glues the components together behind one callable surface.
type Service struct {
	cfg      *config.Config
	registry *session.Registry
	cache    *marketdata.Cache
	orders   *dispatch.Correlator
	engine   *mep.Engine
	log      *slog.Logger

	mu   sync.Mutex
	subs map[string]Subscription // token id -> subscription
	toks map[string]marketdata.Token
}

// NewService wires the facade.
func NewService(cfg *config.Config, registry *session.Registry, cache *marketdata.Cache, orders *dispatch.Correlator, engine *mep.Engine, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		orders:   orders,
		engine:   engine,
		log:      log,
		subs:     make(map[string]Subscription),
		toks:     make(map[string]marketdata.Token),
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Login authenticates the user against the configured broker and returns
// the resulting session status. Credentials always come from the account
// registry; they never cross this API.
func (s *Service) Login(ctx context.Context, userID string) (domain.SessionStatus, error) {
	userID, err := s.registry.ResolveUser(userID)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	brokerID, creds, err := s.cfg.GetUserAccount(userID)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	sess, err := s.registry.Login(ctx, userID, creds, brokerID)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	return sess.Status(), nil
}

// Logout destroys the user's session if one exists.
func (s *Service) Logout(userID string) {
	s.registry.Logout(userID)
}

// SessionStatus reports the session state without triggering a login.
func (s *Service) SessionStatus(userID string) domain.SessionStatus {
	return s.registry.Status(userID)
}

// ListUsers returns the configured account ids.
func (s *Service) ListUsers() []string {
	return s.cfg.ListUsers()
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetMarketData returns the latest quote for symbol, waiting up to the
// request timeout for fresh data. Without a standing subscription a
// temporary one is held for the duration of the call.
func (s *Service) GetMarketData(ctx context.Context, userID, symbol, settlement string) (MarketDataResult, error) {
	sess, err := s.registry.EnsureSession(ctx, userID)
	if err != nil {
		return MarketDataResult{}, err
	}

	ticker := expandTicker(symbol, settlement)

	if s.cache.SubscriberCount(ticker) == 0 {
		tok, err := s.cache.Subscribe(ctx, sess.Transport(), ticker)
		if err != nil {
			return MarketDataResult{}, err
		}
		defer func() {
			if err := s.cache.Unsubscribe(ctx, tok); err != nil {
				s.log.Warn("releasing temporary subscription", "symbol", ticker, "error", err)
			}
		}()
	}

	quote, book, err := s.cache.GetLatest(ctx, ticker, s.cfg.QuoteFreshness(), s.cfg.RequestTimeout())
	if err != nil {
		if errors.Is(err, domain.ErrTimedOut) {
			res := MarketDataResult{Symbol: ticker, TimedOut: true}
			if age, ok := s.cache.Age(ticker); ok {
				res.AgeMS = age.Milliseconds()
			}
			return res, nil
		}
		return MarketDataResult{}, err
	}
	return MarketDataResult{Symbol: ticker, Quote: &quote, Book: book}, nil
}

// Subscribe opens a standing market data subscription and returns its
// token. The feed stays up until the token is released.
func (s *Service) Subscribe(ctx context.Context, userID, symbol, settlement string) (Subscription, error) {
	sess, err := s.registry.EnsureSession(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}

	ticker := expandTicker(symbol, settlement)
	tok, err := s.cache.Subscribe(ctx, sess.Transport(), ticker)
	if err != nil {
		return Subscription{}, err
	}

	sub := Subscription{Token: tok.ID, UserID: sess.UserID(), Symbol: tok.Symbol}
	s.mu.Lock()
	s.subs[tok.ID] = sub
	s.toks[tok.ID] = tok
	s.mu.Unlock()
	return sub, nil
}

// Unsubscribe releases a standing subscription by token.
func (s *Service) Unsubscribe(ctx context.Context, token string) error {
	s.mu.Lock()
	tok, ok := s.toks[token]
	delete(s.toks, token)
	delete(s.subs, token)
	s.mu.Unlock()

	if !ok {
		return &domain.ConfigurationError{What: fmt.Sprintf("unknown subscription token %s", token)}
	}
	return s.cache.Unsubscribe(ctx, tok)
}

// ListSubscriptions returns the user's standing subscriptions.
func (s *Service) ListSubscriptions(userID string) []Subscription {
	userID, err := s.registry.ResolveUser(userID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder validates and forwards an order, returning its client order
// id and initial snapshot. The caller follows progress with AwaitOrder or
// GetOrder.
func (s *Service) SubmitOrder(ctx context.Context, userID string, req OrderRequest) (domain.Order, error) {
	if err := validateOrder(req); err != nil {
		return domain.Order{}, err
	}

	sess, err := s.registry.EnsureSession(ctx, userID)
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		UserID:      sess.UserID(),
		Symbol:      expandTicker(req.Symbol, req.Settlement),
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Qty:         req.Qty,
		Price:       req.Price,
	}
	if order.Type == "" {
		order.Type = domain.OrderTypeLimit
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TimeInForceDay
	}

	id, err := s.orders.Submit(ctx, sess.Transport(), order)
	if err != nil {
		return domain.Order{}, err
	}
	snap, _ := s.orders.Get(id)
	return snap, nil
}

// AwaitOrder waits until the order reaches a terminal state or the request
// timeout elapses. A timeout reports the current snapshot with TimedOut
// set; the order keeps running.
func (s *Service) AwaitOrder(ctx context.Context, clientOrderID string) (OrderResult, error) {
	order, err := s.orders.AwaitTerminal(ctx, clientOrderID, s.cfg.RequestTimeout())
	if err != nil {
		if errors.Is(err, domain.ErrTimedOut) {
			snap, ok := s.orders.Get(clientOrderID)
			if !ok {
				return OrderResult{}, dispatch.ErrUnknownOrder
			}
			return OrderResult{Order: snap, TimedOut: true}, nil
		}
		return OrderResult{}, err
	}
	return OrderResult{Order: order}, nil
}

// CancelOrder forwards a cancel request for a tracked order. The CANCELLED
// transition arrives asynchronously like any other report.
func (s *Service) CancelOrder(ctx context.Context, userID, clientOrderID string) error {
	sess, err := s.registry.EnsureSession(ctx, userID)
	if err != nil {
		return err
	}
	return s.orders.Cancel(ctx, sess.Transport(), clientOrderID)
}

// GetOrder returns the tracked snapshot for a client order id.
func (s *Service) GetOrder(clientOrderID string) (domain.Order, error) {
	order, ok := s.orders.Get(clientOrderID)
	if !ok {
		return domain.Order{}, dispatch.ErrUnknownOrder
	}
	return order, nil
}

// ListOrders returns the user's tracked orders, oldest first.
func (s *Service) ListOrders(userID string) ([]domain.Order, error) {
	userID, err := s.registry.ResolveUser(userID)
	if err != nil {
		return nil, err
	}
	return s.orders.ListByUser(userID), nil
}

// ---------------------------------------------------------------------------
// MEP
// ---------------------------------------------------------------------------

// MepPreview computes the implied ARS/USD rate for a bond pair. bond is the
// peso-leg root (AL30, GD30, ...); the dollar leg is its D variant in the
// same settlement.
func (s *Service) MepPreview(ctx context.Context, userID, bond, settlement, direction string) (MepPreviewResult, error) {
	direction, err := normalizeDirection(direction)
	if err != nil {
		return MepPreviewResult{}, err
	}
	sess, err := s.registry.EnsureSession(ctx, userID)
	if err != nil {
		return MepPreviewResult{}, err
	}

	buySym, sellSym := mepLegs(bond, settlement, direction)
	prev, err := s.engine.Preview(ctx, sess, buySym, sellSym, -1)
	if err != nil {
		return MepPreviewResult{}, err
	}

	return MepPreviewResult{
		Direction: direction,
		Rate:      arsPerUSD(prev, direction),
		Preview:   prev,
	}, nil
}

// MepExecute previews and then runs the two-leg operation. amount is
// denominated in the currency being spent: ARS when buying dollars, USD
// when selling them.
func (s *Service) MepExecute(ctx context.Context, userID, bond, settlement, direction string, amount float64) (MepExecuteResult, error) {
	preview, err := s.MepPreview(ctx, userID, bond, settlement, direction)
	if err != nil {
		return MepExecuteResult{}, err
	}
	sess, err := s.registry.EnsureSession(ctx, userID)
	if err != nil {
		return MepExecuteResult{}, err
	}

	result, err := s.engine.Execute(ctx, sess, preview.Preview, amount)
	out := MepExecuteResult{Direction: preview.Direction, Amount: amount, Result: result}
	if err != nil {
		return out, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// expandTicker normalizes a caller symbol plus optional settlement into the
// wire ticker the gateway understands.
func expandTicker(symbol, settlement string) string {
	symbol = transport.Canonical(symbol)
	if settlement != "" {
		root := transport.RootSymbol(symbol)
		return transport.FullTicker(root + " - " + transport.NormalizeSettlement(settlement))
	}
	return transport.FullTicker(symbol)
}

// mepLegs assigns the peso and dollar legs according to direction. Buying
// dollars spends pesos on the local leg and sells the D leg; selling
// dollars is the reverse.
func mepLegs(bond, settlement, direction string) (buySym, sellSym string) {
	root := transport.RootSymbol(transport.Canonical(bond))
	arsLeg := expandTicker(root, settlement)
	usdLeg := expandTicker(root+"D", settlement)
	if direction == MepDirectionBuy {
		return arsLeg, usdLeg
	}
	return usdLeg, arsLeg
}

// arsPerUSD normalizes the preview's implied rate to pesos per dollar. In
// the sell direction the engine formula already yields that; in the buy
// direction the peso leg is the one being bought, so the orientation is
// inverted.
func arsPerUSD(prev mep.Preview, direction string) float64 {
	rate := prev.ImpliedRate
	if direction == MepDirectionBuy {
		rate = prev.InverseRate()
	}
	return decimal.NewFromFloat(rate).Round(2).InexactFloat64()
}

// normalizeDirection validates the MEP direction, defaulting to buy.
func normalizeDirection(direction string) (string, error) {
	switch direction {
	case "", MepDirectionBuy:
		return MepDirectionBuy, nil
	case MepDirectionSell:
		return MepDirectionSell, nil
	default:
		return "", &domain.ConfigurationError{What: fmt.Sprintf("unknown MEP direction %q", direction)}
	}
}

// validateOrder rejects obviously malformed order requests before they
// reach the gateway.
func validateOrder(req OrderRequest) error {
	if req.Symbol == "" {
		return &domain.ConfigurationError{What: "order symbol required"}
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return &domain.ConfigurationError{What: fmt.Sprintf("unknown order side %q", req.Side)}
	}
	if req.Qty <= 0 {
		return &domain.ConfigurationError{What: "order qty must be positive"}
	}
	if (req.Type == "" || req.Type == domain.OrderTypeLimit) && req.Price <= 0 {
		return &domain.ConfigurationError{What: "limit orders require a positive price"}
	}
	return nil
}
