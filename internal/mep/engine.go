// Package mep derives the implied MEP exchange rate from a bond pair and
// executes the two correlated legs with partial-failure handling.
package mep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"mervalmcp/internal/config"
	"mervalmcp/internal/dispatch"
	"mervalmcp/internal/domain"
	"mervalmcp/internal/marketdata"
	"mervalmcp/internal/session"
)

// Preview is a point-in-time view of a two-leg MEP operation: both leg
// quotes and the implied exchange rate derived from them.
type Preview struct {
	BuySymbol      string       `json:"buy_symbol"`
	SellSymbol     string       `json:"sell_symbol"`
	BuyPrice       float64      `json:"buy_price"`
	SellPrice      float64      `json:"sell_price"`
	ImpliedRate    float64      `json:"implied_rate"`
	CommissionRate float64      `json:"commission_rate"`
	CommissionMode string       `json:"commission_mode"`
	BuyCommission  float64      `json:"buy_commission"`
	SellCommission float64      `json:"sell_commission"`
	BuyQuote       domain.Quote `json:"buy_quote"`
	SellQuote      domain.Quote `json:"sell_quote"`
	At             time.Time    `json:"at"`
}

// InverseRate returns the implied rate computed in the opposite
// orientation, buy_price / sell_price under the same commission
// multiplier. Callers use it to quote a pair in its conventional currency
// regardless of leg assignment.
func (p Preview) InverseRate() float64 {
	if p.SellPrice <= 0 {
		return 0
	}
	mult := rateMultiplier(decimal.NewFromFloat(p.CommissionRate), p.CommissionMode)
	return decimal.NewFromFloat(p.BuyPrice).
		Div(decimal.NewFromFloat(p.SellPrice)).
		Mul(mult).
		Round(6).
		InexactFloat64()
}

// Result carries the order ids of an executed (or partially progressed)
// MEP operation.
type Result struct {
	BuyOrderID  string       `json:"buy_order_id"`
	SellOrderID string       `json:"sell_order_id"`
	Quantity    float64      `json:"quantity"`
	BuyOrder    domain.Order `json:"buy_order"`
	SellOrder   domain.Order `json:"sell_order"`
}

// Engine computes MEP previews from the market data cache and drives the
// two-leg execution through the order correlator. It holds no state of its
// own.
type Engine struct {
	cache  *marketdata.Cache
	orders *dispatch.Correlator
	cfg    *config.Config
	log    *slog.Logger
}

// NewEngine wires the engine to its collaborators.
func NewEngine(cache *marketdata.Cache, orders *dispatch.Correlator, cfg *config.Config, log *slog.Logger) *Engine {
	return &Engine{cache: cache, orders: orders, cfg: cfg, log: log}
}

// Preview reads both legs' latest quotes, subscribing if necessary, and
// derives the implied rate: sell_price / buy_price scaled by the
// commission multiplier. A leg whose quote cannot be produced within the
// freshness bound yields a StaleDataError. commissionRate < 0 selects the
// configured rate.
func (e *Engine) Preview(ctx context.Context, sess *session.Session, buySymbol, sellSymbol string, commissionRate float64) (Preview, error) {
	if commissionRate < 0 {
		commissionRate = e.cfg.Trading.CommissionRate
	}
	freshness := e.cfg.QuoteFreshness()

	buyQuote, err := e.legQuote(ctx, sess, buySymbol, freshness)
	if err != nil {
		return Preview{}, err
	}
	sellQuote, err := e.legQuote(ctx, sess, sellSymbol, freshness)
	if err != nil {
		return Preview{}, err
	}

	buyPrice := legPrice(buyQuote, domain.SideBuy)
	sellPrice := legPrice(sellQuote, domain.SideSell)
	if buyPrice <= 0 {
		return Preview{}, &domain.StaleDataError{Symbol: buySymbol, MaxAge: freshness}
	}
	if sellPrice <= 0 {
		return Preview{}, &domain.StaleDataError{Symbol: sellSymbol, MaxAge: freshness}
	}

	mode := e.cfg.Trading.CommissionMode
	rate := decimal.NewFromFloat(commissionRate)
	implied := decimal.NewFromFloat(sellPrice).
		Div(decimal.NewFromFloat(buyPrice)).
		Mul(rateMultiplier(rate, mode)).
		Round(6)

	buyCommission, sellCommission := legCommissions(buyPrice, sellPrice, rate, mode)

	return Preview{
		BuySymbol:      buyQuote.Symbol,
		SellSymbol:     sellQuote.Symbol,
		BuyPrice:       buyPrice,
		SellPrice:      sellPrice,
		ImpliedRate:    implied.InexactFloat64(),
		CommissionRate: commissionRate,
		CommissionMode: mode,
		BuyCommission:  buyCommission,
		SellCommission: sellCommission,
		BuyQuote:       buyQuote,
		SellQuote:      sellQuote,
		At:             time.Now(),
	}, nil
}

// Execute runs the two-leg saga: submit the buy leg, wait for evidence the
// gateway is working it, and only then submit the sell leg. A rejected buy
// leg aborts before the sell leg is touched; a buy leg that fills followed
// by a failing sell leg surfaces as a PartialExecutionError carrying both
// ids. No automatic unwind is attempted.
func (e *Engine) Execute(ctx context.Context, sess *session.Session, prev Preview, amount float64) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("amount must be positive")
	}

	qty := legQuantity(amount, prev.BuyPrice)
	timeout := e.cfg.RequestTimeout()
	tr := sess.Transport()

	buyID, err := e.orders.Submit(ctx, tr, domain.Order{
		UserID:      sess.UserID(),
		Symbol:      prev.BuySymbol,
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         qty,
		Price:       prev.BuyPrice,
	})
	if err != nil {
		return Result{}, err
	}

	buyOrder, err := e.orders.AwaitExecution(ctx, buyID, timeout)
	if err != nil {
		if errors.Is(err, domain.ErrTimedOut) {
			// The buy leg may still fill; the operation is half-done
			// until an operator resolves it.
			return Result{BuyOrderID: buyID}, &domain.PartialExecutionError{
				BuyOrderID: buyID,
				Reason:     "buy leg outcome unknown: timed out",
			}
		}
		return Result{BuyOrderID: buyID}, err
	}

	switch buyOrder.Status {
	case domain.OrderStatusRejected:
		e.log.Info("mep aborted before sell leg", "buy_order", buyID, "reason", buyOrder.Reason)
		return Result{BuyOrderID: buyID}, &domain.OrderRejectedError{
			ClientOrderID: buyID,
			Symbol:        prev.BuySymbol,
			Reason:        buyOrder.Reason,
		}
	case domain.OrderStatusCancelled:
		return Result{BuyOrderID: buyID}, &domain.OrderRejectedError{
			ClientOrderID: buyID,
			Symbol:        prev.BuySymbol,
			Reason:        "buy leg cancelled before execution",
		}
	}

	sellID, err := e.orders.Submit(ctx, tr, domain.Order{
		UserID:      sess.UserID(),
		Symbol:      prev.SellSymbol,
		Side:        domain.SideSell,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         qty,
		Price:       prev.SellPrice,
	})
	if err != nil {
		return Result{BuyOrderID: buyID}, &domain.PartialExecutionError{
			BuyOrderID: buyID,
			Reason:     fmt.Sprintf("sell leg refused: %v", err),
		}
	}

	result := Result{BuyOrderID: buyID, SellOrderID: sellID, Quantity: qty, BuyOrder: buyOrder}

	sellOrder, err := e.orders.AwaitExecution(ctx, sellID, timeout)
	if err != nil {
		if errors.Is(err, domain.ErrTimedOut) {
			// Sell leg still working; both ids are returned so the
			// caller can follow up.
			return result, nil
		}
		return result, err
	}
	result.SellOrder = sellOrder

	switch sellOrder.Status {
	case domain.OrderStatusRejected, domain.OrderStatusCancelled:
		return result, &domain.PartialExecutionError{
			BuyOrderID:  buyID,
			SellOrderID: sellID,
			Reason:      fmt.Sprintf("sell leg %s: %s", sellOrder.Status, sellOrder.Reason),
		}
	}

	if final, ok := e.orders.Get(buyID); ok {
		result.BuyOrder = final
	}

	e.log.Info("mep executed", "buy_order", buyID, "sell_order", sellID, "qty", qty)
	return result, nil
}

// legQuote fetches one leg's quote within the freshness bound, holding a
// temporary cache subscription so an otherwise idle symbol gets a feed.
func (e *Engine) legQuote(ctx context.Context, sess *session.Session, symbol string, freshness time.Duration) (domain.Quote, error) {
	tok, err := e.cache.Subscribe(ctx, sess.Transport(), symbol)
	if err != nil {
		return domain.Quote{}, err
	}
	defer func() {
		if err := e.cache.Unsubscribe(ctx, tok); err != nil {
			e.log.Warn("releasing preview subscription", "symbol", symbol, "error", err)
		}
	}()

	quote, _, err := e.cache.GetLatest(ctx, symbol, freshness, freshness)
	if err != nil {
		if errors.Is(err, domain.ErrTimedOut) {
			age := time.Duration(0)
			if a, ok := e.cache.Age(symbol); ok {
				age = a
			}
			return domain.Quote{}, &domain.StaleDataError{Symbol: symbol, Age: age, MaxAge: freshness}
		}
		return domain.Quote{}, err
	}
	return quote, nil
}

// legPrice picks the executable price for a leg: ask when buying, bid when
// selling, falling back to the last trade.
func legPrice(q domain.Quote, side domain.Side) float64 {
	if side == domain.SideBuy {
		if q.Ask > 0 {
			return q.Ask
		}
	} else if q.Bid > 0 {
		return q.Bid
	}
	return q.Last
}

// legQuantity converts a requested amount into whole nominals, never less
// than one.
func legQuantity(amount, buyPrice float64) float64 {
	qty := decimal.NewFromFloat(amount).
		Div(decimal.NewFromFloat(buyPrice)).
		Round(0)
	if qty.LessThan(decimal.NewFromInt(1)) {
		return 1
	}
	return qty.InexactFloat64()
}

// rateMultiplier converts the commission rate into the factor applied to
// the raw price ratio. Every mode applies the full rate once except
// "split", which charges half per leg.
func rateMultiplier(rate decimal.Decimal, mode string) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if mode == config.CommissionModeSplit {
		half := rate.Div(decimal.NewFromInt(2))
		return one.Add(half).Mul(one.Add(half))
	}
	return one.Add(rate)
}

// legCommissions estimates the per-nominal commission charged on each leg
// under the configured split.
func legCommissions(buyPrice, sellPrice float64, rate decimal.Decimal, mode string) (buy, sell float64) {
	b := decimal.NewFromFloat(buyPrice)
	s := decimal.NewFromFloat(sellPrice)
	switch mode {
	case config.CommissionModeBuyLeg:
		return b.Mul(rate).Round(4).InexactFloat64(), 0
	case config.CommissionModeSellLeg:
		return 0, s.Mul(rate).Round(4).InexactFloat64()
	case config.CommissionModeSplit:
		half := rate.Div(decimal.NewFromInt(2))
		return b.Mul(half).Round(4).InexactFloat64(), s.Mul(half).Round(4).InexactFloat64()
	default:
		// combined: the reference design charges the full rate per leg.
		return b.Mul(rate).Round(4).InexactFloat64(), s.Mul(rate).Round(4).InexactFloat64()
	}
}
