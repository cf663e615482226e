package mep

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mervalmcp/internal/config"
	"mervalmcp/internal/dispatch"
	"mervalmcp/internal/domain"
	"mervalmcp/internal/marketdata"
	"mervalmcp/internal/session"
	"mervalmcp/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	engine *Engine
	sess   *session.Session
	sim    *transport.Simulator
	orders *dispatch.Correlator
}

// newHarness wires a simulator-backed session with the reference scenario
// quotes: AL30 at 1000 pesos, AL30D at 1.05 dollars.
func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Trading.QuoteFreshnessSeconds = 1
	cfg.SetBrokers(&config.BrokerFile{
		Brokers: map[string]config.Broker{
			"sim": {Name: "Simulated", Environment: "paper", Default: true},
		},
		UserAccounts: map[string]config.UserAccount{
			"alice": {Broker: "sim", Username: "alice", Password: "pw", Account: "ACC1"},
		},
	})

	log := testLogger()
	cache := marketdata.NewCache(log)
	orders := dispatch.NewCorrelator(cfg.OrderRetention(), log)
	handlers := transport.Handlers{
		OnMarketData:  cache.HandleMarketData,
		OnOrderReport: orders.HandleOrderReport,
	}

	sim := transport.NewSimulator(handlers, log)
	now := time.Now()
	sim.SetQuote(domain.Quote{Symbol: "AL30", Bid: 1000, Ask: 1002, Last: 1000, Time: now})
	sim.SetQuote(domain.Quote{Symbol: "AL30D", Bid: 1.04, Ask: 1.05, Last: 1.045, Time: now})

	factory := func(string, config.Broker, transport.Handlers, *slog.Logger) transport.Transport {
		return sim
	}
	registry := session.NewRegistry(cfg, factory, handlers, log)
	sess, err := registry.EnsureSession(context.Background(), "alice")
	require.NoError(t, err)

	return &harness{
		engine: NewEngine(cache, orders, cfg, log),
		sess:   sess,
		sim:    sim,
		orders: orders,
	}
}

func TestPreviewImpliedRate(t *testing.T) {
	h := newHarness(t)

	// Selling dollars: buy AL30D at the ask, sell AL30 at the bid.
	prev, err := h.engine.Preview(context.Background(), h.sess, "AL30D", "AL30", -1)
	require.NoError(t, err)

	assert.Equal(t, 1.05, prev.BuyPrice)
	assert.Equal(t, 1000.0, prev.SellPrice)
	// 1000 / 1.05 * 1.005
	assert.InDelta(t, 957.142857, prev.ImpliedRate, 0.0001)
	assert.Equal(t, 0.005, prev.CommissionRate)
}

func TestPreviewCommissionOverride(t *testing.T) {
	h := newHarness(t)

	prev, err := h.engine.Preview(context.Background(), h.sess, "AL30D", "AL30", 0)
	require.NoError(t, err)
	// Zero commission: the raw price ratio.
	assert.InDelta(t, 952.380952, prev.ImpliedRate, 0.0001)
}

func TestPreviewStaleData(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Preview(context.Background(), h.sess, "GD41D", "GD41", -1)
	var stale *domain.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "GD41D", stale.Symbol)
}

func TestPreviewNamesUnpriceableSellLeg(t *testing.T) {
	h := newHarness(t)
	// GD30 quotes but carries no usable prices; the error must point at it,
	// not at the healthy buy leg.
	h.sim.SetQuote(domain.Quote{Symbol: "GD30", Time: time.Now()})

	_, err := h.engine.Preview(context.Background(), h.sess, "AL30D", "GD30", -1)
	var stale *domain.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "GD30", stale.Symbol)
}

func TestExecuteBothLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	prev, err := h.engine.Preview(ctx, h.sess, "AL30D", "AL30", -1)
	require.NoError(t, err)

	res, err := h.engine.Execute(ctx, h.sess, prev, 1050)
	require.NoError(t, err)

	assert.Equal(t, 1000.0, res.Quantity)
	require.NotEmpty(t, res.BuyOrderID)
	require.NotEmpty(t, res.SellOrderID)
	assert.Equal(t, domain.OrderStatusFilled, res.BuyOrder.Status)
	assert.Equal(t, domain.OrderStatusFilled, res.SellOrder.Status)

	submitted := h.sim.Submitted()
	require.Len(t, submitted, 2)
	assert.Equal(t, domain.SideBuy, submitted[0].Side)
	assert.Equal(t, domain.SideSell, submitted[1].Side)
}

func TestExecuteBuyRejectAbortsSellLeg(t *testing.T) {
	h := newHarness(t)
	h.sim.RejectAsync("AL30D", "insufficient funds")
	ctx := context.Background()

	prev, err := h.engine.Preview(ctx, h.sess, "AL30D", "AL30", -1)
	require.NoError(t, err)

	_, err = h.engine.Execute(ctx, h.sess, prev, 1050)
	var rej *domain.OrderRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "insufficient funds", rej.Reason)

	// The sell leg was never submitted.
	submitted := h.sim.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, domain.SideBuy, submitted[0].Side)
}

func TestExecuteSellRejectIsPartial(t *testing.T) {
	h := newHarness(t)
	h.sim.RejectAsync("AL30", "price band")
	ctx := context.Background()

	prev, err := h.engine.Preview(ctx, h.sess, "AL30D", "AL30", -1)
	require.NoError(t, err)

	res, err := h.engine.Execute(ctx, h.sess, prev, 1050)
	var partial *domain.PartialExecutionError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, res.BuyOrderID, partial.BuyOrderID)
	assert.Equal(t, res.SellOrderID, partial.SellOrderID)
	assert.NotEmpty(t, partial.BuyOrderID)
	assert.NotEmpty(t, partial.SellOrderID)
	assert.Contains(t, partial.Reason, "price band")
}

func TestExecuteSellSyncRefusalIsPartial(t *testing.T) {
	h := newHarness(t)
	h.sim.RejectSync("AL30", "instrument halted")
	ctx := context.Background()

	prev, err := h.engine.Preview(ctx, h.sess, "AL30D", "AL30", -1)
	require.NoError(t, err)

	_, err = h.engine.Execute(ctx, h.sess, prev, 1050)
	var partial *domain.PartialExecutionError
	require.ErrorAs(t, err, &partial)
	assert.NotEmpty(t, partial.BuyOrderID)
	assert.Empty(t, partial.SellOrderID, "sell leg never got an id")
}

func TestExecuteRejectsBadAmount(t *testing.T) {
	h := newHarness(t)
	prev := Preview{BuySymbol: "AL30D", SellSymbol: "AL30", BuyPrice: 1.05, SellPrice: 1000}
	_, err := h.engine.Execute(context.Background(), h.sess, prev, 0)
	require.Error(t, err)
}

func TestLegQuantity(t *testing.T) {
	assert.Equal(t, 1000.0, legQuantity(1050, 1.05))
	assert.Equal(t, 95.0, legQuantity(100000, 1050))
	assert.Equal(t, 1.0, legQuantity(10, 580), "never less than one nominal")
}

func TestInverseRate(t *testing.T) {
	prev := Preview{
		BuyPrice:       1000,
		SellPrice:      1.05,
		CommissionRate: 0.005,
		CommissionMode: config.CommissionModeCombined,
	}
	assert.InDelta(t, 957.142857, prev.InverseRate(), 0.0001)
}

func TestRateMultiplierModes(t *testing.T) {
	rate := decimal.NewFromFloat(0.005)

	combined := rateMultiplier(rate, config.CommissionModeCombined)
	assert.InDelta(t, 1.005, combined.InexactFloat64(), 1e-9)

	split := rateMultiplier(rate, config.CommissionModeSplit)
	assert.InDelta(t, 1.00500625, split.InexactFloat64(), 1e-9)
}

func TestLegCommissions(t *testing.T) {
	rate := decimal.NewFromFloat(0.005)

	buy, sell := legCommissions(1.05, 1000, rate, config.CommissionModeCombined)
	assert.InDelta(t, 0.0053, buy, 1e-9)
	assert.InDelta(t, 5.0, sell, 1e-9)

	buy, sell = legCommissions(1.05, 1000, rate, config.CommissionModeBuyLeg)
	assert.InDelta(t, 0.0053, buy, 1e-9)
	assert.Zero(t, sell)

	buy, sell = legCommissions(1.05, 1000, rate, config.CommissionModeSplit)
	assert.InDelta(t, 0.0026, buy, 1e-9)
	assert.InDelta(t, 2.5, sell, 1e-9)
}
