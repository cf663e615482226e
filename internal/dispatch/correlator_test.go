package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mervalmcp/internal/domain"
	"mervalmcp/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCorrelatorWithSim(t *testing.T, retention time.Duration) (*Correlator, *transport.Simulator) {
	t.Helper()
	c := NewCorrelator(retention, testLogger())
	sim := transport.NewSimulator(transport.Handlers{OnOrderReport: c.HandleOrderReport}, testLogger())
	return c, sim
}

func testOrder(symbol string) domain.Order {
	return domain.Order{
		UserID:      "alice",
		Symbol:      symbol,
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		Qty:         100,
		Price:       580,
	}
}

func TestSubmitAndFill(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	order, err := c.AwaitTerminal(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 100.0, order.FilledQty)
	assert.Equal(t, 580.0, order.AvgPrice)
}

func TestPartialFillProgression(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.PartialFill("AL30")
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)

	// AwaitExecution returns on the first progress past SUBMITTED, which is
	// the partial fill here (or the final fill if the reports raced us).
	order, err := c.AwaitExecution(ctx, id, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, domain.OrderStatusSubmitted, order.Status)
	assert.GreaterOrEqual(t, order.FilledQty, 50.0)

	order, err = c.AwaitTerminal(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 100.0, order.FilledQty)
}

func TestRepeatedPartialFillsAdvance(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.Silence("AL30")
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)

	c.HandleOrderReport(domain.OrderEvent{
		ClientOrderID: id,
		Status:        domain.OrderStatusPartiallyFilled,
		FillQty:       30,
		AvgPrice:      579,
		Timestamp:     time.Now(),
	})
	order, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, 30.0, order.FilledQty)

	// A second partial fill is progress, not a duplicate.
	c.HandleOrderReport(domain.OrderEvent{
		ClientOrderID: id,
		Status:        domain.OrderStatusPartiallyFilled,
		FillQty:       70,
		AvgPrice:      579.5,
		Timestamp:     time.Now(),
	})
	order, ok = c.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, order.Status)
	assert.Equal(t, 70.0, order.FilledQty)
	assert.Equal(t, 579.5, order.AvgPrice)

	c.HandleOrderReport(domain.OrderEvent{
		ClientOrderID: id,
		Status:        domain.OrderStatusFilled,
		FillQty:       100,
		AvgPrice:      580,
		Timestamp:     time.Now(),
	})
	order, err = c.AwaitTerminal(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 100.0, order.FilledQty)
}

func TestSyncRejectLeavesNothingBehind(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.RejectSync("AL30", "market closed")
	ctx := context.Background()

	_, err := c.Submit(ctx, sim, testOrder("AL30"))
	var rej *domain.OrderRejectedError
	require.ErrorAs(t, err, &rej)
	assert.NotEmpty(t, rej.ClientOrderID)
	assert.Equal(t, "market closed", rej.Reason)

	_, ok := c.Get(rej.ClientOrderID)
	assert.False(t, ok, "sync rejected order must not be tracked")
	assert.Empty(t, c.ListByUser("alice"))
}

func TestAsyncReject(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.RejectAsync("AL30", "insufficient funds")
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)

	order, err := c.AwaitTerminal(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
	assert.Equal(t, "insufficient funds", order.Reason)
}

func TestAwaitTerminalTimesOut(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.Silence("AL30")
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)

	_, err = c.AwaitTerminal(ctx, id, 30*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimedOut)

	// Timing out does not touch the order.
	order, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
}

func TestUnknownReportDropped(t *testing.T) {
	c, _ := newCorrelatorWithSim(t, time.Minute)

	c.HandleOrderReport(domain.OrderEvent{
		ClientOrderID: "never-submitted",
		Status:        domain.OrderStatusFilled,
		Timestamp:     time.Now(),
	})

	_, ok := c.Get("never-submitted")
	assert.False(t, ok)
}

func TestBackwardsTransitionDropped(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)
	_, err = c.AwaitTerminal(ctx, id, time.Second)
	require.NoError(t, err)

	// A straggler partial-fill report after the fill must not regress the
	// state.
	c.HandleOrderReport(domain.OrderEvent{
		ClientOrderID: id,
		Status:        domain.OrderStatusPartiallyFilled,
		FillQty:       10,
		Timestamp:     time.Now(),
	})

	order, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 100.0, order.FilledQty)
}

func TestCancel(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.Silence("AL30")
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, sim, id))

	order, err := c.AwaitTerminal(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)

	assert.ErrorIs(t, c.Cancel(ctx, sim, "nope"), ErrUnknownOrder)
}

func TestListByUser(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.Silence("AL30")
	sim.Silence("GD30")
	ctx := context.Background()

	first, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)
	second, err := c.Submit(ctx, sim, testOrder("GD30"))
	require.NoError(t, err)

	other := testOrder("AL30")
	other.UserID = "bruno"
	_, err = c.Submit(ctx, sim, other)
	require.NoError(t, err)

	orders := c.ListByUser("alice")
	require.Len(t, orders, 2)
	assert.Equal(t, first, orders[0].ClientOrderID)
	assert.Equal(t, second, orders[1].ClientOrderID)
}

func TestDropTransportEvictsNonTerminal(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, time.Minute)
	sim.Silence("GD30")
	ctx := context.Background()

	filled, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)
	_, err = c.AwaitTerminal(ctx, filled, time.Second)
	require.NoError(t, err)

	working, err := c.Submit(ctx, sim, testOrder("GD30"))
	require.NoError(t, err)

	c.DropTransport("alice")

	_, ok := c.Get(working)
	assert.False(t, ok, "working order of a dropped session is evicted")
	_, ok = c.Get(filled)
	assert.True(t, ok, "terminal orders stay queryable")
}

func TestRetentionEviction(t *testing.T) {
	c, sim := newCorrelatorWithSim(t, 20*time.Millisecond)
	ctx := context.Background()

	id, err := c.Submit(ctx, sim, testOrder("AL30"))
	require.NoError(t, err)
	_, err = c.AwaitTerminal(ctx, id, time.Second)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get(id)
	assert.False(t, ok, "terminal order evicted after retention")
}
