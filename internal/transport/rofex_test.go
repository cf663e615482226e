package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mervalmcp/internal/config"
	"mervalmcp/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway stands in for a ROFEX/Matriz endpoint: REST auth and order
// entry plus a websocket feed the test can push messages through.
type fakeGateway struct {
	ts *httptest.Server

	mu           sync.Mutex
	conn         *websocket.Conn
	received     []map[string]any
	lastOrder    map[string]string
	rejectOrder  string // when set, newSingleOrder answers with this message
	authCalls    int
	authFailures int // number of 503s to serve before accepting logins
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/getToken", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.authCalls++
		failing := g.authFailures > 0
		if failing {
			g.authFailures--
		}
		g.mu.Unlock()

		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Password") == "wrong" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Auth-Token", "tok-"+r.Header.Get("X-Username"))
	})
	mux.HandleFunc("GET /rest/order/newSingleOrder", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.lastOrder = map[string]string{}
		for k := range r.URL.Query() {
			g.lastOrder[k] = r.URL.Query().Get(k)
		}
		reject := g.rejectOrder
		g.mu.Unlock()

		if reject != "" {
			io.WriteString(w, `{"status":"ERROR","message":"`+reject+`"}`)
			return
		}
		io.WriteString(w, `{"status":"OK","order":{"clientId":"GW-1","proprietary":"api"}}`)
	})
	mux.HandleFunc("GET /rest/order/cancelById", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"OK"}`)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			g.mu.Lock()
			g.received = append(g.received, msg)
			g.mu.Unlock()
		}
	})

	g.ts = httptest.NewServer(mux)
	t.Cleanup(g.ts.Close)
	return g
}

func (g *fakeGateway) broker() config.Broker {
	return config.Broker{
		Name:           "Fake",
		APIURL:         g.ts.URL + "/",
		WSURL:          "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws",
		Proprietary:    "api",
		Environment:    "live",
		TimeoutSeconds: 2,
	}
}

func (g *fakeGateway) push(t *testing.T, v any) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		g.mu.Lock()
		conn := g.conn
		g.mu.Unlock()
		if conn != nil {
			require.NoError(t, conn.WriteJSON(v))
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("feed connection never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (g *fakeGateway) messages() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]map[string]any, len(g.received))
	copy(out, g.received)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never satisfied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func creds() domain.Credentials {
	return domain.Credentials{Username: "alice", Password: "pw", Account: "ACC1"}
}

func TestAuthenticate(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())
	defer tr.Close()

	token, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)
	assert.Equal(t, "tok-alice", token)

	// The feed subscribes to order reports for the account right away.
	waitFor(t, func() bool { return len(g.messages()) >= 1 })
	first := g.messages()[0]
	assert.Equal(t, "os", first["type"])
	assert.Equal(t, "ACC1", first["account"])
}

func TestAuthenticateRejected(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())
	defer tr.Close()

	bad := creds()
	bad.Password = "wrong"
	_, err := tr.Authenticate(context.Background(), bad)
	assert.ErrorIs(t, err, ErrUnauthorized)

	g.mu.Lock()
	calls := g.authCalls
	g.mu.Unlock()
	assert.Equal(t, 1, calls, "credential rejections are not replayed")
}

func TestAuthenticateRetriesGatewayErrors(t *testing.T) {
	g := newFakeGateway(t)
	g.mu.Lock()
	g.authFailures = 2
	g.mu.Unlock()

	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())
	defer tr.Close()

	token, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)
	assert.Equal(t, "tok-alice", token)

	g.mu.Lock()
	calls := g.authCalls
	g.mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestSubscribeSendsSMD(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())
	defer tr.Close()

	_, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)

	require.NoError(t, tr.Subscribe(context.Background(), "AL30"))

	waitFor(t, func() bool { return len(g.messages()) >= 2 })
	smd := g.messages()[1]
	assert.Equal(t, "smd", smd["type"])
	products := smd["products"].([]any)
	require.Len(t, products, 1)
	product := products[0].(map[string]any)
	assert.Equal(t, "MERV - XMEV - AL30 - 24hs", product["symbol"])
	assert.Equal(t, "ROFX", product["marketId"])
}

func TestSubscribeWithoutFeedFails(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())

	err := tr.Subscribe(context.Background(), "AL30")
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Retryable)
}

func TestMarketDataScalesBondPrices(t *testing.T) {
	g := newFakeGateway(t)
	events := make(chan domain.MarketEvent, 1)
	tr := NewRofex("fake", g.broker(), Handlers{
		OnMarketData: func(ev domain.MarketEvent) { events <- ev },
	}, testLogger())
	defer tr.Close()

	_, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)
	require.NoError(t, tr.Subscribe(context.Background(), "AL30"))

	g.push(t, map[string]any{
		"type":      "Md",
		"timestamp": time.Now().UnixMilli(),
		"instrumentId": map[string]string{
			"marketId": "ROFX", "symbol": "MERV - XMEV - AL30 - 24hs",
		},
		"marketData": map[string]any{
			"BI": []map[string]any{{"price": 57850.0, "size": 10}},
			"OF": []map[string]any{{"price": 58000.0, "size": 5}},
			"LA": map[string]any{"price": 57900.0, "size": 1},
		},
	})

	select {
	case ev := <-events:
		assert.Equal(t, "AL30", ev.Symbol)
		assert.Equal(t, 578.5, ev.Quote.Bid)
		assert.Equal(t, 580.0, ev.Quote.Ask)
		assert.Equal(t, 579.0, ev.Quote.Last)
		assert.Equal(t, BondPriceScale, ev.Quote.RawScale)
	case <-time.After(2 * time.Second):
		t.Fatal("no market event delivered")
	}
}

func TestSubmitOrderWireFormat(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())
	defer tr.Close()

	_, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)

	err = tr.SubmitOrder(context.Background(), domain.Order{
		ClientOrderID: "local-1",
		Symbol:        "AL30",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		TimeInForce:   domain.TimeInForceDay,
		Qty:           100,
		Price:         580,
	})
	require.NoError(t, err)

	g.mu.Lock()
	params := g.lastOrder
	g.mu.Unlock()
	assert.Equal(t, "MERV - XMEV - AL30 - 24hs", params["symbol"])
	assert.Equal(t, "buy", params["side"])
	assert.Equal(t, "limit", params["ordType"])
	assert.Equal(t, "Day", params["timeInForce"])
	assert.Equal(t, "100", params["orderQty"])
	// Bond display price converted back to per-100-nominals.
	assert.Equal(t, "58000", params["price"])
	assert.Equal(t, "ACC1", params["account"])
}

func TestSubmitOrderRejected(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())
	defer tr.Close()

	_, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)

	g.mu.Lock()
	g.rejectOrder = "mercado cerrado"
	g.mu.Unlock()

	err = tr.SubmitOrder(context.Background(), domain.Order{
		ClientOrderID: "local-1", Symbol: "GGAL", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Qty: 10, Price: 5000,
	})
	var rej *domain.OrderRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "mercado cerrado", rej.Reason)
}

func TestOrderReportTranslation(t *testing.T) {
	g := newFakeGateway(t)
	reports := make(chan domain.OrderEvent, 1)
	tr := NewRofex("fake", g.broker(), Handlers{
		OnOrderReport: func(ev domain.OrderEvent) { reports <- ev },
	}, testLogger())
	defer tr.Close()

	_, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)

	require.NoError(t, tr.SubmitOrder(context.Background(), domain.Order{
		ClientOrderID: "local-1", Symbol: "GGAL", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Qty: 10, Price: 5000,
	}))

	g.push(t, map[string]any{
		"type": "or",
		"orderReport": map[string]any{
			"clOrdId":      "GW-1",
			"status":       "FILLED",
			"cumQty":       10,
			"avgPx":        5000,
			"transactTime": time.Now().UnixMilli(),
		},
	})

	select {
	case ev := <-reports:
		assert.Equal(t, "local-1", ev.ClientOrderID, "gateway id translated back")
		assert.Equal(t, domain.OrderStatusFilled, ev.Status)
		assert.Equal(t, 10.0, ev.FillQty)
	case <-time.After(2 * time.Second):
		t.Fatal("no order report delivered")
	}
}

func TestCancelOrder(t *testing.T) {
	g := newFakeGateway(t)
	tr := NewRofex("fake", g.broker(), Handlers{}, testLogger())
	defer tr.Close()

	_, err := tr.Authenticate(context.Background(), creds())
	require.NoError(t, err)

	require.NoError(t, tr.SubmitOrder(context.Background(), domain.Order{
		ClientOrderID: "local-1", Symbol: "GGAL", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Qty: 10, Price: 5000,
	}))
	require.NoError(t, tr.CancelOrder(context.Background(), "local-1"))

	// Cancelling an order the gateway never saw is an error.
	var te *domain.TransportError
	require.ErrorAs(t, tr.CancelOrder(context.Background(), "other"), &te)
}

func TestWireStatusMapping(t *testing.T) {
	cases := []struct {
		wire string
		want domain.OrderStatus
		ok   bool
	}{
		{"NEW", domain.OrderStatusSubmitted, true},
		{"PENDING_NEW", domain.OrderStatusSubmitted, true},
		{"PARTIALLY_FILLED", domain.OrderStatusPartiallyFilled, true},
		{"FILLED", domain.OrderStatusFilled, true},
		{"REJECTED", domain.OrderStatusRejected, true},
		{"CANCELLED", domain.OrderStatusCancelled, true},
		{"EXPIRED", domain.OrderStatusCancelled, true},
		{"PENDING_CANCEL", "", false},
	}
	for _, c := range cases {
		got, ok := wireStatus(c.wire)
		if ok != c.ok || got != c.want {
			t.Errorf("wireStatus(%q) = (%q, %v), want (%q, %v)", c.wire, got, ok, c.want, c.ok)
		}
	}
}
