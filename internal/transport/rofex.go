package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mervalmcp/internal/config"
	"mervalmcp/internal/domain"
	"mervalmcp/internal/util"
)

// Compile-time interface check.
var _ Transport = (*RofexTransport)(nil)

// RofexTransport talks to a ROFEX/Matriz gateway: REST for authentication
// and order entry, websocket for market data and order reports.
type RofexTransport struct {
	brokerID string
	broker   config.Broker
	handlers Handlers
	log      *slog.Logger

	httpClient *http.Client
	limiter    *util.RateLimiter

	mu      sync.Mutex
	token   string
	account string
	subs    map[string]string // wire ticker -> caller symbol
	toLocal map[string]string // gateway client id -> local client order id
	toWire  map[string]string // local client order id -> gateway client id
	closed  bool

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// NewRofex creates a transport for one broker endpoint. It satisfies
// transport.Factory.
func NewRofex(brokerID string, broker config.Broker, h Handlers, log *slog.Logger) Transport {
	timeout := time.Duration(broker.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RofexTransport{
		brokerID:   brokerID,
		broker:     broker,
		handlers:   h,
		log:        log.With("broker", brokerID),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    util.NewRateLimiter(60),
		subs:       make(map[string]string),
		toLocal:    make(map[string]string),
		toWire:     make(map[string]string),
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Authenticate performs the getToken round-trip and opens the websocket
// feed, subscribing to order reports for the account. Gateway hiccups are
// retried; a credential rejection is returned on the first attempt.
func (t *RofexTransport) Authenticate(ctx context.Context, creds domain.Credentials) (string, error) {
	var token string
	err := util.RetryIf(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		token, err = t.requestToken(ctx, creds)
		return err
	}, domain.Retryable)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.token = token
	t.account = creds.Account
	t.mu.Unlock()

	if err := t.connectFeed(ctx); err != nil {
		return "", err
	}

	t.log.Info("authenticated against gateway", "account", creds.Account)
	return token, nil
}

// requestToken performs one getToken round-trip.
func (t *RofexTransport) requestToken(ctx context.Context, creds domain.Credentials) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.broker.APIURL+"auth/getToken", nil)
	if err != nil {
		return "", &domain.TransportError{Op: "auth", Err: err}
	}
	req.Header.Set("X-Username", creds.Username)
	req.Header.Set("X-Password", creds.Password)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", &domain.TransportError{Op: "auth", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.TransportError{
			Op: "auth", Retryable: resp.StatusCode >= 500,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	token := resp.Header.Get("X-Auth-Token")
	if token == "" {
		return "", &domain.TransportError{Op: "auth", Err: fmt.Errorf("no auth token in response")}
	}
	return token, nil
}

// connectFeed dials the websocket, subscribes to order reports, and starts
// the read loop.
func (t *RofexTransport) connectFeed(ctx context.Context) error {
	t.mu.Lock()
	token, account := t.token, t.account
	t.mu.Unlock()

	header := http.Header{}
	header.Set("X-Auth-Token", token)

	dialer := websocket.Dialer{HandshakeTimeout: t.httpClient.Timeout}
	conn, _, err := dialer.DialContext(ctx, t.broker.WSURL, header)
	if err != nil {
		return &domain.TransportError{Op: "ws dial", Retryable: true, Err: err}
	}

	t.wsMu.Lock()
	t.ws = conn
	t.wsMu.Unlock()

	if err := t.writeJSON(map[string]any{
		"type":               "os",
		"account":            account,
		"snapshotOnlyActive": true,
	}); err != nil {
		return err
	}

	go t.readLoop(conn)
	return nil
}

// ---------------------------------------------------------------------------
// Market data subscriptions
// ---------------------------------------------------------------------------

// Subscribe issues one upstream market-data subscription for symbol.
func (t *RofexTransport) Subscribe(_ context.Context, symbol string) error {
	ticker := FullTicker(symbol)

	t.mu.Lock()
	t.subs[ticker] = Canonical(symbol)
	t.mu.Unlock()

	return t.writeJSON(map[string]any{
		"type":    "smd",
		"level":   1,
		"depth":   2,
		"entries": []string{"BI", "OF", "LA"},
		"products": []map[string]string{
			{"symbol": ticker, "marketId": "ROFX"},
		},
	})
}

// Unsubscribe stops routing events for symbol. The gateway protocol has no
// per-product unsubscribe; the stream is narrowed on the next reconnect.
func (t *RofexTransport) Unsubscribe(_ context.Context, symbol string) error {
	ticker := FullTicker(symbol)
	t.mu.Lock()
	delete(t.subs, ticker)
	t.mu.Unlock()
	t.log.Debug("dropped market data routing", "symbol", symbol)
	return nil
}

// ---------------------------------------------------------------------------
// Order entry
// ---------------------------------------------------------------------------

type orderAckResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Order       struct {
		ClientID    string `json:"clientId"`
		Proprietary string `json:"proprietary"`
	} `json:"order"`
}

// SubmitOrder forwards an order through the REST order entry endpoint and
// records the gateway client id for order-report correlation.
func (t *RofexTransport) SubmitOrder(ctx context.Context, order domain.Order) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return &domain.TransportError{Op: "submit", Err: err}
	}

	t.mu.Lock()
	account := t.account
	t.mu.Unlock()

	price := order.Price
	if IsBond(order.Symbol) {
		price *= BondPriceScale
	}

	params := url.Values{}
	params.Set("marketId", "ROFX")
	params.Set("symbol", FullTicker(order.Symbol))
	params.Set("orderQty", strconv.FormatFloat(order.Qty, 'f', -1, 64))
	params.Set("ordType", wireOrderType(order.Type))
	params.Set("side", wireSide(order.Side))
	params.Set("timeInForce", wireTIF(order.TimeInForce))
	params.Set("account", account)
	params.Set("cancelPrevious", "false")
	if order.Type == domain.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}

	var ack orderAckResponse
	if err := t.restGet(ctx, "rest/order/newSingleOrder?"+params.Encode(), &ack); err != nil {
		return err
	}
	if ack.Status != "OK" {
		reason := ack.Message
		if reason == "" {
			reason = ack.Description
		}
		return &domain.OrderRejectedError{
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Reason:        reason,
		}
	}

	t.mu.Lock()
	t.toLocal[ack.Order.ClientID] = order.ClientOrderID
	t.toWire[order.ClientOrderID] = ack.Order.ClientID
	t.mu.Unlock()

	return nil
}

// CancelOrder forwards a cancel request for a previously submitted order.
func (t *RofexTransport) CancelOrder(ctx context.Context, clientOrderID string) error {
	t.mu.Lock()
	wireID, ok := t.toWire[clientOrderID]
	t.mu.Unlock()
	if !ok {
		return &domain.TransportError{Op: "cancel", Err: fmt.Errorf("unknown order %s", clientOrderID)}
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return &domain.TransportError{Op: "cancel", Err: err}
	}

	params := url.Values{}
	params.Set("clOrdId", wireID)
	params.Set("proprietary", t.broker.Proprietary)

	var ack orderAckResponse
	if err := t.restGet(ctx, "rest/order/cancelById?"+params.Encode(), &ack); err != nil {
		return err
	}
	if ack.Status != "OK" {
		return &domain.TransportError{Op: "cancel", Err: fmt.Errorf("%s", ack.Message)}
	}
	return nil
}

func (t *RofexTransport) restGet(ctx context.Context, path string, out any) error {
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.broker.APIURL+path, nil)
	if err != nil {
		return &domain.TransportError{Op: "rest", Err: err}
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "rest", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &domain.TransportError{Op: "rest", Err: fmt.Errorf("auth token expired")}
	}
	if resp.StatusCode != http.StatusOK {
		return &domain.TransportError{
			Op: "rest", Retryable: resp.StatusCode >= 500,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransportError{Op: "rest", Retryable: true, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.TransportError{Op: "rest", Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Push feed
// ---------------------------------------------------------------------------

type wsEntry struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Date  int64   `json:"date"`
}

type wsMessage struct {
	Type         string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	InstrumentID *struct {
		MarketID string `json:"marketId"`
		Symbol   string `json:"symbol"`
	} `json:"instrumentId"`
	MarketData *struct {
		BI []wsEntry `json:"BI"`
		OF []wsEntry `json:"OF"`
		LA *wsEntry  `json:"LA"`
	} `json:"marketData"`
	OrderReport *struct {
		ClOrdID      string  `json:"clOrdId"`
		Status       string  `json:"status"`
		CumQty       float64 `json:"cumQty"`
		AvgPx        float64 `json:"avgPx"`
		Text         string  `json:"text"`
		TransactTime int64   `json:"transactTime"`
	} `json:"orderReport"`
}

func (t *RofexTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Warn("feed read failed, reconnecting", "error", err)
			t.reconnect()
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Warn("undecodable feed message", "error", err)
			continue
		}

		switch msg.Type {
		case "Md", "md":
			t.dispatchMarketData(&msg)
		case "or":
			t.dispatchOrderReport(&msg)
		}
	}
}

func (t *RofexTransport) dispatchMarketData(msg *wsMessage) {
	if msg.InstrumentID == nil || msg.MarketData == nil || t.handlers.OnMarketData == nil {
		return
	}

	t.mu.Lock()
	symbol, ok := t.subs[msg.InstrumentID.Symbol]
	t.mu.Unlock()
	if !ok {
		// Stream still carries an instrument nothing subscribes to.
		return
	}

	scale := 1.0
	if IsBond(symbol) {
		scale = BondPriceScale
	}

	ts := time.UnixMilli(msg.Timestamp)
	quote := domain.Quote{Symbol: symbol, Time: ts}
	if scale != 1.0 {
		quote.RawScale = scale
	}

	book := &domain.OrderBook{}
	for _, e := range msg.MarketData.BI {
		book.Bids = append(book.Bids, domain.BookLevel{Price: e.Price / scale, Size: e.Size})
	}
	for _, e := range msg.MarketData.OF {
		book.Asks = append(book.Asks, domain.BookLevel{Price: e.Price / scale, Size: e.Size})
	}
	if len(book.Bids) > 0 {
		quote.Bid, quote.BidSize = book.Bids[0].Price, book.Bids[0].Size
	}
	if len(book.Asks) > 0 {
		quote.Ask, quote.AskSize = book.Asks[0].Price, book.Asks[0].Size
	}
	if la := msg.MarketData.LA; la != nil {
		quote.Last = la.Price / scale
	}

	t.handlers.OnMarketData(domain.MarketEvent{
		Symbol:    symbol,
		Quote:     quote,
		Book:      book,
		Timestamp: ts,
	})
}

func (t *RofexTransport) dispatchOrderReport(msg *wsMessage) {
	if msg.OrderReport == nil || t.handlers.OnOrderReport == nil {
		return
	}
	report := msg.OrderReport

	t.mu.Lock()
	localID, ok := t.toLocal[report.ClOrdID]
	t.mu.Unlock()
	if !ok {
		// Reports for orders placed outside this session keep their
		// gateway id; the correlator drops the unknown id.
		localID = report.ClOrdID
	}

	status, ok := wireStatus(report.Status)
	if !ok {
		t.log.Debug("ignoring order report status", "status", report.Status)
		return
	}

	t.handlers.OnOrderReport(domain.OrderEvent{
		ClientOrderID: localID,
		Status:        status,
		FillQty:       report.CumQty,
		AvgPrice:      report.AvgPx,
		Reason:        report.Text,
		Timestamp:     time.UnixMilli(report.TransactTime),
	})
}

// reconnect redials the feed with backoff and replays the market data
// subscriptions still wanted.
func (t *RofexTransport) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err := util.Retry(ctx, 5, time.Second, func() error {
		return t.connectFeed(ctx)
	})
	if err != nil {
		t.log.Error("feed reconnect failed", "error", err)
		return
	}

	t.mu.Lock()
	symbols := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		symbols = append(symbols, s)
	}
	t.mu.Unlock()

	for _, s := range symbols {
		if err := t.Subscribe(ctx, s); err != nil {
			t.log.Warn("resubscribe failed", "symbol", s, "error", err)
		}
	}
	t.log.Info("feed reconnected", "subscriptions", len(symbols))
}

func (t *RofexTransport) writeJSON(v any) error {
	t.wsMu.Lock()
	defer t.wsMu.Unlock()
	if t.ws == nil {
		return &domain.TransportError{Op: "ws write", Retryable: true, Err: fmt.Errorf("feed not connected")}
	}
	if err := t.ws.WriteJSON(v); err != nil {
		return &domain.TransportError{Op: "ws write", Retryable: true, Err: err}
	}
	return nil
}

// Close tears down the websocket and invalidates the token.
func (t *RofexTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.token = ""
	t.mu.Unlock()

	t.wsMu.Lock()
	defer t.wsMu.Unlock()
	if t.ws != nil {
		err := t.ws.Close()
		t.ws = nil
		return err
	}
	return nil
}

func wireSide(s domain.Side) string {
	if s == domain.SideSell {
		return "sell"
	}
	return "buy"
}

func wireOrderType(ot domain.OrderType) string {
	if ot == domain.OrderTypeMarket {
		return "market"
	}
	return "limit"
}

func wireTIF(tif domain.TimeInForce) string {
	if tif == domain.TimeInForceIOC {
		return "IOC"
	}
	return "Day"
}

// wireStatus maps gateway order-report statuses onto the local lifecycle.
func wireStatus(s string) (domain.OrderStatus, bool) {
	switch s {
	case "NEW", "PENDING_NEW":
		return domain.OrderStatusSubmitted, true
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled, true
	case "FILLED":
		return domain.OrderStatusFilled, true
	case "REJECTED":
		return domain.OrderStatusRejected, true
	case "CANCELLED", "EXPIRED":
		return domain.OrderStatusCancelled, true
	}
	return "", false
}
