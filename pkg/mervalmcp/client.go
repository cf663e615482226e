// Package mervalmcp provides a Go SDK for the mervalmcp-server API.
package mervalmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// SessionStatus mirrors the server's session status payload.
type SessionStatus struct {
	Active       bool   `json:"active"`
	BrokerID     string `json:"broker_id,omitempty"`
	Account      string `json:"account,omitempty"`
	RemainingTTL int64  `json:"remaining_ttl"`
}

// Quote is the latest top-of-book view of an instrument.
type Quote struct {
	Symbol  string    `json:"symbol"`
	Bid     float64   `json:"bid"`
	BidSize float64   `json:"bid_size"`
	Ask     float64   `json:"ask"`
	AskSize float64   `json:"ask_size"`
	Last    float64   `json:"last"`
	Time    time.Time `json:"time"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook holds the visible depth for one instrument.
type OrderBook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// MarketDataResult is the outcome of a market data read.
type MarketDataResult struct {
	Symbol   string     `json:"symbol"`
	TimedOut bool       `json:"timed_out"`
	Quote    *Quote     `json:"quote,omitempty"`
	Book     *OrderBook `json:"book,omitempty"`
	AgeMS    int64      `json:"age_ms,omitempty"`
}

// Order is the tracked record of one order.
type Order struct {
	ClientOrderID string    `json:"client_order_id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	TimeInForce   string    `json:"time_in_force"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	FilledQty     float64   `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderRequest is a new order to submit.
type OrderRequest struct {
	Symbol      string  `json:"symbol"`
	Settlement  string  `json:"settlement,omitempty"`
	Side        string  `json:"side"`
	Type        string  `json:"type,omitempty"`
	TimeInForce string  `json:"time_in_force,omitempty"`
	Qty         float64 `json:"qty"`
	Price       float64 `json:"price,omitempty"`
}

// OrderResult is an order operation outcome that may have timed out
// server-side while the order keeps working.
type OrderResult struct {
	Order    Order `json:"order"`
	TimedOut bool  `json:"timed_out,omitempty"`
}

// Subscription is one standing market data subscription.
type Subscription struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`
}

// MepPreview describes a previewed two-leg MEP operation.
type MepPreview struct {
	BuySymbol      string  `json:"buy_symbol"`
	SellSymbol     string  `json:"sell_symbol"`
	BuyPrice       float64 `json:"buy_price"`
	SellPrice      float64 `json:"sell_price"`
	ImpliedRate    float64 `json:"implied_rate"`
	CommissionRate float64 `json:"commission_rate"`
	CommissionMode string  `json:"commission_mode"`
	BuyCommission  float64 `json:"buy_commission"`
	SellCommission float64 `json:"sell_commission"`
}

// MepPreviewResult pairs the preview with the normalized ARS/USD rate.
type MepPreviewResult struct {
	Direction string     `json:"direction"`
	Rate      float64    `json:"rate"`
	Preview   MepPreview `json:"preview"`
}

// MepExecuteResult reports an executed MEP operation.
type MepExecuteResult struct {
	Direction string  `json:"direction"`
	Amount    float64 `json:"amount"`
	Result    struct {
		BuyOrderID  string  `json:"buy_order_id"`
		SellOrderID string  `json:"sell_order_id"`
		Quantity    float64 `json:"quantity"`
		BuyOrder    Order   `json:"buy_order"`
		SellOrder   Order   `json:"sell_order"`
	} `json:"result"`
}

// Client talks to a running mervalmcp-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client. baseURL is e.g. "http://127.0.0.1:8910".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Login authenticates a configured user and returns the session status.
func (c *Client) Login(ctx context.Context, userID string) (SessionStatus, error) {
	var out SessionStatus
	err := c.do(ctx, http.MethodPost, "/api/session/login", map[string]string{"user_id": userID}, &out)
	return out, err
}

// Logout tears down the user's session.
func (c *Client) Logout(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/session/logout", map[string]string{"user_id": userID}, nil)
}

// SessionStatus reports the session state without logging in.
func (c *Client) SessionStatus(ctx context.Context, userID string) (SessionStatus, error) {
	var out SessionStatus
	err := c.do(ctx, http.MethodGet, "/api/session/status?user="+url.QueryEscape(userID), nil, &out)
	return out, err
}

// GetMarketData fetches the latest quote for a symbol.
func (c *Client) GetMarketData(ctx context.Context, userID, symbol, settlement string) (MarketDataResult, error) {
	var out MarketDataResult
	path := fmt.Sprintf("/api/marketdata/%s?user=%s&settlement=%s",
		url.PathEscape(symbol), url.QueryEscape(userID), url.QueryEscape(settlement))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Subscribe opens a standing market data subscription.
func (c *Client) Subscribe(ctx context.Context, userID, symbol, settlement string) (Subscription, error) {
	var out Subscription
	err := c.do(ctx, http.MethodPost, "/api/subscriptions", map[string]string{
		"user_id": userID, "symbol": symbol, "settlement": settlement,
	}, &out)
	return out, err
}

// Unsubscribe releases a standing subscription.
func (c *Client) Unsubscribe(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/api/subscriptions/"+url.PathEscape(token), nil, nil)
}

// SubmitOrder submits a new order and returns its tracked snapshot.
func (c *Client) SubmitOrder(ctx context.Context, userID string, req OrderRequest) (Order, error) {
	body := struct {
		UserID string `json:"user_id"`
		OrderRequest
	}{UserID: userID, OrderRequest: req}
	var out Order
	err := c.do(ctx, http.MethodPost, "/api/orders", body, &out)
	return out, err
}

// GetOrder fetches a tracked order by client order id.
func (c *Client) GetOrder(ctx context.Context, clientOrderID string) (Order, error) {
	var out Order
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(clientOrderID), nil, &out)
	return out, err
}

// AwaitOrder waits server-side for the order's terminal state.
func (c *Client) AwaitOrder(ctx context.Context, clientOrderID string) (OrderResult, error) {
	var out OrderResult
	err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(clientOrderID)+"/await", nil, &out)
	return out, err
}

// CancelOrder requests cancellation of a working order.
func (c *Client) CancelOrder(ctx context.Context, userID, clientOrderID string) error {
	path := "/api/orders/" + url.PathEscape(clientOrderID) + "?user=" + url.QueryEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ListOrders returns the user's tracked orders.
func (c *Client) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	var out struct {
		Orders []Order `json:"orders"`
	}
	err := c.do(ctx, http.MethodGet, "/api/orders?user="+url.QueryEscape(userID), nil, &out)
	return out.Orders, err
}

// MepPreview computes the implied MEP rate for a bond pair.
func (c *Client) MepPreview(ctx context.Context, userID, bond, settlement, direction string) (MepPreviewResult, error) {
	var out MepPreviewResult
	err := c.do(ctx, http.MethodPost, "/api/mep/preview", map[string]string{
		"user_id": userID, "bond": bond, "settlement": settlement, "direction": direction,
	}, &out)
	return out, err
}

// MepExecute runs a two-leg MEP operation.
func (c *Client) MepExecute(ctx context.Context, userID, bond, settlement, direction string, amount float64) (MepExecuteResult, error) {
	var out MepExecuteResult
	err := c.do(ctx, http.MethodPost, "/api/mep/execute", map[string]any{
		"user_id": userID, "bond": bond, "settlement": settlement,
		"direction": direction, "amount": amount,
	}, &out)
	return out, err
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = string(data)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
