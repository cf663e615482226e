// Package domain defines the core types shared across the mervalmcp
// components: quotes, order books, orders, gateway events, and credentials.
package domain

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects how an order is priced at the gateway.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls how long an order rests at the gateway.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderStatus is the lifecycle state of an order as reported by the broker.
// Transitions are monotonic: SUBMITTED may move to PARTIALLY_FILLED or any
// terminal state, PARTIALLY_FILLED may repeat or reach a terminal state, and
// terminal states never change.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition can occur from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order in state from may move to state to.
func CanTransition(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case OrderStatusPartiallyFilled:
		return from == OrderStatusSubmitted || from == OrderStatusPartiallyFilled
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// Quote is the latest top-of-book view of a single instrument. Prices are
// display prices; for BYMA bonds quoted per 100 nominals RawScale carries
// the factor between display and broker prices.
type Quote struct {
	Symbol   string    `json:"symbol"`
	Bid      float64   `json:"bid"`
	BidSize  float64   `json:"bid_size"`
	Ask      float64   `json:"ask"`
	AskSize  float64   `json:"ask_size"`
	Last     float64   `json:"last"`
	RawScale float64   `json:"raw_scale,omitempty"`
	Time     time.Time `json:"time"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook holds the visible depth for one instrument, best prices first.
type OrderBook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// MarketEvent is one push update delivered by the gateway feed.
type MarketEvent struct {
	Symbol    string
	Quote     Quote
	Book      *OrderBook
	Timestamp time.Time
}

// OrderEvent is one order report delivered by the gateway feed, already
// translated to the local client order id.
type OrderEvent struct {
	ClientOrderID string
	Status        OrderStatus
	FillQty       float64
	AvgPrice      float64
	Reason        string
	Timestamp     time.Time
}

// Order is the full record of one order as tracked locally.
type Order struct {
	ClientOrderID string      `json:"client_order_id"`
	UserID        string      `json:"user_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	Qty           float64     `json:"qty"`
	Price         float64     `json:"price"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price,omitempty"`
	Status        OrderStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Credentials are the resolved login parameters for one broker account.
// Password is opaque to every component except the transport and must never
// be logged.
type Credentials struct {
	Username    string
	Password    string
	Account     string
	Environment string
}

// SessionStatus is the caller-visible view of a user's session.
type SessionStatus struct {
	Active       bool          `json:"active"`
	BrokerID     string        `json:"broker_id,omitempty"`
	Account      string        `json:"account,omitempty"`
	RemainingTTL time.Duration `json:"remaining_ttl"`
}
