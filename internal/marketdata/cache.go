// Package marketdata owns the per-symbol quote cache. It multiplexes one
// upstream gateway subscription per instrument across any number of
// logical subscribers and lets callers wait for fresh data without polling.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mervalmcp/internal/domain"
	"mervalmcp/internal/transport"
)

// Token identifies one logical subscription. Unsubscribing a token twice is
// an error, which keeps refcounts honest.
type Token struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// entry is the cache state for one symbol. The upstream subscription exists
// iff count > 0.
type entry struct {
	symbol string

	// upstream is written under subMu and Cache.mu together so
	// DropTransport can read it under Cache.mu alone.
	upstream transport.Transport

	// subMu serializes subscribe/unsubscribe for this symbol only, so the
	// upstream round-trip never blocks operations on other symbols.
	subMu sync.Mutex
	count int

	hasData    bool
	quote      domain.Quote
	book       *domain.OrderBook
	eventTime  time.Time // gateway timestamp, for ordering
	lastUpdate time.Time // local receive time, for freshness
	notify     chan struct{}
}

// Cache is the market data store. Push updates from the transport and
// caller reads on the same symbol are mutually exclusive; different symbols
// do not contend beyond the map access itself.
type Cache struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	tokens  map[string]string // token id -> symbol
}

// NewCache creates an empty cache.
func NewCache(log *slog.Logger) *Cache {
	return &Cache{
		log:     log,
		entries: make(map[string]*entry),
		tokens:  make(map[string]string),
	}
}

// Subscribe registers one logical subscriber for symbol. The first
// subscriber triggers exactly one upstream subscription through tr; later
// subscribers share the feed. Data arrives asynchronously.
func (c *Cache) Subscribe(ctx context.Context, tr transport.Transport, symbol string) (Token, error) {
	key := transport.Canonical(symbol)

	var e *entry
	for {
		e = c.ensureEntry(key)
		e.subMu.Lock()
		c.mu.Lock()
		current := c.entries[key]
		c.mu.Unlock()
		if current == e {
			break
		}
		// Entry was destroyed by a concurrent last-unsubscribe; start
		// over on the fresh one.
		e.subMu.Unlock()
	}
	defer e.subMu.Unlock()

	if e.count == 0 {
		if err := tr.Subscribe(ctx, key); err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		e.upstream = tr
		c.mu.Unlock()
	}
	e.count++

	tok := Token{ID: uuid.NewString(), Symbol: key}
	c.mu.Lock()
	c.tokens[tok.ID] = key
	c.mu.Unlock()

	c.log.Debug("subscriber added", "symbol", key, "count", e.count)
	return tok, nil
}

// Unsubscribe releases one logical subscription. When the last subscriber
// for the symbol leaves, the upstream subscription is torn down and the
// entry destroyed.
func (c *Cache) Unsubscribe(ctx context.Context, tok Token) error {
	c.mu.Lock()
	key, ok := c.tokens[tok.ID]
	if ok {
		delete(c.tokens, tok.ID)
	}
	e := c.entries[key]
	c.mu.Unlock()

	if !ok || e == nil {
		return &domain.ConfigurationError{What: "unknown subscription token"}
	}

	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.count--
	if e.count > 0 {
		return nil
	}

	c.mu.Lock()
	tr := e.upstream
	e.upstream = nil
	delete(c.entries, key)
	c.mu.Unlock()

	c.log.Debug("last subscriber left", "symbol", key)
	if tr != nil {
		return tr.Unsubscribe(ctx, key)
	}
	return nil
}

// GetLatest returns the cached quote for symbol if it is at most maxAge
// old; otherwise it suspends until the next push update or the timeout,
// whichever comes first. A timeout yields domain.ErrTimedOut, which is a
// distinct outcome, not a failure. All concurrent waiters on a symbol are
// released by a single update.
func (c *Cache) GetLatest(ctx context.Context, symbol string, maxAge, timeout time.Duration) (domain.Quote, *domain.OrderBook, error) {
	key := transport.Canonical(symbol)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		e := c.entries[key]
		if e == nil {
			e = c.newEntryLocked(key)
		}
		if e.hasData && time.Since(e.lastUpdate) <= maxAge {
			quote, book := e.quote, cloneBook(e.book)
			c.mu.Unlock()
			return quote, book, nil
		}
		wake := e.notify
		c.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return domain.Quote{}, nil, domain.ErrTimedOut
		case <-ctx.Done():
			return domain.Quote{}, nil, ctx.Err()
		}
	}
}

// Age returns how old the cached data for symbol is. The second result is
// false when nothing has been received yet.
func (c *Cache) Age(symbol string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[transport.Canonical(symbol)]
	if e == nil || !e.hasData {
		return 0, false
	}
	return time.Since(e.lastUpdate), true
}

// SubscriberCount returns the logical subscriber count for symbol.
func (c *Cache) SubscriberCount(symbol string) int {
	c.mu.Lock()
	e := c.entries[transport.Canonical(symbol)]
	c.mu.Unlock()
	if e == nil {
		return 0
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.count
}

// HandleMarketData is the transport push callback. Updates carrying the
// same or an older gateway timestamp than the cached entry are dropped, so
// the cache never steps backwards. Each accepted update releases every
// waiter on the symbol.
func (c *Cache) HandleMarketData(ev domain.MarketEvent) {
	key := transport.Canonical(ev.Symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	if e == nil {
		// Late event for a symbol nothing tracks anymore.
		return
	}
	if e.hasData && !ev.Timestamp.After(e.eventTime) {
		c.log.Debug("dropping out-of-order update", "symbol", key)
		return
	}

	e.quote = ev.Quote
	if ev.Book != nil {
		e.book = ev.Book
	}
	e.eventTime = ev.Timestamp
	e.lastUpdate = time.Now()
	e.hasData = true

	close(e.notify)
	e.notify = make(chan struct{})
}

// DropTransport invalidates every entry fed by tr, typically because its
// session was replaced. Subscribers must re-subscribe under the new
// session.
func (c *Cache) DropTransport(tr transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]bool)
	for key, e := range c.entries {
		if e.upstream == tr {
			close(e.notify)
			e.notify = make(chan struct{})
			delete(c.entries, key)
			dropped[key] = true
		}
	}
	if len(dropped) == 0 {
		return
	}
	for id, sym := range c.tokens {
		if dropped[sym] {
			delete(c.tokens, id)
		}
	}
	c.log.Info("invalidated market data entries", "count", len(dropped))
}

func (c *Cache) ensureEntry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil {
		return e
	}
	return c.newEntryLocked(key)
}

func (c *Cache) newEntryLocked(key string) *entry {
	e := &entry{symbol: key, notify: make(chan struct{})}
	c.entries[key] = e
	return e
}

func cloneBook(b *domain.OrderBook) *domain.OrderBook {
	if b == nil {
		return nil
	}
	out := &domain.OrderBook{
		Bids: make([]domain.BookLevel, len(b.Bids)),
		Asks: make([]domain.BookLevel, len(b.Asks)),
	}
	copy(out.Bids, b.Bids)
	copy(out.Asks, b.Asks)
	return out
}
