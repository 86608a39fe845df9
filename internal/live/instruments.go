package live

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument holds the trading rules for one symbol.
type Instrument struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tickSize"`
	QtyStep     decimal.Decimal `json:"qtyStep"`
	MinOrderQty decimal.Decimal `json:"minOrderQty"`
	MaxLeverage decimal.Decimal `json:"maxLeverage"`
}

// InstrumentFetcher loads instrument metadata from the exchange.
type InstrumentFetcher func(ctx context.Context) (map[string]*Instrument, error)

// InstrumentCache caches instrument metadata with a TTL. Refresh is
// double-checked under the write lock so concurrent readers trigger at
// most one fetch per expiry.
type InstrumentCache struct {
	ttl   time.Duration
	fetch InstrumentFetcher

	mu        sync.RWMutex
	data      map[string]*Instrument
	fetchedAt time.Time
}

// NewInstrumentCache creates a cache; a zero ttl defaults to an hour.
func NewInstrumentCache(ttl time.Duration, fetch InstrumentFetcher) *InstrumentCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &InstrumentCache{ttl: ttl, fetch: fetch}
}

// Get returns the instrument for a symbol, refreshing the cache when
// expired.
func (c *InstrumentCache) Get(ctx context.Context, symbol string) (*Instrument, error) {
	c.mu.RLock()
	if !c.expired() {
		inst := c.data[symbol]
		c.mu.RUnlock()
		return inst, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have refreshed while we waited.
	if c.expired() {
		data, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.data = data
		c.fetchedAt = time.Now()
	}
	return c.data[symbol], nil
}

// expired must be called with at least the read lock held.
func (c *InstrumentCache) expired() bool {
	return c.data == nil || time.Since(c.fetchedAt) > c.ttl
}
