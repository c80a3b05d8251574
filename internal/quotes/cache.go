// Package quotes resolves a usable NBBO quote per symbol, preferring the
// streaming feed and falling back to REST, with sanitization and a
// suspicious-price guard in between.
package quotes

import (
	"sync"
	"time"

	"rebalancer/internal/core"
)

// Cache holds the latest streaming quote per symbol
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]core.Quote
}

// NewCache creates an empty quote cache
func NewCache() *Cache {
	return &Cache{quotes: make(map[string]core.Quote)}
}

// Put stores the latest quote for its symbol, replacing any prior one
func (c *Cache) Put(q core.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Symbol] = q
}

// Get returns the cached quote for symbol, if any
func (c *Cache) Get(symbol string) (core.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// Age returns how old the cached quote for symbol is
func (c *Cache) Age(symbol string, now time.Time) (time.Duration, bool) {
	q, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	return now.Sub(q.Timestamp), true
}
