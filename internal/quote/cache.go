// Package quote merges field-level quote ticks into the latest quote of one instrument.
package quote

import (
	"sync"

	"candlewatch-go/internal/signal"
)

// Cache holds the latest quote; each tick refreshes only its own field and the timestamp.
type Cache struct {
	mu      sync.RWMutex
	current *signal.Quote
}

// NewCache returns an empty cache.
func NewCache() *Cache { return &Cache{} }

// ApplyTick merges one field into the cached quote, creating it on the first tick. Invalid ticks are ignored.
func (c *Cache) ApplyTick(tick signal.QuoteTick) bool {
	if !tick.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		c.current = &signal.Quote{Instrument: tick.Instrument}
	}
	v := tick.Value
	switch tick.Field {
	case signal.FieldBid:
		c.current.Bid = &v
	case signal.FieldAsk:
		c.current.Ask = &v
	case signal.FieldLast:
		c.current.Last = &v
	case signal.FieldVolume:
		c.current.Volume = &v
	}
	c.current.AsOf = tick.ReceivedAt
	return true
}

// Current returns a copy of the latest quote, or false if no tick ever arrived.
func (c *Cache) Current() (signal.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return signal.Quote{}, false
	}
	q := *c.current
	q.Bid = clone(q.Bid)
	q.Ask = clone(q.Ask)
	q.Last = clone(q.Last)
	q.Volume = clone(q.Volume)
	return q, true
}

func clone(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
