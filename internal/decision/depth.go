package decision

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/internal/schema"
)

// depthTTL bounds how long a cached book snapshot may back a limit entry.
const depthTTL = 5 * time.Second

type bookTop struct {
	bid decimal.Decimal
	ask decimal.Decimal
	at  time.Time
}

// depthCache holds the latest top-of-book per symbol. Only the best level of
// each side matters for entry pricing.
type depthCache struct {
	clock func() time.Time

	mu   sync.RWMutex
	tops map[string]bookTop
}

func newDepthCache(clock func() time.Time) *depthCache {
	if clock == nil {
		clock = time.Now
	}
	return &depthCache{clock: clock, tops: make(map[string]bookTop)}
}

func (d *depthCache) apply(update *schema.DepthUpdate) {
	if update == nil || len(update.Bids) == 0 || len(update.Asks) == 0 {
		return
	}
	top := bookTop{at: d.clock()}
	for _, level := range update.Bids {
		if level.Price.GreaterThan(top.bid) {
			top.bid = level.Price
		}
	}
	top.ask = update.Asks[0].Price
	for _, level := range update.Asks {
		if level.Price.LessThan(top.ask) {
			top.ask = level.Price
		}
	}
	if !top.bid.IsPositive() || !top.ask.IsPositive() || top.ask.LessThanOrEqual(top.bid) {
		return
	}
	d.mu.Lock()
	d.tops[update.Symbol] = top
	d.mu.Unlock()
}

// top returns the freshest book top, or ok=false when the snapshot is
// missing or stale.
func (d *depthCache) top(symbol string) (bookTop, bool) {
	d.mu.RLock()
	top, ok := d.tops[symbol]
	d.mu.RUnlock()
	if !ok || d.clock().Sub(top.at) > depthTTL {
		return bookTop{}, false
	}
	return top, true
}
