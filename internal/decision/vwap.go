package decision

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/internal/schema"
)

type vwapSample struct {
	price decimal.Decimal
	qty   decimal.Decimal
	at    time.Time
}

// VWAPTracker maintains a rolling volume-weighted average price per symbol
// from the trade feed. Samples outside the window fall off on every read.
type VWAPTracker struct {
	window     time.Duration
	minSamples int
	clock      func() time.Time

	mu      sync.Mutex
	samples map[string][]vwapSample
}

// NewVWAPTracker constructs a tracker with the given rolling window.
func NewVWAPTracker(window time.Duration, minSamples int, clock func() time.Time) *VWAPTracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	if clock == nil {
		clock = time.Now
	}
	return &VWAPTracker{
		window:     window,
		minSamples: minSamples,
		clock:      clock,
		samples:    make(map[string][]vwapSample),
	}
}

// Observe records one trade.
func (t *VWAPTracker) Observe(tick schema.TradeTick) {
	if tick.Symbol == "" || !tick.Price.IsPositive() {
		return
	}
	qty := tick.Quantity
	if !qty.IsPositive() {
		qty = decimal.NewFromInt(1)
	}
	t.mu.Lock()
	t.samples[tick.Symbol] = append(t.samples[tick.Symbol], vwapSample{
		price: tick.Price,
		qty:   qty,
		at:    t.clock(),
	})
	t.mu.Unlock()
}

// Value returns the rolling VWAP for a symbol. ok is false until the window
// holds at least the configured minimum number of samples.
func (t *VWAPTracker) Value(symbol string) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock().Add(-t.window)
	kept := t.samples[symbol][:0]
	for _, s := range t.samples[symbol] {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.samples[symbol] = kept

	if len(kept) < t.minSamples {
		return decimal.Zero, false
	}
	notional := decimal.Zero
	volume := decimal.Zero
	for _, s := range kept {
		notional = notional.Add(s.price.Mul(s.qty))
		volume = volume.Add(s.qty)
	}
	if volume.IsZero() {
		return decimal.Zero, false
	}
	return notional.Div(volume), true
}
