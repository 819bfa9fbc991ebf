package admission

import "time"

// Dimension names one of the exchange's two quota dimensions.
type Dimension string

const (
	// DimensionWeight tracks request weight.
	DimensionWeight Dimension = "weight"
	// DimensionOrders tracks order count.
	DimensionOrders Dimension = "orders"
)

// Cost declares what a request consumes on each dimension.
type Cost struct {
	Weight int64
	Orders int64
}

// budgetWindow tracks consumption against one rolling window. Mutated only
// under the controller mutex; usage never goes negative.
type budgetWindow struct {
	used        int64
	limit       int64
	window      time.Duration
	windowStart time.Time
}

// rollover resets the window if now is past its end. Reports whether a reset
// happened.
func (b *budgetWindow) rollover(now time.Time) bool {
	if b.windowStart.IsZero() {
		b.windowStart = now
		return false
	}
	if now.Sub(b.windowStart) < b.window {
		return false
	}
	b.used = 0
	b.windowStart = now
	return true
}

// fits reports whether consuming cost would stay within ceiling.
func (b *budgetWindow) fits(cost, ceiling int64) bool {
	if cost <= 0 {
		return true
	}
	return b.used+cost <= ceiling
}

func (b *budgetWindow) consume(cost int64) {
	if cost <= 0 {
		return
	}
	b.used += cost
}

// sync raises the local counter to match an exchange-reported value. Never
// lowers it mid-window; the rollover handles resets.
func (b *budgetWindow) sync(reported int64) {
	if reported > b.used {
		b.used = reported
	}
}

// utilization returns used/limit in [0, +).
func (b *budgetWindow) utilization() float64 {
	if b.limit <= 0 {
		return 0
	}
	return float64(b.used) / float64(b.limit)
}

// Usage is a read-only snapshot of both budget dimensions.
type Usage struct {
	WeightUsed  int64
	WeightLimit int64
	OrderUsed   int64
	OrderLimit  int64
}
