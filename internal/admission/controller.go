// Package admission gates every outbound exchange call against the venue's
// rolling request-weight and order-count quotas, queueing denied requests per
// priority instead of dropping them.
package admission

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
)

// Priority orders queued requests. Lower value drains first.
type Priority int

const (
	// PriorityCritical is reserved for protective-order repair; it may use the
	// full limit rather than the safety-margined ceiling.
	PriorityCritical Priority = iota
	// PriorityHigh covers trade entries.
	PriorityHigh
	// PriorityMedium covers reconciliation reads.
	PriorityMedium
	// PriorityLow covers housekeeping (filters refresh, keepalive).
	PriorityLow

	priorityCount
)

// String returns the queue name used in logs and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Config sizes the controller's two budget dimensions.
type Config struct {
	WeightLimit  int64
	WeightWindow time.Duration
	OrderLimit   int64
	OrderWindow  time.Duration
	// SafetyMargin scales the ceiling for non-critical requests (0.9 keeps a
	// reserve so critical repairs always have headroom).
	SafetyMargin float64
	// AdvisoryLevels are utilization fractions that trigger observability
	// events when crossed (e.g. 0.70, 0.85). Purely advisory.
	AdvisoryLevels []float64
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (c Config) normalize() Config {
	if c.WeightWindow <= 0 {
		c.WeightWindow = time.Minute
	}
	if c.OrderWindow <= 0 {
		c.OrderWindow = 10 * time.Second
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		c.SafetyMargin = 0.9
	}
	if len(c.AdvisoryLevels) == 0 {
		c.AdvisoryLevels = []float64{0.70, 0.85}
	}
	sort.Float64s(c.AdvisoryLevels)
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type waiter struct {
	cost     Cost
	priority Priority
	enqueued time.Time
	done     chan error
	// abandoned marks a waiter whose caller gave up; drain skips it.
	abandoned bool
}

// Notifier receives advisory events for the outbound channel.
type Notifier func(evt *schema.Event)

// Controller is the single process-wide admission gate.
type Controller struct {
	cfg       Config
	telemetry observability.TelemetryBus
	notify    Notifier

	mu      sync.Mutex
	weight  budgetWindow
	orders  budgetWindow
	queues  [priorityCount][]*waiter
	advised map[Dimension]float64
	closed  bool

	tickerStop chan struct{}
	stopOnce   sync.Once
}

// NewController constructs an admission controller. telemetry and notify may
// be nil; advisories are then dropped.
func NewController(cfg Config, telemetry observability.TelemetryBus, notify Notifier) *Controller {
	cfg = cfg.normalize()
	c := &Controller{
		cfg:       cfg,
		telemetry: telemetry,
		notify:    notify,
		weight: budgetWindow{
			limit:  cfg.WeightLimit,
			window: cfg.WeightWindow,
		},
		orders: budgetWindow{
			limit:  cfg.OrderLimit,
			window: cfg.OrderWindow,
		},
		advised:    make(map[Dimension]float64),
		tickerStop: make(chan struct{}),
	}
	return c
}

// Start launches the window-rollover loop. The loop is the only place queued
// waiters are released besides Admit-time drains.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.Stop()
				return
			case <-c.tickerStop:
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// Stop fails all queued waiters and refuses further admissions.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.tickerStop)
		c.mu.Lock()
		c.closed = true
		for pri := range c.queues {
			for _, w := range c.queues[pri] {
				if w != nil && !w.abandoned {
					w.done <- errs.New("admission/stop", errs.CodeUnavailable, errs.WithMessage("controller stopped"))
				}
			}
			c.queues[pri] = nil
		}
		c.mu.Unlock()
	})
}

// Admit blocks until the request's cost fits both budget dimensions, the
// context is cancelled, or the controller stops. Requests that fit are
// admitted immediately and synchronously consume their cost.
func (c *Controller) Admit(ctx context.Context, cost Cost, priority Priority) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if priority < PriorityCritical || priority >= priorityCount {
		priority = PriorityLow
	}
	if cost.Weight < 0 || cost.Orders < 0 {
		return errs.New("admission/admit", errs.CodeInvalid, errs.WithMessage("negative cost"))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New("admission/admit", errs.CodeUnavailable, errs.WithMessage("controller stopped"))
	}
	now := c.cfg.Clock()
	c.rolloverLocked(now)

	if c.fitsLocked(cost, priority) && c.queueEmptyThroughLocked(priority) {
		c.consumeLocked(cost, now)
		c.mu.Unlock()
		return nil
	}

	w := &waiter{
		cost:     cost,
		priority: priority,
		enqueued: now,
		done:     make(chan error, 1),
	}
	c.queues[priority] = append(c.queues[priority], w)
	depth := len(c.queues[priority])
	c.mu.Unlock()

	observability.Telemetry().SetGauge("admission.queue.depth", float64(depth),
		map[string]string{"priority": priority.String()})

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		w.abandoned = true
		c.mu.Unlock()
		return errs.New("admission/admit", errs.CodeRateLimited,
			errs.WithMessage("gave up waiting for quota"), errs.WithCause(ctx.Err()))
	}
}

// SyncUsage raises local counters to match exchange-reported usage headers.
// It never lowers usage mid-window.
func (c *Controller) SyncUsage(weightUsed, orderUsed int64) {
	c.mu.Lock()
	now := c.cfg.Clock()
	c.rolloverLocked(now)
	if weightUsed >= 0 {
		c.weight.sync(weightUsed)
	}
	if orderUsed >= 0 {
		c.orders.sync(orderUsed)
	}
	c.adviseLocked(now)
	c.mu.Unlock()
}

// Snapshot returns current usage for both dimensions.
func (c *Controller) Snapshot() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked(c.cfg.Clock())
	return Usage{
		WeightUsed:  c.weight.used,
		WeightLimit: c.weight.limit,
		OrderUsed:   c.orders.used,
		OrderLimit:  c.orders.limit,
	}
}

func (c *Controller) tick() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.cfg.Clock()
	if c.rolloverLocked(now) {
		c.drainLocked(now)
	}
	c.mu.Unlock()
}

// rolloverLocked resets expired windows and reports whether any reset.
func (c *Controller) rolloverLocked(now time.Time) bool {
	rolled := false
	if c.weight.rollover(now) {
		rolled = true
		delete(c.advised, DimensionWeight)
	}
	if c.orders.rollover(now) {
		rolled = true
		delete(c.advised, DimensionOrders)
	}
	return rolled
}

// ceiling applies the safety margin for everything below critical priority.
func (c *Controller) ceiling(limit int64, priority Priority) int64 {
	if priority == PriorityCritical {
		return limit
	}
	return int64(math.Floor(float64(limit) * c.cfg.SafetyMargin))
}

func (c *Controller) fitsLocked(cost Cost, priority Priority) bool {
	return c.weight.fits(cost.Weight, c.ceiling(c.weight.limit, priority)) &&
		c.orders.fits(cost.Orders, c.ceiling(c.orders.limit, priority))
}

// queueEmptyThroughLocked reports whether no waiter of equal or higher
// priority is queued, so a fresh request cannot jump its own queue.
func (c *Controller) queueEmptyThroughLocked(priority Priority) bool {
	for pri := PriorityCritical; pri <= priority; pri++ {
		for _, w := range c.queues[pri] {
			if w != nil && !w.abandoned {
				return false
			}
		}
	}
	return true
}

func (c *Controller) consumeLocked(cost Cost, now time.Time) {
	c.weight.consume(cost.Weight)
	c.orders.consume(cost.Orders)
	c.adviseLocked(now)
	observability.Telemetry().SetGauge("admission.weight.used", float64(c.weight.used), nil)
	observability.Telemetry().SetGauge("admission.orders.used", float64(c.orders.used), nil)
}

// drainLocked releases queued waiters highest-priority-first, FIFO within a
// priority. Draining stops at the first waiter that does not fit, preserving
// FIFO order per queue.
func (c *Controller) drainLocked(now time.Time) {
	for pri := PriorityCritical; pri < priorityCount; pri++ {
		queue := c.queues[pri]
		idx := 0
		for idx < len(queue) {
			w := queue[idx]
			if w == nil || w.abandoned {
				idx++
				continue
			}
			if !c.fitsLocked(w.cost, w.priority) {
				c.queues[pri] = queue[idx:]
				return
			}
			c.consumeLocked(w.cost, now)
			w.done <- nil
			idx++
		}
		c.queues[pri] = nil
	}
}

// adviseLocked fires edge-triggered utilization advisories. Each configured
// level fires once per window per dimension.
func (c *Controller) adviseLocked(now time.Time) {
	c.adviseDimensionLocked(DimensionWeight, c.weight, now)
	c.adviseDimensionLocked(DimensionOrders, c.orders, now)
}

func (c *Controller) adviseDimensionLocked(dim Dimension, b budgetWindow, now time.Time) {
	util := b.utilization()
	last := c.advised[dim]
	for _, level := range c.cfg.AdvisoryLevels {
		if util >= level && level > last {
			c.advised[dim] = level
			c.publishAdvisory(dim, b, util, level, now)
		}
	}
}

func (c *Controller) publishAdvisory(dim Dimension, b budgetWindow, util, level float64, now time.Time) {
	if c.telemetry != nil {
		_ = c.telemetry.Publish(context.Background(), observability.TelemetryEvent{
			Type:      observability.TelemetryEventQuotaThreshold,
			Severity:  observability.TelemetrySeverityWarn,
			Timestamp: now,
			Metadata: map[string]any{
				"dimension":   string(dim),
				"utilization": util,
				"threshold":   level,
			},
		})
	}
	if c.notify != nil {
		c.notify(schema.NewEvent(schema.EventRateLimit, "", schema.RateLimitPayload{
			Dimension:   string(dim),
			Used:        b.used,
			Limit:       b.limit,
			Utilization: util,
			Threshold:   level,
		}))
	}
}
