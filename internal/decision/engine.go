// Package decision turns qualifying liquidation events into contrarian
// entries: when a cascade forces sells, it buys the dip, and vice versa.
// Every candidate passes volume, proximity, and VWAP filters before any
// order leaves the process.
package decision

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/cascadefi/liqhunter/config"
	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/admission"
	"github.com/cascadefi/liqhunter/internal/bus/eventbus"
	"github.com/cascadefi/liqhunter/internal/exchange"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
)

// SymbolSource serves per-symbol trading parameters.
type SymbolSource interface {
	Get(symbol string) (config.SymbolConfig, bool)
}

// PositionSource exposes the reconciler's local position book.
type PositionSource interface {
	Position(key schema.PositionKey) (schema.Position, bool)
}

// Kicker triggers a reconciliation pass after an entry.
type Kicker interface {
	Kick(symbol string)
}

// Config tunes the decision engine.
type Config struct {
	Mode schema.PositionMode
	// FlushInterval is the coalescing window for liquidation events. Events
	// for the same symbol inside one window collapse to the latest.
	FlushInterval time.Duration
	// OrdersPerSecond paces entry submissions; Burst allows short clusters.
	OrdersPerSecond float64
	Burst           int
	Clock           func() time.Time
}

func (c Config) normalize() Config {
	if c.Mode == "" {
		c.Mode = schema.ModeOneWay
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.OrdersPerSecond <= 0 {
		c.OrdersPerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Engine is the signal/decision engine.
type Engine struct {
	client    exchange.Client
	symbols   SymbolSource
	positions PositionSource
	kicker    Kicker
	bus       eventbus.Bus
	telemetry observability.TelemetryBus
	cfg       Config

	limiter *rate.Limiter
	depth   *depthCache

	markMu sync.RWMutex
	marks  map[string]decimal.Decimal

	vwapMu sync.Mutex
	vwaps  map[string]*VWAPTracker

	pendMu  sync.Mutex
	pending map[string]schema.LiquidationEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs a decision engine.
func NewEngine(client exchange.Client, symbols SymbolSource, positions PositionSource, kicker Kicker, bus eventbus.Bus, telemetry observability.TelemetryBus, cfg Config) *Engine {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:    client,
		symbols:   symbols,
		positions: positions,
		kicker:    kicker,
		bus:       bus,
		telemetry: telemetry,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), cfg.Burst),
		depth:     newDepthCache(cfg.Clock),
		marks:     make(map[string]decimal.Decimal),
		vwaps:     make(map[string]*VWAPTracker),
		pending:   make(map[string]schema.LiquidationEvent),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the flush loop that drains coalesced liquidation events.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.flush()
			}
		}
	}()
}

// Stop halts the engine and waits for in-flight evaluations.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// HandleStream feeds market frames into the engine's caches and queues
// liquidation events for evaluation.
func (e *Engine) HandleStream(msg *schema.StreamMessage) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case schema.StreamForceOrder:
		// Later events for the same symbol in one flush window win.
		e.pendMu.Lock()
		e.pending[msg.Liquidation.Symbol] = *msg.Liquidation
		e.pendMu.Unlock()
	case schema.StreamMarkPrice:
		e.markMu.Lock()
		e.marks[msg.MarkPrice.Symbol] = msg.MarkPrice.MarkPrice
		e.markMu.Unlock()
	case schema.StreamDepth:
		e.depth.apply(msg.Depth)
	case schema.StreamKline, schema.StreamAggTrade:
		if msg.Trade != nil {
			e.observeTrade(*msg.Trade)
		}
	}
}

func (e *Engine) observeTrade(tick schema.TradeTick) {
	cfg, ok := e.symbols.Get(tick.Symbol)
	if !ok {
		return
	}
	e.vwapMu.Lock()
	tracker, ok := e.vwaps[tick.Symbol]
	if !ok {
		tracker = NewVWAPTracker(cfg.VWAPWindow, cfg.VWAPMinSamples, e.cfg.Clock)
		e.vwaps[tick.Symbol] = tracker
	}
	e.vwapMu.Unlock()
	tracker.Observe(tick)
}

func (e *Engine) vwapFor(symbol string) (decimal.Decimal, bool) {
	e.vwapMu.Lock()
	tracker, ok := e.vwaps[symbol]
	e.vwapMu.Unlock()
	if !ok {
		return decimal.Zero, false
	}
	return tracker.Value(symbol)
}

func (e *Engine) markFor(symbol string) (decimal.Decimal, bool) {
	e.markMu.RLock()
	defer e.markMu.RUnlock()
	mark, ok := e.marks[symbol]
	return mark, ok
}

func (e *Engine) flush() {
	e.pendMu.Lock()
	batch := e.pending
	e.pending = make(map[string]schema.LiquidationEvent)
	e.pendMu.Unlock()
	for _, liq := range batch {
		e.evaluate(liq)
	}
}

// evaluate runs one liquidation event through the filter chain and, if it
// qualifies, submits a contrarian entry.
func (e *Engine) evaluate(liq schema.LiquidationEvent) {
	cfg, ok := e.symbols.Get(liq.Symbol)
	if !ok {
		return
	}

	notional := liq.Notional()
	if notional.LessThan(cfg.VolumeThresholdUSD) {
		e.skip(liq.Symbol, "volume_below_threshold")
		return
	}
	mark, ok := e.markFor(liq.Symbol)
	if !ok || !mark.IsPositive() {
		e.skip(liq.Symbol, "no_mark_price")
		return
	}
	distancePct := liq.Price.Sub(mark).Abs().Div(mark).Mul(hundred)
	if distancePct.GreaterThan(cfg.PriceProximityPercent) {
		e.skip(liq.Symbol, "price_too_far_from_mark")
		return
	}

	// Contrarian: fade the forced flow.
	side := liq.Side.Opposite()

	if cfg.VWAPProtection {
		vwap, ok := e.vwapFor(liq.Symbol)
		if !ok {
			e.skip(liq.Symbol, "vwap_not_warm")
			return
		}
		if side == schema.SideBuy && liq.Price.GreaterThanOrEqual(vwap) {
			e.skip(liq.Symbol, "buy_above_vwap")
			return
		}
		if side == schema.SideSell && liq.Price.LessThanOrEqual(vwap) {
			e.skip(liq.Symbol, "sell_below_vwap")
			return
		}
	}

	key := e.entryKey(liq.Symbol, side)
	if pos, ok := e.positions.Position(key); ok && !pos.Flat() {
		e.skip(liq.Symbol, "already_positioned")
		return
	}

	if !e.limiter.Allow() {
		e.skip(liq.Symbol, "entry_pacing")
		return
	}

	e.publish(schema.NewEvent(schema.EventLiquidation, liq.Symbol, liq))
	e.enter(cfg, liq, side, mark)
}

func (e *Engine) entryKey(symbol string, side schema.Side) schema.PositionKey {
	if e.cfg.Mode == schema.ModeHedge {
		posSide := schema.PositionSideLong
		if side == schema.SideSell {
			posSide = schema.PositionSideShort
		}
		return schema.PositionKey{Symbol: symbol, Side: posSide}
	}
	return schema.PositionKey{Symbol: symbol, Side: schema.PositionSideBoth}
}

// enter sizes and submits the entry order: a limit inside the spread when
// the book is fresh and tight enough, a market order otherwise.
func (e *Engine) enter(cfg config.SymbolConfig, liq schema.LiquidationEvent, side schema.Side, mark decimal.Decimal) {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	filters := e.filtersFor(ctx, liq.Symbol)
	qty := filters.RoundQuantity(cfg.OrderNotionalUSD.Div(mark))
	if qty.IsZero() {
		e.skip(liq.Symbol, "quantity_rounds_to_zero")
		return
	}

	req := schema.OrderRequest{
		ClientOrderID: "liq-" + uuid.NewString(),
		Symbol:        liq.Symbol,
		Side:          side,
		PositionSide:  e.orderPositionSide(side),
		Kind:          schema.OrderKindMarket,
		Quantity:      qty,
	}
	if price, ok := e.limitEntryPrice(cfg, liq.Symbol, side, mark, filters); ok {
		req.Kind = schema.OrderKindLimit
		req.Price = price
		req.TimeInForce = "GTC"
	}
	if err := filters.CheckOrder(qty, mark); err != nil {
		e.skip(liq.Symbol, "below_exchange_minimums")
		return
	}

	rec, err := e.client.PlaceOrder(ctx, req, admission.PriorityHigh)
	if err != nil {
		e.reportEntryFailure(liq.Symbol, err)
		return
	}

	observability.Telemetry().IncCounter("decision.entries.submitted", 1,
		map[string]string{"side": string(side), "kind": string(req.Kind)})
	observability.Log().Info("contrarian entry submitted",
		observability.F("symbol", liq.Symbol),
		observability.F("side", string(side)),
		observability.F("kind", string(req.Kind)),
		observability.F("qty", qty.String()),
		observability.F("order_id", rec.OrderID))
	e.publish(schema.NewEvent(schema.EventToast, liq.Symbol, schema.ToastPayload{
		Level:   "info",
		Message: "entered " + string(side) + " " + liq.Symbol + " (" + string(req.Kind) + ")",
	}))
	if e.kicker != nil {
		e.kicker.Kick(liq.Symbol)
	}
}

// limitEntryPrice proposes a passive entry one tick inside the spread. A
// stale book or a spread wider than the slippage budget yields ok=false and
// the caller falls back to a market order.
func (e *Engine) limitEntryPrice(cfg config.SymbolConfig, symbol string, side schema.Side, mark decimal.Decimal, filters exchange.SymbolFilters) (decimal.Decimal, bool) {
	top, ok := e.depth.top(symbol)
	if !ok {
		return decimal.Zero, false
	}
	spreadPct := top.ask.Sub(top.bid).Div(mark).Mul(hundred)
	if spreadPct.GreaterThan(cfg.SlippageBudgetPercent) {
		return decimal.Zero, false
	}

	tick := filters.TickSize
	var price decimal.Decimal
	if side == schema.SideBuy {
		price = top.bid.Add(tick)
		if price.GreaterThanOrEqual(top.ask) {
			price = top.bid
		}
	} else {
		price = top.ask.Sub(tick)
		if price.LessThanOrEqual(top.bid) {
			price = top.ask
		}
	}
	return filters.RoundPrice(price), true
}

func (e *Engine) orderPositionSide(side schema.Side) schema.PositionSide {
	if e.cfg.Mode != schema.ModeHedge {
		return schema.PositionSideBoth
	}
	if side == schema.SideBuy {
		return schema.PositionSideLong
	}
	return schema.PositionSideShort
}

func (e *Engine) filtersFor(ctx context.Context, symbol string) exchange.SymbolFilters {
	filters, err := e.client.Filters(ctx)
	if err != nil {
		return exchange.SymbolFilters{Symbol: symbol}
	}
	if f, ok := filters[symbol]; ok {
		return f
	}
	return exchange.SymbolFilters{Symbol: symbol}
}

func (e *Engine) skip(symbol, reason string) {
	observability.Telemetry().IncCounter("decision.events.skipped", 1,
		map[string]string{"reason": reason})
	observability.Log().Debug("liquidation event skipped",
		observability.F("symbol", symbol),
		observability.F("reason", reason))
}

func (e *Engine) reportEntryFailure(symbol string, err error) {
	if errs.IsRejection(err) {
		e.publishTelemetry(observability.TelemetryEventOrderRejected, symbol, map[string]any{
			"error": err.Error(),
		})
	}
	observability.Log().Error("entry submission failed",
		observability.F("symbol", symbol),
		observability.F("error", err.Error()))
	e.publish(schema.NewEvent(schema.EventError, symbol, schema.ErrorPayload{
		Code:    string(errs.CodeOf(err)),
		Op:      "decision/enter",
		Message: err.Error(),
	}))
}

func (e *Engine) publish(evt *schema.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), evt); err != nil {
		observability.Log().Warn("outbound publish failed",
			observability.F("event_type", string(evt.Type)),
			observability.F("error", err.Error()))
	}
}

func (e *Engine) publishTelemetry(typ observability.TelemetryEventType, symbol string, meta map[string]any) {
	if e.telemetry == nil {
		return
	}
	_ = e.telemetry.Publish(context.Background(), observability.TelemetryEvent{
		Type:      typ,
		Severity:  observability.TelemetrySeverityWarn,
		Timestamp: e.cfg.Clock(),
		Symbol:    symbol,
		Metadata:  meta,
	})
}

var hundred = decimal.NewFromInt(100)
