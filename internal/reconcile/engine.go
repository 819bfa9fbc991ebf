// Package reconcile keeps every open position's protective orders converged
// with its actual size. It runs one pass per symbol at a time, re-running a
// pass when events arrive mid-flight, and repairs drift by replacing orders
// rather than editing them.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/config"
	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/admission"
	"github.com/cascadefi/liqhunter/internal/bus/eventbus"
	"github.com/cascadefi/liqhunter/internal/exchange"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
	"github.com/cascadefi/liqhunter/lib/async"
)

const (
	// passWorkers bounds concurrent reconciliation passes across symbols.
	passWorkers   = 4
	passQueueSize = 64
)

// SymbolSource serves per-symbol trading parameters.
type SymbolSource interface {
	Get(symbol string) (config.SymbolConfig, bool)
	Symbols() []string
	MaybeReload() error
}

// Config tunes the reconciliation engine.
type Config struct {
	Mode schema.PositionMode
	// Interval is the periodic full-sweep cadence; default 30s.
	Interval time.Duration
	Clock    func() time.Time
}

func (c Config) normalize() Config {
	if c.Mode == "" {
		c.Mode = schema.ModeOneWay
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// symbolState serializes passes per symbol. An event arriving while a pass
// runs marks it dirty; the pass re-runs once instead of overlapping.
type symbolState struct {
	mu      sync.Mutex
	running bool
	dirty   bool
}

// Engine is the position reconciliation engine.
type Engine struct {
	client    exchange.Client
	symbols   SymbolSource
	bus       eventbus.Bus
	telemetry observability.TelemetryBus
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pool   *async.Pool

	markMu sync.RWMutex
	marks  map[string]decimal.Decimal

	bookMu sync.RWMutex
	book   map[schema.PositionKey]schema.Position

	stateMu sync.Mutex
	states  map[string]*symbolState
}

// NewEngine constructs a reconciliation engine.
func NewEngine(client exchange.Client, symbols SymbolSource, bus eventbus.Bus, telemetry observability.TelemetryBus, cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	pool, _ := async.NewPool(passWorkers, passQueueSize)
	return &Engine{
		client:    client,
		symbols:   symbols,
		bus:       bus,
		telemetry: telemetry,
		cfg:       cfg.normalize(),
		ctx:       ctx,
		cancel:    cancel,
		pool:      pool,
		marks:     make(map[string]decimal.Decimal),
		book:      make(map[schema.PositionKey]schema.Position),
		states:    make(map[string]*symbolState),
	}
}

// Start launches the periodic sweep.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// Stop halts the sweep and waits for in-flight passes.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.pool.Close()
}

// Kick schedules a reconciliation pass for one symbol.
func (e *Engine) Kick(symbol string) {
	e.schedule(symbol)
}

// MarkPrice returns the last observed mark price for a symbol.
func (e *Engine) MarkPrice(symbol string) (decimal.Decimal, bool) {
	e.markMu.RLock()
	defer e.markMu.RUnlock()
	mark, ok := e.marks[symbol]
	return mark, ok
}

// Position returns the local book entry for a key.
func (e *Engine) Position(key schema.PositionKey) (schema.Position, bool) {
	e.bookMu.RLock()
	defer e.bookMu.RUnlock()
	pos, ok := e.book[key]
	return pos, ok
}

// HandleStream applies an inbound stream frame: mark prices feed the price
// cache, user-data frames patch the local book and trigger passes.
func (e *Engine) HandleStream(msg *schema.StreamMessage) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case schema.StreamMarkPrice:
		e.markMu.Lock()
		e.marks[msg.MarkPrice.Symbol] = msg.MarkPrice.MarkPrice
		e.markMu.Unlock()
	case schema.StreamAccountUpdate:
		for _, patch := range msg.Account.Positions {
			e.applyPositionPatch(patch)
		}
	case schema.StreamOrderUpdate:
		rec := msg.Order.Record
		if rec.Status == schema.OrderStatusFilled || rec.Status == schema.OrderStatusPartiallyFilled {
			e.publish(schema.NewEvent(schema.EventOrderFilled, rec.Symbol, schema.OrderEventPayload{
				OrderID:  rec.OrderID,
				Symbol:   rec.Symbol,
				Side:     rec.Side,
				Kind:     rec.Kind,
				Quantity: rec.ExecutedQty,
				Price:    rec.AvgPrice,
			}))
		}
		e.schedule(rec.Symbol)
	}
}

func (e *Engine) applyPositionPatch(patch schema.AccountPositionUpdate) {
	key := schema.KeyFor(e.cfg.Mode, schema.Position{
		Symbol:       patch.Symbol,
		PositionSide: patch.PositionSide,
	})
	pos := schema.Position{
		Symbol:       patch.Symbol,
		PositionSide: key.Side,
		Quantity:     patch.Quantity,
		EntryPrice:   patch.EntryPrice,
		UpdateTime:   e.cfg.Clock().UTC(),
	}

	e.bookMu.Lock()
	closed := pos.Flat()
	if closed {
		delete(e.book, key)
	} else {
		e.book[key] = pos
	}
	e.bookMu.Unlock()

	e.publish(schema.NewEvent(schema.EventPositionUpdate, patch.Symbol, schema.PositionUpdatePayload{
		Symbol:       patch.Symbol,
		PositionSide: key.Side,
		Quantity:     patch.Quantity,
		EntryPrice:   patch.EntryPrice,
		Closed:       closed,
	}))
	e.schedule(patch.Symbol)
}

// sweep reloads config and schedules a pass for every configured symbol plus
// every symbol with local exposure.
func (e *Engine) sweep() {
	if err := e.symbols.MaybeReload(); err != nil {
		observability.Log().Warn("symbol config reload failed",
			observability.F("error", err.Error()))
	}
	seen := make(map[string]struct{})
	for _, symbol := range e.symbols.Symbols() {
		seen[symbol] = struct{}{}
		e.schedule(symbol)
	}
	e.bookMu.RLock()
	for key := range e.book {
		if _, ok := seen[key.Symbol]; !ok {
			e.schedule(key.Symbol)
		}
	}
	e.bookMu.RUnlock()
}

func (e *Engine) state(symbol string) *symbolState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		st = new(symbolState)
		e.states[symbol] = st
	}
	return st
}

func (e *Engine) schedule(symbol string) {
	if symbol == "" || e.ctx.Err() != nil {
		return
	}
	st := e.state(symbol)
	st.mu.Lock()
	if st.running {
		st.dirty = true
		st.mu.Unlock()
		return
	}
	st.running = true
	st.mu.Unlock()

	e.wg.Add(1)
	err := e.pool.Submit(e.ctx, func(context.Context) error {
		defer e.wg.Done()
		for {
			e.pass(symbol)
			st.mu.Lock()
			if st.dirty && e.ctx.Err() == nil {
				st.dirty = false
				st.mu.Unlock()
				continue
			}
			st.running = false
			st.dirty = false
			st.mu.Unlock()
			return nil
		}
	})
	if err != nil {
		e.wg.Done()
		st.mu.Lock()
		st.running = false
		st.dirty = false
		st.mu.Unlock()
		observability.Log().Warn("reconcile pass not scheduled",
			observability.F("symbol", symbol),
			observability.F("error", err.Error()))
	}
}

// pass is one full reconciliation of a symbol: fetch state, attach missing
// protection, repair drift, clean orphans.
func (e *Engine) pass(symbol string) {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	positions, err := e.client.Positions(ctx, admission.PriorityMedium)
	if err != nil {
		e.reportFailure(symbol, "reconcile/fetch_positions", err)
		return
	}
	orders, err := e.client.OpenOrders(ctx, symbol, admission.PriorityMedium)
	if err != nil {
		e.reportFailure(symbol, "reconcile/fetch_orders", err)
		return
	}

	live := make(map[schema.PositionKey]schema.Position)
	for _, pos := range positions {
		if pos.Symbol != symbol || pos.Flat() {
			continue
		}
		live[schema.KeyFor(e.cfg.Mode, pos)] = pos
	}
	e.syncBook(symbol, live)

	protective := make(map[schema.PositionKey][]schema.OrderRecord)
	for _, rec := range orders {
		if !rec.Kind.Protective() || !rec.Status.Live() {
			continue
		}
		protective[e.protectedKey(rec)] = append(protective[e.protectedKey(rec)], rec)
	}

	cfg, configured := e.symbols.Get(symbol)
	if configured {
		mark, _ := e.MarkPrice(symbol)
		for key, pos := range live {
			e.converge(ctx, cfg, pos, mark,
				ordersOfKind(protective[key], schema.OrderKindStop),
				ordersOfKind(protective[key], schema.OrderKindTakeProfit))
		}
	}

	// Protective orders with no live position behind them are orphans.
	for key, recs := range protective {
		if _, ok := live[key]; ok {
			continue
		}
		for _, rec := range recs {
			e.cancelOrphan(ctx, rec)
		}
	}
}

// protectedKey resolves which position leg a protective order guards. A sell
// stop protects a long; a buy stop protects a short.
func (e *Engine) protectedKey(rec schema.OrderRecord) schema.PositionKey {
	if e.cfg.Mode == schema.ModeHedge {
		return schema.PositionKey{Symbol: rec.Symbol, Side: rec.PositionSide}
	}
	return schema.PositionKey{Symbol: rec.Symbol, Side: schema.PositionSideBoth}
}

func ordersOfKind(recs []schema.OrderRecord, kind schema.OrderKind) []schema.OrderRecord {
	var out []schema.OrderRecord
	for _, rec := range recs {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// converge drives one position's stop-loss and take-profit to their desired
// state. Each repair failure is reported and skipped; the next pass retries.
func (e *Engine) converge(ctx context.Context, cfg config.SymbolConfig, pos schema.Position, mark decimal.Decimal, stops, takes []schema.OrderRecord) {
	want := protectionFor(pos, cfg, mark)

	filters := e.filtersFor(ctx, pos.Symbol)
	slPrice := filters.RoundPrice(want.SLPrice)
	tpPrice := filters.RoundPrice(want.TPPrice)
	qty := filters.RoundQuantity(want.Quantity)
	if qty.IsZero() {
		return
	}

	e.convergeOrder(ctx, pos, schema.OrderKindStop, want.Side, slPrice, qty, stops)
	e.convergeOrder(ctx, pos, schema.OrderKindTakeProfit, want.Side, tpPrice, qty, takes)
}

func (e *Engine) convergeOrder(ctx context.Context, pos schema.Position, kind schema.OrderKind, side schema.Side, trigger, qty decimal.Decimal, existing []schema.OrderRecord) {
	// Only a reduce-only order on the close side can protect this position.
	// A wrong-side order under the same key is leftover from a flip and can
	// never close the current position; duplicates double the close. Keep the
	// first match, cancel the rest.
	keep := schema.OrderRecord{}
	haveKeep := false
	for _, rec := range existing {
		if rec.Side != side || !rec.ReduceOnly || haveKeep {
			e.cancelOrphan(ctx, rec)
			continue
		}
		keep = rec
		haveKeep = true
	}

	if haveKeep {
		if !quantityDrifted(keep.OrigQty, qty) {
			return
		}
		if err := e.client.CancelOrder(ctx, pos.Symbol, keep.OrderID, admission.PriorityCritical); err != nil {
			e.reportFailure(pos.Symbol, "reconcile/cancel_drifted", err)
			return
		}
		e.publish(schema.NewEvent(schema.EventOrderCancelled, pos.Symbol, schema.OrderEventPayload{
			OrderID:  keep.OrderID,
			Symbol:   pos.Symbol,
			Side:     keep.Side,
			Kind:     keep.Kind,
			Quantity: keep.OrigQty,
		}))
	}

	rec, err := e.client.PlaceOrder(ctx, schema.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         side,
		PositionSide: e.orderPositionSide(pos),
		Kind:         kind,
		Quantity:     qty,
		StopPrice:    trigger,
		ReduceOnly:   true,
	}, admission.PriorityCritical)
	if err != nil {
		e.reportFailure(pos.Symbol, "reconcile/place_protective", err)
		return
	}

	evtType := schema.EventSLPlaced
	if kind == schema.OrderKindTakeProfit {
		evtType = schema.EventTPPlaced
	}
	e.publish(schema.NewEvent(evtType, pos.Symbol, schema.OrderEventPayload{
		OrderID:   rec.OrderID,
		Symbol:    pos.Symbol,
		Side:      side,
		Kind:      kind,
		Quantity:  qty,
		StopPrice: trigger,
	}))
	observability.Telemetry().IncCounter("reconcile.protective.placed", 1,
		map[string]string{"kind": string(kind)})
}

func (e *Engine) orderPositionSide(pos schema.Position) schema.PositionSide {
	if e.cfg.Mode == schema.ModeHedge {
		return pos.PositionSide
	}
	return schema.PositionSideBoth
}

func (e *Engine) cancelOrphan(ctx context.Context, rec schema.OrderRecord) {
	if err := e.client.CancelOrder(ctx, rec.Symbol, rec.OrderID, admission.PriorityCritical); err != nil {
		e.reportFailure(rec.Symbol, "reconcile/cancel_orphan", err)
		return
	}
	e.publishTelemetry(observability.TelemetryEventOrphanCancelled, observability.TelemetrySeverityInfo, rec.Symbol, map[string]any{
		"order_id": rec.OrderID,
		"kind":     string(rec.Kind),
	})
	e.publish(schema.NewEvent(schema.EventOrderCancelled, rec.Symbol, schema.OrderEventPayload{
		OrderID:  rec.OrderID,
		Symbol:   rec.Symbol,
		Side:     rec.Side,
		Kind:     rec.Kind,
		Quantity: rec.OrigQty,
	}))
}

// syncBook replaces this symbol's slice of the local book with exchange truth
// and emits position updates for anything that changed.
func (e *Engine) syncBook(symbol string, live map[schema.PositionKey]schema.Position) {
	e.bookMu.Lock()
	var events []*schema.Event
	for key := range e.book {
		if key.Symbol != symbol {
			continue
		}
		if _, ok := live[key]; !ok {
			delete(e.book, key)
			events = append(events, schema.NewEvent(schema.EventPositionUpdate, symbol, schema.PositionUpdatePayload{
				Symbol:       symbol,
				PositionSide: key.Side,
				Quantity:     decimal.Zero,
				Closed:       true,
			}))
		}
	}
	for key, pos := range live {
		prev, ok := e.book[key]
		if ok && prev.Quantity.Equal(pos.Quantity) && prev.EntryPrice.Equal(pos.EntryPrice) {
			continue
		}
		e.book[key] = pos
		events = append(events, schema.NewEvent(schema.EventPositionUpdate, symbol, schema.PositionUpdatePayload{
			Symbol:       symbol,
			PositionSide: key.Side,
			Quantity:     pos.Quantity,
			EntryPrice:   pos.EntryPrice,
		}))
	}
	e.bookMu.Unlock()

	for _, evt := range events {
		e.publish(evt)
	}
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

func (e *Engine) reportFailure(symbol, op string, err error) {
	observability.Log().Error("reconcile repair failed",
		observability.F("symbol", symbol),
		observability.F("op", op),
		observability.F("error", err.Error()))
	e.publishTelemetry(observability.TelemetryEventRepairFailed, observability.TelemetrySeverityError, symbol, map[string]any{
		"op":    op,
		"error": err.Error(),
	})
	e.publish(schema.NewEvent(schema.EventError, symbol, schema.ErrorPayload{
		Code:    string(errs.CodeOf(err)),
		Op:      op,
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

func (e *Engine) publishTelemetry(typ observability.TelemetryEventType, sev observability.TelemetrySeverity, symbol string, meta map[string]any) {
	if e.telemetry == nil {
		return
	}
	_ = e.telemetry.Publish(context.Background(), observability.TelemetryEvent{
		Type:      typ,
		Severity:  sev,
		Timestamp: e.cfg.Clock(),
		Symbol:    symbol,
		Metadata:  meta,
	})
}
