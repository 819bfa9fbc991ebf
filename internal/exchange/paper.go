package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/admission"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
)

// PaperClient simulates the exchange in memory. Market orders fill at the
// last mark price; resting orders trigger as marks move. Fills are reported
// through the same order-update callback shape the live user-data stream
// produces, so downstream code cannot tell the difference.
type PaperClient struct {
	mode    schema.PositionMode
	clock   func() time.Time
	filters map[string]SymbolFilters

	mu          sync.Mutex
	nextOrderID int64
	positions   map[schema.PositionKey]schema.Position
	orders      map[int64]schema.OrderRecord
	marks       map[string]decimal.Decimal

	onOrderUpdate func(schema.OrderRecord)
}

// NewPaperClient constructs a paper-trading simulator.
func NewPaperClient(mode schema.PositionMode, filters map[string]SymbolFilters, clock func() time.Time) *PaperClient {
	if clock == nil {
		clock = time.Now
	}
	if filters == nil {
		filters = make(map[string]SymbolFilters)
	}
	return &PaperClient{
		mode:        mode,
		clock:       clock,
		filters:     filters,
		nextOrderID: 1000,
		positions:   make(map[schema.PositionKey]schema.Position),
		orders:      make(map[int64]schema.OrderRecord),
		marks:       make(map[string]decimal.Decimal),
	}
}

// OnOrderUpdate registers the fill callback. Must be set before trading starts.
func (p *PaperClient) OnOrderUpdate(fn func(schema.OrderRecord)) {
	p.mu.Lock()
	p.onOrderUpdate = fn
	p.mu.Unlock()
}

// SetMark records the latest mark price and triggers any resting orders it
// crosses.
func (p *PaperClient) SetMark(symbol string, price decimal.Decimal) {
	symbol = strings.ToUpper(symbol)
	p.mu.Lock()
	p.marks[symbol] = price
	fills := p.triggerRestingLocked(symbol, price)
	p.mu.Unlock()
	for _, rec := range fills {
		p.notify(rec)
	}
}

// Positions returns the simulated position book.
func (p *PaperClient) Positions(context.Context, admission.Priority) ([]schema.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if !pos.Flat() {
			out = append(out, pos)
		}
	}
	return out, nil
}

// OpenOrders returns live simulated orders.
func (p *PaperClient) OpenOrders(_ context.Context, symbol string, _ admission.Priority) ([]schema.OrderRecord, error) {
	symbol = strings.ToUpper(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.OrderRecord, 0, len(p.orders))
	for _, rec := range p.orders {
		if !rec.Status.Live() {
			continue
		}
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// PlaceOrder accepts an order. Market orders fill immediately at the last
// mark; everything else rests until a mark crosses it.
func (p *PaperClient) PlaceOrder(_ context.Context, req schema.OrderRequest, _ admission.Priority) (schema.OrderRecord, error) {
	symbol := strings.ToUpper(req.Symbol)
	if symbol == "" || req.Quantity.Sign() <= 0 {
		return schema.OrderRecord{}, errs.New("paper/place_order", errs.CodeInvalid,
			errs.WithSymbol(symbol), errs.WithMessage("symbol and positive quantity required"))
	}
	if f, ok := p.filters[symbol]; ok {
		price := req.Price
		if price.IsZero() {
			price = req.StopPrice
		}
		if err := f.CheckOrder(req.Quantity, price); err != nil {
			return schema.OrderRecord{}, err
		}
	}

	p.mu.Lock()
	p.nextOrderID++
	rec := schema.OrderRecord{
		OrderID:       p.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Kind:          req.Kind,
		Status:        schema.OrderStatusNew,
		OrigQty:       req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    p.clock().UTC(),
	}

	var filled *schema.OrderRecord
	if req.Kind == schema.OrderKindMarket {
		mark, ok := p.marks[symbol]
		if !ok {
			p.mu.Unlock()
			return schema.OrderRecord{}, errs.New("paper/place_order", errs.CodeRejected,
				errs.WithSymbol(symbol), errs.WithMessage("no mark price for market fill"))
		}
		rec = p.fillLocked(rec, mark)
		filled = &rec
	} else {
		p.orders[rec.OrderID] = rec
	}
	p.mu.Unlock()

	if filled != nil {
		p.notify(*filled)
	}
	observability.Telemetry().IncCounter("paper.orders.placed", 1,
		map[string]string{"kind": string(req.Kind)})
	return rec, nil
}

// CancelOrder removes a resting order.
func (p *PaperClient) CancelOrder(_ context.Context, symbol string, orderID int64, _ admission.Priority) error {
	p.mu.Lock()
	rec, ok := p.orders[orderID]
	if !ok || !rec.Status.Live() {
		p.mu.Unlock()
		return errs.New("paper/cancel_order", errs.CodeRejected,
			errs.WithSymbol(symbol), errs.WithMessage("unknown order"))
	}
	rec.Status = schema.OrderStatusCanceled
	rec.UpdateTime = p.clock().UTC()
	delete(p.orders, orderID)
	p.mu.Unlock()
	p.notify(rec)
	return nil
}

// Filters returns the simulator's symbol constraints.
func (p *PaperClient) Filters(context.Context) (map[string]SymbolFilters, error) {
	return p.filters, nil
}

// fillLocked executes the order at price and applies it to the position book.
func (p *PaperClient) fillLocked(rec schema.OrderRecord, price decimal.Decimal) schema.OrderRecord {
	rec.Status = schema.OrderStatusFilled
	rec.ExecutedQty = rec.OrigQty
	rec.AvgPrice = price
	rec.UpdateTime = p.clock().UTC()
	p.applyFillLocked(rec, price)
	return rec
}

func (p *PaperClient) applyFillLocked(rec schema.OrderRecord, price decimal.Decimal) {
	key := schema.PositionKey{Symbol: rec.Symbol, Side: schema.PositionSideBoth}
	if p.mode == schema.ModeHedge {
		side := rec.PositionSide
		if side == "" || side == schema.PositionSideBoth {
			if rec.Side == schema.SideBuy {
				side = schema.PositionSideLong
			} else {
				side = schema.PositionSideShort
			}
		}
		key = schema.PositionKey{Symbol: rec.Symbol, Side: side}
	}

	pos, ok := p.positions[key]
	if !ok {
		pos = schema.Position{Symbol: rec.Symbol, PositionSide: key.Side}
	}

	delta := rec.ExecutedQty
	if p.mode == schema.ModeHedge {
		// Hedge legs carry positive quantity; reduce-only sells shrink the
		// long leg, reduce-only buys shrink the short leg.
		closing := (key.Side == schema.PositionSideLong && rec.Side == schema.SideSell) ||
			(key.Side == schema.PositionSideShort && rec.Side == schema.SideBuy)
		if closing {
			delta = delta.Neg()
		}
	} else if rec.Side == schema.SideSell {
		delta = delta.Neg()
	}

	if rec.ReduceOnly {
		// A reduce-only fill may not flip the position.
		next := pos.Quantity.Add(delta)
		if next.Sign() != 0 && next.Sign() != pos.Quantity.Sign() {
			delta = pos.Quantity.Neg()
		}
	}

	prevQty := pos.Quantity
	pos.Quantity = pos.Quantity.Add(delta)
	pos.UpdateTime = p.clock().UTC()

	switch {
	case pos.Quantity.IsZero():
		pos.EntryPrice = decimal.Zero
	case prevQty.IsZero() || prevQty.Sign() != pos.Quantity.Sign():
		pos.EntryPrice = price
	case delta.Sign() == prevQty.Sign():
		// Adding to an existing position averages the entry.
		prevNotional := prevQty.Abs().Mul(pos.EntryPrice)
		addNotional := delta.Abs().Mul(price)
		pos.EntryPrice = prevNotional.Add(addNotional).Div(pos.Quantity.Abs())
	}
	p.positions[key] = pos
}

// triggerRestingLocked fires resting orders crossed by the new mark.
func (p *PaperClient) triggerRestingLocked(symbol string, mark decimal.Decimal) []schema.OrderRecord {
	var fills []schema.OrderRecord
	for id, rec := range p.orders {
		if rec.Symbol != symbol || !rec.Status.Live() {
			continue
		}
		if !crossed(rec, mark) {
			continue
		}
		filled := p.fillLocked(rec, fillPrice(rec, mark))
		delete(p.orders, id)
		fills = append(fills, filled)
	}
	return fills
}

func crossed(rec schema.OrderRecord, mark decimal.Decimal) bool {
	switch rec.Kind {
	case schema.OrderKindLimit:
		if rec.Side == schema.SideBuy {
			return mark.LessThanOrEqual(rec.Price)
		}
		return mark.GreaterThanOrEqual(rec.Price)
	case schema.OrderKindStop:
		if rec.Side == schema.SideSell {
			return mark.LessThanOrEqual(rec.StopPrice)
		}
		return mark.GreaterThanOrEqual(rec.StopPrice)
	case schema.OrderKindTakeProfit:
		if rec.Side == schema.SideSell {
			return mark.GreaterThanOrEqual(rec.StopPrice)
		}
		return mark.LessThanOrEqual(rec.StopPrice)
	default:
		return false
	}
}

func fillPrice(rec schema.OrderRecord, mark decimal.Decimal) decimal.Decimal {
	if rec.Kind == schema.OrderKindLimit {
		return rec.Price
	}
	return mark
}

func (p *PaperClient) notify(rec schema.OrderRecord) {
	p.mu.Lock()
	fn := p.onOrderUpdate
	p.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}
