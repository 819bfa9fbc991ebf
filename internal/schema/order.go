package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side captures the direction of an order.
type Side string

const (
	// SideBuy indicates a buy order.
	SideBuy Side = "BUY"
	// SideSell indicates a sell order.
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide identifies the position leg an order or position belongs to.
type PositionSide string

const (
	// PositionSideLong marks the long leg in hedge mode.
	PositionSideLong PositionSide = "LONG"
	// PositionSideShort marks the short leg in hedge mode.
	PositionSideShort PositionSide = "SHORT"
	// PositionSideBoth marks the netted position in one-way mode.
	PositionSideBoth PositionSide = "BOTH"
)

// OrderKind is the explicit tagged variant for order types. Each kind
// determines which price fields are meaningful: Limit carries Price, Stop and
// TakeProfit carry StopPrice, Market carries neither.
type OrderKind string

const (
	// OrderKindLimit represents a resting limit order.
	OrderKindLimit OrderKind = "LIMIT"
	// OrderKindMarket represents an immediate market order.
	OrderKindMarket OrderKind = "MARKET"
	// OrderKindStop represents a stop-market protective order.
	OrderKindStop OrderKind = "STOP_MARKET"
	// OrderKindTakeProfit represents a take-profit-market protective order.
	OrderKindTakeProfit OrderKind = "TAKE_PROFIT_MARKET"
)

// Protective reports whether the kind is a stop-loss or take-profit order.
func (k OrderKind) Protective() bool {
	return k == OrderKindStop || k == OrderKindTakeProfit
}

// OrderStatus enumerates exchange order lifecycle states.
type OrderStatus string

const (
	// OrderStatusNew indicates the order is resting on the book.
	OrderStatusNew OrderStatus = "NEW"
	// OrderStatusPartiallyFilled indicates a partial fill.
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderStatusFilled indicates a complete fill.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCanceled indicates cancellation.
	OrderStatusCanceled OrderStatus = "CANCELED"
	// OrderStatusRejected indicates exchange rejection.
	OrderStatusRejected OrderStatus = "REJECTED"
	// OrderStatusExpired indicates expiry (including stop triggers consumed).
	OrderStatusExpired OrderStatus = "EXPIRED"
)

// Live reports whether the status still occupies the book.
func (s OrderStatus) Live() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// OrderRequest describes an order submission. Kind decides which of Price and
// StopPrice are consulted; quantities and prices are already rounded to the
// symbol's filters by the caller.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Kind          OrderKind
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	TimeInForce   string
}

// OrderRecord mirrors exchange order state. The authoritative copy is
// whatever the exchange last reported; local code never mutates one in place.
type OrderRecord struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Kind          OrderKind
	Status        OrderStatus
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	UpdateTime    time.Time
}

// Position is a single exchange position. Quantity is signed in one-way mode
// (negative = short) and always positive on the LONG/SHORT legs in hedge mode.
type Position struct {
	Symbol       string
	PositionSide PositionSide
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	Leverage     int
	UpdateTime   time.Time
}

// Direction resolves the effective exposure direction of the position.
func (p Position) Direction() Side {
	switch p.PositionSide {
	case PositionSideLong:
		return SideBuy
	case PositionSideShort:
		return SideSell
	default:
		if p.Quantity.IsNegative() {
			return SideSell
		}
		return SideBuy
	}
}

// AbsQuantity returns the unsigned position size.
func (p Position) AbsQuantity() decimal.Decimal {
	return p.Quantity.Abs()
}

// Flat reports whether the position has no exposure.
func (p Position) Flat() bool {
	return p.Quantity.IsZero()
}

// PositionMode selects the exchange position-accounting mode.
type PositionMode string

const (
	// ModeOneWay nets long and short into a single position per symbol.
	ModeOneWay PositionMode = "one-way"
	// ModeHedge tracks LONG and SHORT legs separately per symbol.
	ModeHedge PositionMode = "hedge"
)

// PositionKey identifies a position: (symbol, side) in hedge mode, (symbol)
// alone in one-way mode.
type PositionKey struct {
	Symbol string
	Side   PositionSide
}

// KeyFor computes the identity key of a position under the given mode.
func KeyFor(mode PositionMode, p Position) PositionKey {
	if mode == ModeHedge {
		return PositionKey{Symbol: p.Symbol, Side: p.PositionSide}
	}
	return PositionKey{Symbol: p.Symbol, Side: PositionSideBoth}
}
