package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/config"
	"github.com/cascadefi/liqhunter/internal/schema"
)

var hundred = decimal.NewFromInt(100)

// quantityEpsilon bounds quantity comparison noise from decimal string
// round-trips. Drift at or below it is not repaired.
var quantityEpsilon = decimal.New(1, -8)

// protection is the desired protective-order pair for one position.
type protection struct {
	Side     schema.Side
	SLPrice  decimal.Decimal
	TPPrice  decimal.Decimal
	Quantity decimal.Decimal
}

// protectionFor derives the stop-loss and take-profit targets for a position.
// When the stop trigger is already through the mark price (the position is
// underwater past its stop), the trigger moves a configured offset beyond the
// mark so the order can rest instead of firing on arrival.
func protectionFor(pos schema.Position, cfg config.SymbolConfig, mark decimal.Decimal) protection {
	entry := pos.EntryPrice
	slFrac := cfg.SLPercent.Div(hundred)
	tpFrac := cfg.TPPercent.Div(hundred)
	offsetFrac := cfg.UnderwaterOffsetPercent.Div(hundred)

	p := protection{Quantity: pos.AbsQuantity()}
	if pos.Direction() == schema.SideBuy {
		p.Side = schema.SideSell
		p.SLPrice = entry.Mul(decimal.NewFromInt(1).Sub(slFrac))
		p.TPPrice = entry.Mul(decimal.NewFromInt(1).Add(tpFrac))
		if !mark.IsZero() && mark.LessThanOrEqual(p.SLPrice) {
			p.SLPrice = mark.Mul(decimal.NewFromInt(1).Sub(offsetFrac))
		}
	} else {
		p.Side = schema.SideBuy
		p.SLPrice = entry.Mul(decimal.NewFromInt(1).Add(slFrac))
		p.TPPrice = entry.Mul(decimal.NewFromInt(1).Sub(tpFrac))
		if !mark.IsZero() && mark.GreaterThanOrEqual(p.SLPrice) {
			p.SLPrice = mark.Mul(decimal.NewFromInt(1).Add(offsetFrac))
		}
	}
	return p
}

// quantityDrifted reports whether an order's size has drifted from the
// position size beyond tolerance.
func quantityDrifted(orderQty, positionQty decimal.Decimal) bool {
	return orderQty.Sub(positionQty).Abs().GreaterThan(quantityEpsilon)
}
