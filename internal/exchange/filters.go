package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/errs"
)

// SymbolFilters carries the venue's precision and notional constraints for
// one symbol. Orders must be rounded to these before submission or the
// exchange rejects them.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RoundPrice snaps price down to the symbol's tick size.
func (f SymbolFilters) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return snapDown(price, f.TickSize)
}

// RoundQuantity snaps quantity down to the symbol's step size.
func (f SymbolFilters) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	return snapDown(qty, f.StepSize)
}

// CheckOrder validates a rounded quantity/price pair against the symbol's
// constraints.
func (f SymbolFilters) CheckOrder(qty, price decimal.Decimal) error {
	if !f.MinQty.IsZero() && qty.LessThan(f.MinQty) {
		return errs.New("exchange/filters", errs.CodeInvalid,
			errs.WithSymbol(f.Symbol),
			errs.WithMessage("quantity below minimum "+f.MinQty.String()))
	}
	if !f.MaxQty.IsZero() && qty.GreaterThan(f.MaxQty) {
		return errs.New("exchange/filters", errs.CodeInvalid,
			errs.WithSymbol(f.Symbol),
			errs.WithMessage("quantity above maximum "+f.MaxQty.String()))
	}
	if !f.MinNotional.IsZero() && !price.IsZero() && qty.Mul(price).LessThan(f.MinNotional) {
		return errs.New("exchange/filters", errs.CodeInvalid,
			errs.WithSymbol(f.Symbol),
			errs.WithMessage("notional below minimum "+f.MinNotional.String()))
	}
	return nil
}

// snapDown truncates value to the largest multiple of increment not above it.
// A zero increment leaves the value untouched.
func snapDown(value, increment decimal.Decimal) decimal.Decimal {
	if increment.IsZero() || value.IsZero() {
		return value
	}
	return value.Div(increment).Floor().Mul(increment)
}
