// Package exchange talks to the venue's signed REST surface and simulates it
// in paper mode. All calls pass through the admission gate before touching
// the network.
package exchange

import (
	"context"

	"github.com/cascadefi/liqhunter/internal/admission"
	"github.com/cascadefi/liqhunter/internal/schema"
)

// Client is the trading surface the reconciler and decision engine depend on.
type Client interface {
	// Positions returns all open positions.
	Positions(ctx context.Context, priority admission.Priority) ([]schema.Position, error)
	// OpenOrders returns live orders, optionally scoped to one symbol.
	OpenOrders(ctx context.Context, symbol string, priority admission.Priority) ([]schema.OrderRecord, error)
	// PlaceOrder submits an order and returns the exchange's record of it.
	PlaceOrder(ctx context.Context, req schema.OrderRequest, priority admission.Priority) (schema.OrderRecord, error)
	// CancelOrder cancels one order by exchange ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64, priority admission.Priority) error
	// Filters returns per-symbol precision constraints, cached between calls.
	Filters(ctx context.Context) (map[string]SymbolFilters, error)
}

// UserStreamClient manages the user-data stream credential.
type UserStreamClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// Admitter is the slice of the admission controller the client needs.
type Admitter interface {
	Admit(ctx context.Context, cost admission.Cost, priority admission.Priority) error
	SyncUsage(weightUsed, orderUsed int64)
}

// nopAdmitter admits everything; used when no gate is wired (paper mode, tests).
type nopAdmitter struct{}

func (nopAdmitter) Admit(context.Context, admission.Cost, admission.Priority) error { return nil }
func (nopAdmitter) SyncUsage(int64, int64)                                          {}
