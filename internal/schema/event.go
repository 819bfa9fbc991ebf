// Package schema defines the typed payloads crossing the engine's boundaries:
// inbound exchange stream frames and the outbound event channel consumed by
// the dashboard and notification collaborators.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates outbound event categories. This taxonomy is the
// core's only contract with the UI layer.
type EventType string

const (
	// EventPositionUpdate signals a change in the local position book.
	EventPositionUpdate EventType = "position_update"
	// EventOrderFilled signals a (partial or full) fill.
	EventOrderFilled EventType = "order_filled"
	// EventSLPlaced signals a stop-loss order attached to a position.
	EventSLPlaced EventType = "sl_placed"
	// EventTPPlaced signals a take-profit order attached to a position.
	EventTPPlaced EventType = "tp_placed"
	// EventOrderCancelled signals a cancelled order (drift repair or orphan cleanup).
	EventOrderCancelled EventType = "order_cancelled"
	// EventRateLimit carries quota utilization advisories.
	EventRateLimit EventType = "rateLimit"
	// EventLiquidation republishes qualifying liquidation events for observers.
	EventLiquidation EventType = "liquidation"
	// EventToast carries short operator notifications.
	EventToast EventType = "toast"
	// EventError surfaces categorized non-fatal failures.
	EventError EventType = "error"
)

// Event is the versioned envelope broadcast on the local outbound channel.
type Event struct {
	Version int       `json:"v"`
	Type    EventType `json:"type"`
	Symbol  string    `json:"symbol,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// EventVersion is the current outbound envelope version.
const EventVersion = 1

// NewEvent stamps an outbound event with the current envelope version.
func NewEvent(typ EventType, symbol string, payload any) *Event {
	return &Event{
		Version: EventVersion,
		Type:    typ,
		Symbol:  symbol,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

// PositionUpdatePayload describes the current state of one position.
type PositionUpdatePayload struct {
	Symbol       string          `json:"symbol"`
	PositionSide PositionSide    `json:"positionSide"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	Closed       bool            `json:"closed"`
}

// OrderEventPayload describes an order referenced by an outbound event.
type OrderEventPayload struct {
	OrderID   int64           `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Kind      OrderKind       `json:"kind"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price,omitempty"`
	StopPrice decimal.Decimal `json:"stopPrice,omitempty"`
}

// RateLimitPayload reports quota utilization on one budget dimension.
type RateLimitPayload struct {
	Dimension   string  `json:"dimension"`
	Used        int64   `json:"used"`
	Limit       int64   `json:"limit"`
	Utilization float64 `json:"utilization"`
	Threshold   float64 `json:"threshold"`
}

// ToastPayload is a short operator-facing notification.
type ToastPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ErrorPayload surfaces a categorized failure outward without crashing.
type ErrorPayload struct {
	Code    string `json:"code"`
	Op      string `json:"op"`
	Message string `json:"message"`
}
