package schema

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/errs"
)

// StreamEventType discriminates inbound stream payloads. Anything outside
// this set is quarantined at the boundary rather than propagated inward.
type StreamEventType string

const (
	// StreamForceOrder identifies forced-liquidation events.
	StreamForceOrder StreamEventType = "forceOrder"
	// StreamMarkPrice identifies mark-price updates.
	StreamMarkPrice StreamEventType = "markPriceUpdate"
	// StreamOrderUpdate identifies authenticated order-update events.
	StreamOrderUpdate StreamEventType = "ORDER_TRADE_UPDATE"
	// StreamAccountUpdate identifies authenticated account/position updates.
	StreamAccountUpdate StreamEventType = "ACCOUNT_UPDATE"
	// StreamDepth identifies order book depth updates.
	StreamDepth StreamEventType = "depthUpdate"
	// StreamKline identifies candlestick updates.
	StreamKline StreamEventType = "kline"
	// StreamAggTrade identifies aggregated trade events, used for VWAP.
	StreamAggTrade StreamEventType = "aggTrade"
	// StreamListenKeyExpired signals that the user-data listen key lapsed.
	StreamListenKeyExpired StreamEventType = "listenKeyExpired"
)

// LiquidationEvent is a forced-liquidation order observed on the public feed.
// Ephemeral: consumed once by the decision engine, never persisted by the core.
type LiquidationEvent struct {
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	AvgPrice  decimal.Decimal
	EventTime time.Time
}

// Notional returns quantity x price in quote units.
func (l LiquidationEvent) Notional() decimal.Decimal {
	return l.Quantity.Mul(l.Price)
}

// MarkPriceUpdate carries the exchange reference price for a symbol.
type MarkPriceUpdate struct {
	Symbol    string
	MarkPrice decimal.Decimal
	EventTime time.Time
}

// OrderUpdate reflects an order lifecycle transition from the user-data feed.
type OrderUpdate struct {
	Record    OrderRecord
	EventTime time.Time
}

// AccountPositionUpdate is one position entry inside an account update.
type AccountPositionUpdate struct {
	Symbol       string
	PositionSide PositionSide
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
}

// AccountUpdate reflects balance/position changes from the user-data feed.
type AccountUpdate struct {
	Reason    string
	Positions []AccountPositionUpdate
	EventTime time.Time
}

// DepthLevel is a single price level of book depth.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthUpdate carries top-of-book depth for a symbol.
type DepthUpdate struct {
	Symbol    string
	Bids      []DepthLevel
	Asks      []DepthLevel
	EventTime time.Time
}

// TradeTick is a trade used to maintain the rolling VWAP.
type TradeTick struct {
	Symbol    string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	EventTime time.Time
}

// StreamMessage is the discriminated envelope produced by DecodeStream.
// Exactly one payload pointer matching Type is non-nil.
type StreamMessage struct {
	Type        StreamEventType
	EventTime   time.Time
	Liquidation *LiquidationEvent
	MarkPrice   *MarkPriceUpdate
	Order       *OrderUpdate
	Account     *AccountUpdate
	Depth       *DepthUpdate
	Trade       *TradeTick
}

type wireEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

type wireForceOrder struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Quantity string `json:"q"`
		Price    string `json:"p"`
		AvgPrice string `json:"ap"`
	} `json:"o"`
}

type wireMarkPrice struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

type wireOrderUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Kind          string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		ReduceOnly    bool   `json:"R"`
		PositionSide  string `json:"ps"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

type wireAccountUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Data      struct {
		Reason    string `json:"m"`
		Positions []struct {
			Symbol       string `json:"s"`
			Amount       string `json:"pa"`
			EntryPrice   string `json:"ep"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type wireDepthUpdate struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type wireAggTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
}

type wireKline struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		Close  string `json:"c"`
		Volume string `json:"v"`
		Closed bool   `json:"x"`
	} `json:"k"`
}

// DecodeStream validates and converts a raw stream frame into a typed
// message. Combined-stream wrappers ({"stream":...,"data":{...}}) are
// unwrapped first. Unknown event types and malformed payloads return
// CodeInvalid; callers drop and log them without tearing the connection down.
func DecodeStream(data []byte) (StreamMessage, error) {
	var zero StreamMessage

	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &combined); err == nil && len(combined.Data) > 0 {
		data = combined.Data
	}

	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, errs.New("schema/decode", errs.CodeInvalid,
			errs.WithMessage("unparseable stream frame"), errs.WithCause(err))
	}
	if strings.TrimSpace(env.EventType) == "" {
		return zero, errs.New("schema/decode", errs.CodeInvalid,
			errs.WithMessage("stream frame missing event type"))
	}

	eventTime := time.UnixMilli(env.EventTime).UTC()

	switch StreamEventType(env.EventType) {
	case StreamForceOrder:
		return decodeForceOrder(data, eventTime)
	case StreamMarkPrice:
		return decodeMarkPrice(data, eventTime)
	case StreamOrderUpdate:
		return decodeOrderUpdate(data, eventTime)
	case StreamAccountUpdate:
		return decodeAccountUpdate(data, eventTime)
	case StreamDepth:
		return decodeDepth(data, eventTime)
	case StreamAggTrade:
		return decodeAggTrade(data, eventTime)
	case StreamKline:
		return decodeKline(data, eventTime)
	case StreamListenKeyExpired:
		return StreamMessage{Type: StreamListenKeyExpired, EventTime: eventTime}, nil
	default:
		return zero, errs.New("schema/decode", errs.CodeInvalid,
			errs.WithMessage("unknown stream event type "+env.EventType))
	}
}

func decodeForceOrder(data []byte, eventTime time.Time) (StreamMessage, error) {
	var w wireForceOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, decodeErr("forceOrder", err)
	}
	symbol, err := requireSymbol(w.Order.Symbol)
	if err != nil {
		return StreamMessage{}, err
	}
	side, err := parseSide(w.Order.Side)
	if err != nil {
		return StreamMessage{}, err
	}
	qty, err := parsePositive("quantity", w.Order.Quantity)
	if err != nil {
		return StreamMessage{}, err
	}
	price, err := parsePositive("price", w.Order.Price)
	if err != nil {
		return StreamMessage{}, err
	}
	avg, _ := decimal.NewFromString(w.Order.AvgPrice)
	evt := &LiquidationEvent{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		AvgPrice:  avg,
		EventTime: eventTime,
	}
	return StreamMessage{Type: StreamForceOrder, EventTime: eventTime, Liquidation: evt}, nil
}

func decodeMarkPrice(data []byte, eventTime time.Time) (StreamMessage, error) {
	var w wireMarkPrice
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, decodeErr("markPrice", err)
	}
	symbol, err := requireSymbol(w.Symbol)
	if err != nil {
		return StreamMessage{}, err
	}
	price, err := parsePositive("mark price", w.MarkPrice)
	if err != nil {
		return StreamMessage{}, err
	}
	mp := &MarkPriceUpdate{Symbol: symbol, MarkPrice: price, EventTime: eventTime}
	return StreamMessage{Type: StreamMarkPrice, EventTime: eventTime, MarkPrice: mp}, nil
}

func decodeOrderUpdate(data []byte, eventTime time.Time) (StreamMessage, error) {
	var w wireOrderUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, decodeErr("orderUpdate", err)
	}
	symbol, err := requireSymbol(w.Order.Symbol)
	if err != nil {
		return StreamMessage{}, err
	}
	side, err := parseSide(w.Order.Side)
	if err != nil {
		return StreamMessage{}, err
	}
	if w.Order.OrderID <= 0 {
		return StreamMessage{}, errs.New("schema/decode", errs.CodeInvalid,
			errs.WithMessage("order update missing order id"), errs.WithSymbol(symbol))
	}
	rec := OrderRecord{
		OrderID:       w.Order.OrderID,
		ClientOrderID: w.Order.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		PositionSide:  parsePositionSide(w.Order.PositionSide),
		Kind:          OrderKind(strings.ToUpper(w.Order.Kind)),
		Status:        OrderStatus(strings.ToUpper(w.Order.Status)),
		OrigQty:       parseOrZero(w.Order.OrigQty),
		ExecutedQty:   parseOrZero(w.Order.FilledQty),
		Price:         parseOrZero(w.Order.Price),
		StopPrice:     parseOrZero(w.Order.StopPrice),
		AvgPrice:      parseOrZero(w.Order.AvgPrice),
		ReduceOnly:    w.Order.ReduceOnly,
		UpdateTime:    time.UnixMilli(w.Order.TradeTime).UTC(),
	}
	ou := &OrderUpdate{Record: rec, EventTime: eventTime}
	return StreamMessage{Type: StreamOrderUpdate, EventTime: eventTime, Order: ou}, nil
}

func decodeAccountUpdate(data []byte, eventTime time.Time) (StreamMessage, error) {
	var w wireAccountUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, decodeErr("accountUpdate", err)
	}
	update := &AccountUpdate{
		Reason:    w.Data.Reason,
		Positions: make([]AccountPositionUpdate, 0, len(w.Data.Positions)),
		EventTime: eventTime,
	}
	for _, p := range w.Data.Positions {
		symbol, err := requireSymbol(p.Symbol)
		if err != nil {
			return StreamMessage{}, err
		}
		update.Positions = append(update.Positions, AccountPositionUpdate{
			Symbol:       symbol,
			PositionSide: parsePositionSide(p.PositionSide),
			Quantity:     parseOrZero(p.Amount),
			EntryPrice:   parseOrZero(p.EntryPrice),
		})
	}
	return StreamMessage{Type: StreamAccountUpdate, EventTime: eventTime, Account: update}, nil
}

func decodeDepth(data []byte, eventTime time.Time) (StreamMessage, error) {
	var w wireDepthUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, decodeErr("depth", err)
	}
	symbol, err := requireSymbol(w.Symbol)
	if err != nil {
		return StreamMessage{}, err
	}
	du := &DepthUpdate{
		Symbol:    symbol,
		Bids:      parseDepthLevels(w.Bids),
		Asks:      parseDepthLevels(w.Asks),
		EventTime: eventTime,
	}
	return StreamMessage{Type: StreamDepth, EventTime: eventTime, Depth: du}, nil
}

func decodeAggTrade(data []byte, eventTime time.Time) (StreamMessage, error) {
	var w wireAggTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, decodeErr("aggTrade", err)
	}
	symbol, err := requireSymbol(w.Symbol)
	if err != nil {
		return StreamMessage{}, err
	}
	price, err := parsePositive("price", w.Price)
	if err != nil {
		return StreamMessage{}, err
	}
	qty, err := parsePositive("quantity", w.Quantity)
	if err != nil {
		return StreamMessage{}, err
	}
	tick := &TradeTick{Symbol: symbol, Price: price, Quantity: qty, EventTime: eventTime}
	return StreamMessage{Type: StreamAggTrade, EventTime: eventTime, Trade: tick}, nil
}

// decodeKline folds closed candles into TradeTick form so the VWAP tracker can
// consume either feed.
func decodeKline(data []byte, eventTime time.Time) (StreamMessage, error) {
	var w wireKline
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, decodeErr("kline", err)
	}
	symbol, err := requireSymbol(w.Symbol)
	if err != nil {
		return StreamMessage{}, err
	}
	price, err := parsePositive("close price", w.Kline.Close)
	if err != nil {
		return StreamMessage{}, err
	}
	volume := parseOrZero(w.Kline.Volume)
	tick := &TradeTick{Symbol: symbol, Price: price, Quantity: volume, EventTime: eventTime}
	return StreamMessage{Type: StreamKline, EventTime: eventTime, Trade: tick}, nil
}

func parseDepthLevels(raw [][]string) []DepthLevel {
	levels := make([]DepthLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(pair[0])
		qty, err2 := decimal.NewFromString(pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, DepthLevel{Price: price, Quantity: qty})
	}
	return levels
}

func requireSymbol(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return "", errs.New("schema/decode", errs.CodeInvalid, errs.WithMessage("payload missing symbol"))
	}
	return symbol, nil
}

func parseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(SideBuy):
		return SideBuy, nil
	case string(SideSell):
		return SideSell, nil
	default:
		return "", errs.New("schema/decode", errs.CodeInvalid, errs.WithMessage("invalid side "+raw))
	}
}

func parsePositionSide(raw string) PositionSide {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(PositionSideLong):
		return PositionSideLong
	case string(PositionSideShort):
		return PositionSideShort
	default:
		return PositionSideBoth
	}
}

func parsePositive(field, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errs.New("schema/decode", errs.CodeInvalid,
			errs.WithMessage("invalid "+field), errs.WithCause(err))
	}
	if !v.IsPositive() {
		return decimal.Zero, errs.New("schema/decode", errs.CodeInvalid,
			errs.WithMessage(field+" must be positive"))
	}
	return v, nil
}

func parseOrZero(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return v
}

func decodeErr(what string, cause error) error {
	return errs.New("schema/decode", errs.CodeInvalid,
		errs.WithMessage("malformed "+what+" payload"), errs.WithCause(cause))
}
