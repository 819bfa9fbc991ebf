package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/admission"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/schema"
)

// Request weights per the venue's published fee schedule.
const (
	weightPositions     = 5
	weightOpenOrders    = 40
	weightOpenOrdersSym = 1
	weightPlaceOrder    = 0
	weightCancelOrder   = 1
	weightExchangeInfo  = 1
	weightListenKey     = 1

	headerUsedWeight = "X-Mbx-Used-Weight-1m"
	headerOrderCount = "X-Mbx-Order-Count-10s"

	filtersTTL = time.Hour
)

// RESTConfig configures the signed REST client.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	RecvWindow time.Duration
	Clock      func() time.Time
}

func (c RESTConfig) normalize() RESTConfig {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// RESTClient is the production Client implementation.
type RESTClient struct {
	cfg      RESTConfig
	http     *http.Client
	admitter Admitter

	filtersMu   sync.Mutex
	filters     map[string]SymbolFilters
	filtersFrom time.Time
}

// NewRESTClient constructs a signed REST client. A nil admitter disables
// quota gating.
func NewRESTClient(cfg RESTConfig, admitter Admitter) *RESTClient {
	cfg = cfg.normalize()
	if admitter == nil {
		admitter = nopAdmitter{}
	}
	return &RESTClient{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		admitter: admitter,
	}
}

type positionRiskEntry struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	PositionSide string `json:"positionSide"`
	Leverage     string `json:"leverage"`
	UpdateTime   int64  `json:"updateTime"`
}

// Positions fetches all open positions from the position-risk endpoint.
func (c *RESTClient) Positions(ctx context.Context, priority admission.Priority) ([]schema.Position, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, true,
		admission.Cost{Weight: weightPositions}, priority)
	if err != nil {
		return nil, err
	}
	var entries []positionRiskEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errs.New("exchange/positions", errs.CodeInvalid, errs.WithCause(err))
	}
	out := make([]schema.Position, 0, len(entries))
	for _, entry := range entries {
		qty, err := decimal.NewFromString(entry.PositionAmt)
		if err != nil || qty.IsZero() {
			continue
		}
		entryPrice, err := decimal.NewFromString(entry.EntryPrice)
		if err != nil {
			continue
		}
		leverage, _ := strconv.Atoi(entry.Leverage)
		out = append(out, schema.Position{
			Symbol:       strings.ToUpper(entry.Symbol),
			PositionSide: schema.PositionSide(entry.PositionSide),
			Quantity:     qty,
			EntryPrice:   entryPrice,
			Leverage:     leverage,
			UpdateTime:   time.UnixMilli(entry.UpdateTime).UTC(),
		})
	}
	return out, nil
}

type orderEntry struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (e orderEntry) record() schema.OrderRecord {
	return schema.OrderRecord{
		OrderID:       e.OrderID,
		ClientOrderID: e.ClientOrderID,
		Symbol:        strings.ToUpper(e.Symbol),
		Side:          schema.Side(e.Side),
		PositionSide:  schema.PositionSide(e.PositionSide),
		Kind:          schema.OrderKind(e.Type),
		Status:        schema.OrderStatus(e.Status),
		OrigQty:       parseDecimal(e.OrigQty),
		ExecutedQty:   parseDecimal(e.ExecutedQty),
		Price:         parseDecimal(e.Price),
		StopPrice:     parseDecimal(e.StopPrice),
		AvgPrice:      parseDecimal(e.AvgPrice),
		ReduceOnly:    e.ReduceOnly,
		UpdateTime:    time.UnixMilli(e.UpdateTime).UTC(),
	}
}

func parseDecimal(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// OpenOrders lists live orders. Scoping to a symbol is dramatically cheaper
// on request weight, so callers should pass one whenever they can.
func (c *RESTClient) OpenOrders(ctx context.Context, symbol string, priority admission.Priority) ([]schema.OrderRecord, error) {
	params := url.Values{}
	weight := int64(weightOpenOrders)
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
		weight = weightOpenOrdersSym
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, true,
		admission.Cost{Weight: weight}, priority)
	if err != nil {
		return nil, err
	}
	var entries []orderEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, errs.New("exchange/open_orders", errs.CodeInvalid, errs.WithCause(err))
	}
	out := make([]schema.OrderRecord, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.record())
	}
	return out, nil
}

// PlaceOrder submits an order. Placement is never retried; a duplicate
// submission after an ambiguous failure would double exposure.
func (c *RESTClient) PlaceOrder(ctx context.Context, req schema.OrderRequest, priority admission.Priority) (schema.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Kind))
	params.Set("quantity", req.Quantity.String())
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.PositionSide != "" && req.PositionSide != schema.PositionSideBoth {
		params.Set("positionSide", string(req.PositionSide))
	}
	switch req.Kind {
	case schema.OrderKindLimit:
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	case schema.OrderKindStop, schema.OrderKindTakeProfit:
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, false,
		admission.Cost{Weight: weightPlaceOrder, Orders: 1}, priority)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	var entry orderEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return schema.OrderRecord{}, errs.New("exchange/place_order", errs.CodeInvalid,
			errs.WithSymbol(req.Symbol), errs.WithCause(err))
	}
	return entry.record(), nil
}

// CancelOrder cancels one order. A "not found" rejection is returned as-is;
// the reconciler treats it as already-resolved drift.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol string, orderID int64, priority admission.Priority) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, false,
		admission.Cost{Weight: weightCancelOrder}, priority)
	return err
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// Filters fetches per-symbol constraints, caching the result for an hour.
func (c *RESTClient) Filters(ctx context.Context) (map[string]SymbolFilters, error) {
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	now := c.cfg.Clock()
	if c.filters != nil && now.Sub(c.filtersFrom) < filtersTTL {
		return c.filters, nil
	}

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, true,
		admission.Cost{Weight: weightExchangeInfo}, admission.PriorityLow)
	if err != nil {
		if c.filters != nil {
			// Serve the stale cache rather than failing the pass.
			return c.filters, nil
		}
		return nil, err
	}
	var payload exchangeInfoResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errs.New("exchange/filters", errs.CodeInvalid, errs.WithCause(err))
	}

	filters := make(map[string]SymbolFilters, len(payload.Symbols))
	for _, sym := range payload.Symbols {
		if !strings.EqualFold(sym.Status, "TRADING") {
			continue
		}
		f := SymbolFilters{Symbol: strings.ToUpper(sym.Symbol)}
		for _, filter := range sym.Filters {
			switch strings.ToUpper(filter.FilterType) {
			case "PRICE_FILTER":
				f.TickSize = parseDecimal(filter.TickSize)
			case "LOT_SIZE":
				f.StepSize = parseDecimal(filter.StepSize)
				f.MinQty = parseDecimal(filter.MinQty)
				f.MaxQty = parseDecimal(filter.MaxQty)
			case "MIN_NOTIONAL", "NOTIONAL":
				if filter.MinNotional != "" {
					f.MinNotional = parseDecimal(filter.MinNotional)
				} else {
					f.MinNotional = parseDecimal(filter.Notional)
				}
			}
		}
		filters[f.Symbol] = f
	}
	c.filters = filters
	c.filtersFrom = now
	return filters, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey opens a user-data stream credential.
func (c *RESTClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, false,
		admission.Cost{Weight: weightListenKey}, admission.PriorityLow)
	if err != nil {
		return "", err
	}
	var payload listenKeyResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errs.New("exchange/listen_key", errs.CodeInvalid, errs.WithCause(err))
	}
	if strings.TrimSpace(payload.ListenKey) == "" {
		return "", errs.New("exchange/listen_key", errs.CodeInvalid, errs.WithMessage("empty listen key"))
	}
	return payload.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream credential.
func (c *RESTClient) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", strings.TrimSpace(key))
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false, true,
		admission.Cost{Weight: weightListenKey}, admission.PriorityLow)
	return err
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do admits the request, executes it, syncs usage headers, and maps failures
// onto the error taxonomy. Idempotent requests retry once on transport
// failure; mutations never do.
func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, signed, idempotent bool, cost admission.Cost, priority admission.Priority) ([]byte, error) {
	if err := c.admitter.Admit(ctx, cost, priority); err != nil {
		return nil, err
	}

	body, err := c.execute(ctx, method, path, params, signed)
	if err != nil && idempotent && errs.IsTransient(err) {
		observability.Log().Warn("rest retry after transport failure",
			observability.F("path", path),
			observability.F("error", err.Error()))
		body, err = c.execute(ctx, method, path, params, signed)
	}
	return body, err
}

func (c *RESTClient) execute(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	op := "exchange" + path
	query := ""
	if params != nil {
		query = params.Encode()
	}
	if signed {
		if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
			return nil, errs.New(op, errs.CodeConfig, errs.WithMessage("missing api credentials"))
		}
		signedParams := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				signedParams.Add(k, v)
			}
		}
		signedParams.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
		signedParams.Set("timestamp", strconv.FormatInt(c.cfg.Clock().UTC().UnixMilli(), 10))
		query = signedParams.Encode()
		query += "&signature=" + signPayload(query, c.cfg.APISecret)
	}

	endpoint := c.cfg.BaseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(op, errs.CodeUnavailable, errs.WithCause(ctx.Err()))
		}
		return nil, errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.syncHeaders(resp.Header)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode == http.StatusOK {
		return payload, nil
	}
	return nil, c.mapFailure(op, resp.StatusCode, payload)
}

// mapFailure converts a non-200 response onto the taxonomy. 429/418 mean the
// venue throttled us despite local gating; 4xx with an exchange error body is
// a rejection; everything else is transient.
func (c *RESTClient) mapFailure(op string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	raw := strings.TrimSpace(string(body))
	opts := []errs.Option{errs.WithHTTP(status)}
	if ae.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(ae.Code)), errs.WithRawMessage(ae.Msg))
	} else if raw != "" {
		opts = append(opts, errs.WithRawMessage(raw))
	}

	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return errs.New(op, errs.CodeRateLimited, append(opts,
			errs.WithMessage("venue throttled request"))...)
	case status >= 400 && status < 500:
		return errs.New(op, errs.CodeRejected, opts...)
	default:
		return errs.New(op, errs.CodeNetwork, opts...)
	}
}

func (c *RESTClient) syncHeaders(h http.Header) {
	weight := headerInt(h, headerUsedWeight)
	orders := headerInt(h, headerOrderCount)
	if weight >= 0 || orders >= 0 {
		c.admitter.SyncUsage(weight, orders)
	}
}

func headerInt(h http.Header, name string) int64 {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return -1
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return v
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
