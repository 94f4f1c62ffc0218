// Package exchange implements the futures venue REST and WebSocket clients.
//
// The REST client (Client) covers every operation the engine needs:
//
//   - ExchangeInfo:    GET  /fapi/v1/exchangeInfo      — precision filters per symbol
//   - MarkPrice:       GET  /fapi/v1/premiumIndex      — current mark price
//   - TickerPrice:     GET  /fapi/v1/ticker/price      — last traded price
//   - OrderBook:       GET  /fapi/v1/depth             — L2 depth snapshot
//   - Klines:          GET  /fapi/v1/klines            — candlesticks for VWAP fallback
//   - Positions:       GET  /fapi/v1/positionRisk      — open positions
//   - OpenOrders:      GET  /fapi/v1/openOrders        — live orders, optionally per symbol
//   - PlaceOrder:      POST /fapi/v1/order             — entries and protective orders
//   - CancelOrder:     DELETE /fapi/v1/order           — by order id
//   - SetLeverage:     POST /fapi/v1/leverage
//   - PositionMode:    GET/POST /fapi/v1/positionSide/dual
//   - Income:          GET  /fapi/v1/income            — realized pnl history
//   - listen key:      POST/PUT/DELETE /fapi/v1/listenKey
//
// Every request is charged against a shared weight bucket, automatically
// retried on network errors and 5xx with bounded backoff, and signed with
// HMAC-SHA256 where the venue requires it. Non-2xx responses with a JSON
// {code,msg} body become classified *APIError values.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"liqhunter/pkg/types"
)

// Client is the signed REST client for the futures venue.
type Client struct {
	http   *resty.Client
	signer *Signer
	bucket *WeightBucket
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(baseURL string, signer *Signer, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		http:   httpClient,
		signer: signer,
		bucket: NewVenueBucket(),
		logger: logger.With("component", "exchange"),
	}
}

// venueError converts a non-2xx response to a classified error. The venue
// puts a machine-readable {code,msg} body on every rejection.
func venueError(op, symbol string, resp *resty.Response) error {
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.Code == 0 {
		return &APIError{
			Kind:   KindProtocol,
			Code:   resp.StatusCode(),
			Msg:    resp.String(),
			Op:     op,
			Symbol: symbol,
		}
	}
	ae := newAPIError(op, symbol, body.Code, body.Msg)
	if ae.Kind == KindRateLimited {
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				ae.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		if ae.RetryAfter == 0 {
			ae.RetryAfter = 30 * time.Second
		}
	}
	return ae
}

// do executes one request. Signed requests get timestamp/recvWindow/signature
// appended; unsigned ones still carry the API key header when present
// (listen-key endpoints need the key but no signature).
func (c *Client) do(ctx context.Context, method, path, op, symbol string, weight int, params url.Values, signed bool, result any) error {
	if err := c.bucket.Wait(ctx, weight); err != nil {
		return netError(op, symbol, err)
	}

	var query string
	if signed {
		query = c.signer.Sign(params)
	} else if params != nil {
		query = params.Encode()
	}

	req := c.http.R().SetContext(ctx)
	if c.signer.APIKey() != "" {
		req.SetHeader("X-MBX-APIKEY", c.signer.APIKey())
	}
	if query != "" {
		req.SetQueryString(query)
	}
	if result != nil {
		req.SetResult(result)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodPut:
		resp, err = req.Put(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("%s: unsupported method %s", op, method)
	}
	if err != nil {
		return netError(op, symbol, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return venueError(op, symbol, resp)
	}
	return nil
}

// exchangeInfoResponse is the subset of exchangeInfo the registry consumes.
type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		Status            string `json:"status"`
		PricePrecision    int    `json:"pricePrecision"`
		QuantityPrecision int    `json:"quantityPrecision"`
		Filters           []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// ExchangeInfo fetches the precision grid for every listed contract.
func (c *Client) ExchangeInfo(ctx context.Context) ([]types.SymbolInfo, error) {
	var raw exchangeInfoResponse
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", "exchangeInfo", "", weightInfo, nil, false, &raw); err != nil {
		return nil, err
	}

	out := make([]types.SymbolInfo, 0, len(raw.Symbols))
	for _, s := range raw.Symbols {
		info := types.SymbolInfo{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.TickSize = types.ParseFloat(f.TickSize)
			case "LOT_SIZE":
				info.StepSize = types.ParseFloat(f.StepSize)
			case "MIN_NOTIONAL":
				n := f.Notional
				if n == "" {
					n = f.MinNotional
				}
				info.MinNotional = types.ParseFloat(n)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// MarkPrice fetches the current mark price for a symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var raw struct {
		MarkPrice string `json:"markPrice"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", "markPrice", symbol, weightLight, params, false, &raw); err != nil {
		return 0, err
	}
	return types.ParseFloat(raw.MarkPrice), nil
}

// TickerPrice fetches the last traded price for a symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	var raw struct {
		Price string `json:"price"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", "tickerPrice", symbol, weightLight, params, false, &raw); err != nil {
		return 0, err
	}
	return types.ParseFloat(raw.Price), nil
}

// OrderBook fetches a depth snapshot. Depth is clamped to the venue's
// supported limits.
func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	params := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(depth)},
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/depth", "orderBook", symbol, weightDepth, params, false, &raw); err != nil {
		return nil, err
	}

	book := &types.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for _, lvl := range raw.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, types.BookLevel{Price: types.ParseFloat(lvl[0]), Qty: types.ParseFloat(lvl[1])})
		}
	}
	for _, lvl := range raw.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, types.BookLevel{Price: types.ParseFloat(lvl[0]), Qty: types.ParseFloat(lvl[1])})
		}
	}
	return book, nil
}

// Klines fetches recent candlesticks. The venue encodes each bar as a
// mixed-type JSON array; numbers we need come back as strings except the
// millisecond timestamps.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	var raw [][]json.RawMessage
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", "klines", symbol, weightKlines, params, false, &raw); err != nil {
		return nil, err
	}

	out := make([]types.Kline, 0, len(raw))
	for _, bar := range raw {
		if len(bar) < 7 {
			continue
		}
		k := types.Kline{Symbol: symbol, Interval: interval}
		var openMs, closeMs int64
		if err := json.Unmarshal(bar[0], &openMs); err != nil {
			return nil, parseError("klines", err)
		}
		if err := json.Unmarshal(bar[6], &closeMs); err != nil {
			return nil, parseError("klines", err)
		}
		k.OpenTime = time.UnixMilli(openMs)
		k.CloseTime = time.UnixMilli(closeMs)
		fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(bar[i+1], &s); err != nil {
				return nil, parseError("klines", err)
			}
			*dst = types.ParseFloat(s)
		}
		out = append(out, k)
	}
	return out, nil
}

// positionRiskEntry is the venue's positionRisk record.
type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// Positions returns every position slot with a non-zero amount.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	var raw []positionRiskEntry
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/positionRisk", "positions", "", weightPositions, url.Values{}, true, &raw); err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		amt := types.ParseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, types.Position{
			Symbol:           p.Symbol,
			PositionSide:     types.PositionSide(p.PositionSide),
			Amount:           amt,
			EntryPrice:       types.ParseFloat(p.EntryPrice),
			MarkPrice:        types.ParseFloat(p.MarkPrice),
			Leverage:         lev,
			UnrealizedPnL:    types.ParseFloat(p.UnRealizedProfit),
			LiquidationPrice: types.ParseFloat(p.LiquidationPrice),
			UpdatedAt:        time.UnixMilli(p.UpdateTime),
		})
	}
	return out, nil
}

// openOrderEntry is the venue's open-order record.
type openOrderEntry struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
}

func (e openOrderEntry) toOpenOrder() types.OpenOrder {
	return types.OpenOrder{
		OrderID:       e.OrderID,
		ClientOrderID: e.ClientOrderID,
		Symbol:        e.Symbol,
		Side:          types.Side(e.Side),
		PositionSide:  types.PositionSide(e.PositionSide),
		Type:          types.OrderType(e.Type),
		Status:        e.Status,
		Price:         types.ParseFloat(e.Price),
		StopPrice:     types.ParseFloat(e.StopPrice),
		OrigQty:       types.ParseFloat(e.OrigQty),
		ExecutedQty:   types.ParseFloat(e.ExecutedQty),
		ReduceOnly:    e.ReduceOnly,
		CreatedAt:     time.UnixMilli(e.Time),
	}
}

// OpenOrders returns live orders, for one symbol or the whole account.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error) {
	params := url.Values{}
	weight := weightOpenAll
	if symbol != "" {
		params.Set("symbol", symbol)
		weight = weightLight
	}
	var raw []openOrderEntry
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", "openOrders", symbol, weight, params, true, &raw); err != nil {
		return nil, err
	}
	out := make([]types.OpenOrder, 0, len(raw))
	for _, e := range raw {
		out = append(out, e.toOpenOrder())
	}
	return out, nil
}

// PlaceOrder submits an order. Price and quantity strings must already be
// snapped to the symbol's grid.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	params := url.Values{
		"symbol":   {req.Symbol},
		"side":     {string(req.Side)},
		"type":     {string(req.Type)},
		"quantity": {req.Quantity},
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.StopPrice != "" {
		params.Set("stopPrice", req.StopPrice)
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", string(req.TimeInForce))
	}
	// The venue rejects an explicit reduceOnly flag in hedge mode; the
	// positionSide already implies it there.
	if req.ReduceOnly && (req.PositionSide == "" || req.PositionSide == types.PositionBoth) {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
	}
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", "placeOrder", req.Symbol, weightLight, params, true, &raw); err != nil {
		return nil, err
	}

	c.logger.Info("order placed",
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"qty", req.Quantity,
		"price", req.Price,
		"stop_price", req.StopPrice,
		"reduce_only", req.ReduceOnly,
		"order_id", raw.OrderID,
	)

	return &types.OrderAck{
		OrderID:       raw.OrderID,
		ClientOrderID: raw.ClientOrderID,
		Symbol:        raw.Symbol,
		Status:        raw.Status,
		Price:         types.ParseFloat(raw.Price),
		OrigQty:       types.ParseFloat(raw.OrigQty),
	}, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", "cancelOrder", symbol, weightLight, params, true, nil)
	if err != nil {
		return err
	}
	c.logger.Info("order cancelled", "symbol", symbol, "order_id", orderID)
	return nil
}

// QueryOrder fetches a single order's state.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64) (*types.OpenOrder, error) {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	var raw openOrderEntry
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/order", "queryOrder", symbol, weightLight, params, true, &raw); err != nil {
		return nil, err
	}
	order := raw.toOpenOrder()
	return &order, nil
}

// SetLeverage sets the symbol's leverage. The call is idempotent.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(leverage)},
	}
	return c.do(ctx, http.MethodPost, "/fapi/v1/leverage", "setLeverage", symbol, weightLight, params, true, nil)
}

// PositionMode reports whether the account runs hedge (dual-side) mode.
func (c *Client) PositionMode(ctx context.Context) (bool, error) {
	var raw struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", "positionMode", "", weightLight, url.Values{}, true, &raw); err != nil {
		return false, err
	}
	return raw.DualSidePosition, nil
}

// SetPositionMode switches the account between one-way and hedge mode.
func (c *Client) SetPositionMode(ctx context.Context, hedge bool) error {
	params := url.Values{
		"dualSidePosition": {strconv.FormatBool(hedge)},
	}
	return c.do(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", "setPositionMode", "", weightLight, params, true, nil)
}

// Income returns account income records in [start, end].
func (c *Client) Income(ctx context.Context, start, end time.Time) ([]types.Income, error) {
	params := url.Values{
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit":     {"1000"},
	}
	var raw []struct {
		Symbol     string `json:"symbol"`
		IncomeType string `json:"incomeType"`
		Income     string `json:"income"`
		Time       int64  `json:"time"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/income", "income", "", weightIncome, params, true, &raw); err != nil {
		return nil, err
	}
	out := make([]types.Income, 0, len(raw))
	for _, r := range raw {
		out = append(out, types.Income{
			Symbol:     r.Symbol,
			IncomeType: r.IncomeType,
			Income:     types.ParseFloat(r.Income),
			Time:       time.UnixMilli(r.Time),
		})
	}
	return out, nil
}

// CreateListenKey opens a user-data stream session. Listen-key endpoints
// authenticate by API key header alone.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var raw struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", "createListenKey", "", weightLight, nil, false, &raw); err != nil {
		return "", err
	}
	return raw.ListenKey, nil
}

// KeepAliveListenKey extends the session; the venue expires idle keys
// after 60 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", "keepAliveListenKey", "", weightLight, nil, false, nil)
}

// CloseListenKey ends the user-data session.
func (c *Client) CloseListenKey(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/fapi/v1/listenKey", "closeListenKey", "", weightLight, nil, false, nil)
}
