// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: order and position
// enums, liquidation events, protective-order mirrors, and the WebSocket
// frame formats of the futures venue. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"strconv"
	"time"
)

// Side is the aggressor direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide identifies which leg of a position an order belongs to.
// One-way accounts use BOTH; hedge accounts use LONG and SHORT.
type PositionSide string

const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderType enumerates the venue order types the engine places.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce values used on limit orders. GTX is post-only: the venue
// rejects the order instead of letting it take liquidity.
type TimeInForce string

const (
	TifGTC TimeInForce = "GTC"
	TifGTX TimeInForce = "GTX"
)

// PlacementMode selects how the hunter enters a position.
type PlacementMode string

const (
	ModeLimit  PlacementMode = "limit"
	ModeMarket PlacementMode = "market"
)

// ProtectiveKind distinguishes the two exit orders every position carries.
type ProtectiveKind string

const (
	KindStopLoss   ProtectiveKind = "SL"
	KindTakeProfit ProtectiveKind = "TP"
)

// LiquidationEvent is one forced close announced on the public stream.
// A SELL liquidation closed longs (a long opportunity for us); BUY closed
// shorts (a short opportunity).
type LiquidationEvent struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Status    string    `json:"status"`
	Qty       float64   `json:"qty"`
	FilledQty float64   `json:"filledQty"`
	Price     float64   `json:"price"`
	EventTime time.Time `json:"eventTime"`
}

// VolumeUSDT is the notional value moved by the liquidation.
func (l LiquidationEvent) VolumeUSDT() float64 {
	return l.FilledQty * l.Price
}

// OpportunitySide maps the liquidation direction to the contrarian entry
// side: SELL liquidations are bought, BUY liquidations are sold.
func (l LiquidationEvent) OpportunitySide() Side {
	return l.Side.Opposite()
}

// ThresholdStatus is the monitor's view of one symbol's rolling windows.
type ThresholdStatus struct {
	Symbol            string    `json:"symbol"`
	LongThreshold     float64   `json:"longThreshold"`
	ShortThreshold    float64   `json:"shortThreshold"`
	RecentLongVolume  float64   `json:"recentLongVolume"`
	RecentShortVolume float64   `json:"recentShortVolume"`
	LongProgress      float64   `json:"longProgress"`  // 0..100
	ShortProgress     float64   `json:"shortProgress"` // 0..100
	LongCount         int       `json:"longCount"`
	ShortCount        int       `json:"shortCount"`
	LastLongTrigger   time.Time `json:"lastLongTrigger"`
	LastShortTrigger  time.Time `json:"lastShortTrigger"`

	// Set on the status emitted for the event that crossed a threshold.
	WillTrigger bool `json:"willTrigger"`
	TriggerSide Side `json:"triggerSide,omitempty"`
}

// PendingOrder tracks an entry order the hunter has in flight. At most one
// exists per symbol (per symbol+side in hedge mode) until it fills, is
// cancelled, or ages past its TTL.
type PendingOrder struct {
	OrderID   int64        `json:"orderId"`
	Symbol    string       `json:"symbol"`
	Side      Side         `json:"side"`
	Position  PositionSide `json:"positionSide"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Position mirrors a venue position. The venue is authoritative; this is a
// cache refreshed by the user-data stream and periodic polls.
type Position struct {
	Symbol           string       `json:"symbol"`
	PositionSide     PositionSide `json:"positionSide"`
	Amount           float64      `json:"amount"` // signed in one-way mode
	EntryPrice       float64      `json:"entryPrice"`
	MarkPrice        float64      `json:"markPrice"`
	Leverage         int          `json:"leverage"`
	UnrealizedPnL    float64      `json:"unrealizedPnl"`
	LiquidationPrice float64      `json:"liquidationPrice"`
	HasStopLoss      bool         `json:"hasStopLoss"`
	HasTakeProfit    bool         `json:"hasTakeProfit"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// IsFlat reports whether the venue considers this position closed.
func (p Position) IsFlat() bool {
	return p.Amount == 0
}

// IsLong reports the direction of a non-flat position, accounting for both
// position modes.
func (p Position) IsLong() bool {
	switch p.PositionSide {
	case PositionLong:
		return true
	case PositionShort:
		return false
	default:
		return p.Amount > 0
	}
}

// AbsAmount returns |Amount|.
func (p Position) AbsAmount() float64 {
	if p.Amount < 0 {
		return -p.Amount
	}
	return p.Amount
}

// CloseSide is the side a reduce-only exit order must carry.
func (p Position) CloseSide() Side {
	if p.IsLong() {
		return SELL
	}
	return BUY
}

// Key identifies the position slot: symbol_LONG / symbol_SHORT in one-way
// mode, with a _HEDGE suffix in hedge mode.
func (p Position) Key() string {
	switch p.PositionSide {
	case PositionLong:
		return p.Symbol + "_LONG_HEDGE"
	case PositionShort:
		return p.Symbol + "_SHORT_HEDGE"
	default:
		if p.Amount >= 0 {
			return p.Symbol + "_LONG"
		}
		return p.Symbol + "_SHORT"
	}
}

// OpenOrder mirrors a live order on the venue.
type OpenOrder struct {
	OrderID       int64        `json:"orderId"`
	ClientOrderID string       `json:"clientOrderId"`
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"positionSide"`
	Type          OrderType    `json:"type"`
	Status        string       `json:"status"`
	Price         float64      `json:"price"`
	StopPrice     float64      `json:"stopPrice"`
	OrigQty       float64      `json:"origQty"`
	ExecutedQty   float64      `json:"executedQty"`
	ReduceOnly    bool         `json:"reduceOnly"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// ProtectiveKind classifies an order as SL or TP by its type, or returns
// false for entry orders.
func (o OpenOrder) ProtectiveKind() (ProtectiveKind, bool) {
	if !o.ReduceOnly {
		return "", false
	}
	switch o.Type {
	case OrderTypeStopMarket:
		return KindStopLoss, true
	case OrderTypeTakeProfitMarket, OrderTypeLimit:
		return KindTakeProfit, true
	}
	return "", false
}

// OrderRequest is the engine-level order placement request the exchange
// client translates into venue parameters.
type OrderRequest struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          OrderType
	Quantity      string // pre-snapped, rendered at quantityPrecision
	Price         string // limit price; empty for market/stop-market
	StopPrice     string // trigger price for STOP_MARKET / TAKE_PROFIT_MARKET
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string // optional idempotency key
}

// OrderAck is the venue's acknowledgement of a placement.
type OrderAck struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	Price         float64 `json:"price"`
	OrigQty       float64 `json:"origQty"`
}

// SymbolInfo carries the precision grid for one contract, memoized from
// exchangeInfo at startup.
type SymbolInfo struct {
	Symbol            string  `json:"symbol"`
	TickSize          float64 `json:"tickSize"`
	StepSize          float64 `json:"stepSize"`
	MinNotional       float64 `json:"minNotional"`
	PricePrecision    int     `json:"pricePrecision"`
	QuantityPrecision int     `json:"quantityPrecision"`
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook is a depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the top bid, or false on an empty side.
func (b *OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, or false on an empty side.
func (b *OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Kline is one candlestick.
type Kline struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// TypicalPrice is (high + low + close) / 3, the per-bar price used in VWAP.
func (k Kline) TypicalPrice() float64 {
	return (k.High + k.Low + k.Close) / 3
}

// VWAPRelation states whether the reference price sits above or below VWAP.
type VWAPRelation string

const (
	VWAPAbove VWAPRelation = "above"
	VWAPBelow VWAPRelation = "below"
)

// VWAPSnapshot is the streamer's latest value for one symbol.
type VWAPSnapshot struct {
	Symbol    string       `json:"symbol"`
	Value     float64      `json:"vwap"`
	Price     float64      `json:"price"`
	Relation  VWAPRelation `json:"position"`
	Timestamp time.Time    `json:"timestamp"`
}

// Fresh reports whether the snapshot is recent enough to gate an entry.
func (v VWAPSnapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(v.Timestamp) <= maxAge
}

// Income is one account income record (realized pnl, funding, commission).
type Income struct {
	Symbol     string    `json:"symbol"`
	IncomeType string    `json:"incomeType"`
	Income     float64   `json:"income"`
	Time       time.Time `json:"time"`
}

// ParseFloat converts the venue's string-encoded numbers, returning 0 for
// empty or malformed fields.
func ParseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
