// stream.go maps the venue's WebSocket frames to typed events.
//
// Every frame carries an "e" event-type discriminator. The exchange feeds
// peek at it and unmarshal into the matching struct: ForceOrderFrame from
// the public liquidation stream, KlineFrame from kline subscriptions, and
// OrderTradeUpdateFrame / AccountUpdateFrame from the user-data stream.
package types

import (
	"encoding/json"
	"time"
)

// Event type discriminators.
const (
	EventForceOrder       = "forceOrder"
	EventKline            = "kline"
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventAccountUpdate    = "ACCOUNT_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
)

// StreamEnvelope is the minimal frame header used for routing.
type StreamEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// ForceOrderFrame is one forced-liquidation announcement.
type ForceOrderFrame struct {
	EventType string `json:"e"` // "forceOrder"
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		OrderType    string `json:"o"`
		TimeInForce  string `json:"f"`
		OrigQty      string `json:"q"`
		Price        string `json:"p"`
		AvgPrice     string `json:"ap"`
		Status       string `json:"X"`
		LastFilled   string `json:"l"`
		FilledAccum  string `json:"z"`
		TradeTimeMs  int64  `json:"T"`
	} `json:"o"`
}

// Liquidation normalizes the frame into the internal event record.
func (f ForceOrderFrame) Liquidation() LiquidationEvent {
	price := ParseFloat(f.Order.AvgPrice)
	if price == 0 {
		price = ParseFloat(f.Order.Price)
	}
	return LiquidationEvent{
		Symbol:    f.Order.Symbol,
		Side:      Side(f.Order.Side),
		Status:    f.Order.Status,
		Qty:       ParseFloat(f.Order.OrigQty),
		FilledQty: ParseFloat(f.Order.FilledAccum),
		Price:     price,
		EventTime: time.UnixMilli(f.EventTime),
	}
}

// KlineFrame is a candlestick update. IsClosed is false for intra-bar ticks.
type KlineFrame struct {
	EventType string `json:"e"` // "kline"
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		OpenTimeMs  int64  `json:"t"`
		CloseTimeMs int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Close       string `json:"c"`
		Volume      string `json:"v"`
		IsClosed    bool   `json:"x"`
	} `json:"k"`
}

// Kline converts the frame to the internal bar record.
func (f KlineFrame) Kline() Kline {
	return Kline{
		Symbol:    f.Symbol,
		Interval:  f.K.Interval,
		OpenTime:  time.UnixMilli(f.K.OpenTimeMs),
		CloseTime: time.UnixMilli(f.K.CloseTimeMs),
		Open:      ParseFloat(f.K.Open),
		High:      ParseFloat(f.K.High),
		Low:       ParseFloat(f.K.Low),
		Close:     ParseFloat(f.K.Close),
		Volume:    ParseFloat(f.K.Volume),
	}
}

// CombinedFrame wraps messages from the combined-stream endpoint, which
// nests the payload under "data".
type CombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// OrderTradeUpdateFrame reports an order lifecycle change on the account.
type OrderTradeUpdateFrame struct {
	EventType string `json:"e"` // "ORDER_TRADE_UPDATE"
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		ExecType      string `json:"x"` // NEW, TRADE, CANCELED, EXPIRED
		Status        string `json:"X"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED
		OrderID       int64  `json:"i"`
		FilledAccum   string `json:"z"`
		ReduceOnly    bool   `json:"R"`
		PositionSide  string `json:"ps"`
	} `json:"o"`
}

// OrderUpdate is the normalized order event consumed by the guard and the
// hunter's pending-order eviction.
type OrderUpdate struct {
	Symbol       string
	OrderID      int64
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Status       string
	ExecType     string
	FilledQty    float64
	AvgPrice     float64
	ReduceOnly   bool
	EventTime    time.Time
}

// Update normalizes the frame.
func (f OrderTradeUpdateFrame) Update() OrderUpdate {
	return OrderUpdate{
		Symbol:       f.Order.Symbol,
		OrderID:      f.Order.OrderID,
		Side:         Side(f.Order.Side),
		PositionSide: PositionSide(f.Order.PositionSide),
		Type:         OrderType(f.Order.OrderType),
		Status:       f.Order.Status,
		ExecType:     f.Order.ExecType,
		FilledQty:    ParseFloat(f.Order.FilledAccum),
		AvgPrice:     ParseFloat(f.Order.AvgPrice),
		ReduceOnly:   f.Order.ReduceOnly,
		EventTime:    time.UnixMilli(f.EventTime),
	}
}

// AccountUpdateFrame reports balance and position changes.
type AccountUpdateFrame struct {
	EventType string `json:"e"` // "ACCOUNT_UPDATE"
	EventTime int64  `json:"E"`
	Data      struct {
		Reason    string `json:"m"`
		Positions []struct {
			Symbol       string `json:"s"`
			Amount       string `json:"pa"`
			EntryPrice   string `json:"ep"`
			UnrealizedPn string `json:"up"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// PositionUpdate is one position delta from an account update.
type PositionUpdate struct {
	Symbol        string
	PositionSide  PositionSide
	Amount        float64
	EntryPrice    float64
	UnrealizedPnL float64
	EventTime     time.Time
}

// Positions normalizes the frame's position deltas.
func (f AccountUpdateFrame) Positions() []PositionUpdate {
	out := make([]PositionUpdate, 0, len(f.Data.Positions))
	for _, p := range f.Data.Positions {
		out = append(out, PositionUpdate{
			Symbol:        p.Symbol,
			PositionSide:  PositionSide(p.PositionSide),
			Amount:        ParseFloat(p.Amount),
			EntryPrice:    ParseFloat(p.EntryPrice),
			UnrealizedPnL: ParseFloat(p.UnrealizedPn),
			EventTime:     time.UnixMilli(f.EventTime),
		})
	}
	return out
}
