// hunter.go runs the decision and placement pipeline.
//
// Events are processed serially so per-symbol ordering is preserved: gate
// checks, admission control, pricing, sizing, leverage, placement, and the
// single limit-to-market fallback all happen inline before the next event
// is read.
package hunter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"liqhunter/internal/bus"
	"liqhunter/internal/config"
	"liqhunter/internal/exchange"
	"liqhunter/internal/market"
	"liqhunter/internal/metrics"
	"liqhunter/pkg/types"
)

const (
	// Maximum distance between liquidation price and mark price for an
	// entry to still be considered near the cascade.
	proximityLimit = 0.01

	bookDepth            = 20
	housekeepingInterval = 30 * time.Second
)

// Venue is the slice of the REST client the hunter places through.
type Venue interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error)
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Positions is the guard-owned state the hunter reads for admission.
type Positions interface {
	OpenCount() int
	MarginUsed(symbol string) float64
	HedgeMode() bool
	RecordPaperPosition(pos types.Position)
}

// ThresholdSource is the monitor's per-event evaluation.
type ThresholdSource interface {
	Observe(evt types.LiquidationEvent) (types.ThresholdStatus, bool)
}

// Registry provides grid snapping and notional checks.
type Registry interface {
	SnapPrice(symbol string, price float64) string
	SnapQty(symbol string, qty float64) string
	Info(symbol string) types.SymbolInfo
}

// ErrorSink receives classified failures.
type ErrorSink interface {
	Capture(component, symbol, userAction string, err error)
}

// LiquidationNotice is the enriched event republished for subscribers.
type LiquidationNotice struct {
	Event     types.LiquidationEvent `json:"event"`
	Threshold *types.ThresholdStatus `json:"threshold,omitempty"`
}

// TradeBlocked reports an entry stopped by a pre-placement gate.
type TradeBlocked struct {
	Symbol string     `json:"symbol"`
	Side   types.Side `json:"side"`
	Reason string     `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// OrderPlaced reports a successful entry placement.
type OrderPlaced struct {
	Symbol  string          `json:"symbol"`
	Side    types.Side      `json:"side"`
	Type    types.OrderType `json:"type"`
	OrderID int64           `json:"orderId"`
	Price   string          `json:"price,omitempty"`
	Qty     string          `json:"qty"`
}

// Hunter consumes liquidations and opens contrarian positions.
type Hunter struct {
	venue     Venue
	cfg       *config.Provider
	registry  Registry
	vwap      *market.VWAPStreamer
	monitor   ThresholdSource
	positions Positions
	pending   *pendingBook
	archive   *Archive
	bus       *bus.Bus
	metrics   *metrics.Metrics
	sink      ErrorSink

	paper bool

	levMu       sync.Mutex
	leverageSet map[string]int

	logger *slog.Logger
}

// New creates the hunter.
func New(venue Venue, cfg *config.Provider, registry Registry, vwap *market.VWAPStreamer, monitor ThresholdSource, positions Positions, archive *Archive, b *bus.Bus, m *metrics.Metrics, sink ErrorSink, paper bool, logger *slog.Logger) *Hunter {
	return &Hunter{
		venue:       venue,
		cfg:         cfg,
		registry:    registry,
		vwap:        vwap,
		monitor:     monitor,
		positions:   positions,
		pending:     newPendingBook(),
		archive:     archive,
		bus:         b,
		metrics:     m,
		sink:        sink,
		paper:       paper,
		leverageSet: make(map[string]int),
		logger:      logger.With("component", "hunter"),
	}
}

// PendingCount returns the number of in-flight entries.
func (h *Hunter) PendingCount() int { return h.pending.count() }

// PendingOrders returns the in-flight entry snapshot.
func (h *Hunter) PendingOrders() []types.PendingOrder { return h.pending.snapshot() }

// Run consumes events until ctx ends. Housekeeping evicts stale pending
// entries on a timer.
func (h *Hunter) Run(ctx context.Context, events <-chan types.LiquidationEvent) error {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.housekeep()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			h.Process(ctx, evt)
		}
	}
}

// HandleOrderUpdate evicts the pending entry when its order reaches a
// terminal state.
func (h *Hunter) HandleOrderUpdate(upd types.OrderUpdate) {
	switch upd.Status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		if h.pending.releaseByOrderID(upd.OrderID) {
			h.metrics.PendingOrders.Set(float64(h.pending.count()))
			h.logger.Info("pending entry resolved",
				"symbol", upd.Symbol, "order_id", upd.OrderID, "status", upd.Status)
		}
	}
}

func (h *Hunter) housekeep() {
	for _, p := range h.pending.evictExpired() {
		h.logger.Warn("pending entry expired", "symbol", p.Symbol, "order_id", p.OrderID, "age", time.Since(p.CreatedAt))
	}
	h.metrics.PendingOrders.Set(float64(h.pending.count()))
}

// Process runs the full pipeline for one liquidation event.
func (h *Hunter) Process(ctx context.Context, evt types.LiquidationEvent) {
	h.archive.Add(evt)
	h.metrics.Liquidations.WithLabelValues(evt.Symbol, string(evt.Side)).Inc()

	status, tracked := h.monitor.Observe(evt)
	notice := LiquidationNotice{Event: evt}
	if tracked {
		notice.Threshold = &status
	}
	h.bus.Publish(bus.TopicLiquidation, notice)

	cfg := h.cfg.Get()
	sc, configured := cfg.Symbols[evt.Symbol]
	if !configured {
		return
	}

	side := evt.OpportunitySide()

	// Volume gate.
	if cfg.Global.UseThresholdSystem && sc.UseThreshold {
		if !tracked || !status.WillTrigger || status.TriggerSide != side {
			return
		}
		h.metrics.Triggers.WithLabelValues(evt.Symbol, string(side)).Inc()
	} else if evt.VolumeUSDT() < sc.SideThreshold(side) {
		return
	}

	// Price proximity gate.
	mark, err := h.venue.MarkPrice(ctx, evt.Symbol)
	if err != nil {
		h.sink.Capture("hunter", evt.Symbol, "mark_price", err)
		return
	}
	if !withinProximity(evt.Price, mark, side) {
		h.block(evt.Symbol, side, "proximity",
			fmt.Sprintf("liq price %.8g vs mark %.8g", evt.Price, mark))
		return
	}

	// VWAP gate.
	if sc.VWAPProtection {
		snap, err := h.vwap.Resolve(ctx, evt.Symbol, evt.Price, market.DefaultVWAPMaxAge)
		if err != nil {
			h.sink.Capture("hunter", evt.Symbol, "vwap", err)
			return
		}
		if (side == types.BUY && evt.Price >= snap.Value) ||
			(side == types.SELL && evt.Price <= snap.Value) {
			h.block(evt.Symbol, side, "vwap",
				fmt.Sprintf("price %.8g on wrong side of vwap %.8g", evt.Price, snap.Value))
			return
		}
	}

	// Admission control.
	hedge := h.positions.HedgeMode()
	if h.positions.OpenCount()+h.pending.count() >= cfg.Global.MaxOpenPositions {
		h.block(evt.Symbol, side, "max_positions", "")
		return
	}
	tradeSize := sc.TradeSize(side)
	if tradeSize <= 0 {
		return
	}
	if sc.MaxMarginUSDT > 0 && h.positions.MarginUsed(evt.Symbol)+tradeSize > sc.MaxMarginUSDT {
		h.block(evt.Symbol, side, "max_margin", "")
		return
	}
	if !h.pending.tryReserve(evt.Symbol, side, hedge) {
		h.block(evt.Symbol, side, "in_flight", "")
		return
	}
	h.metrics.PendingOrders.Set(float64(h.pending.count()))

	if err := h.enter(ctx, evt, sc, side, mark, hedge); err != nil {
		h.pending.release(evt.Symbol, side, hedge)
		h.metrics.PendingOrders.Set(float64(h.pending.count()))
		h.metrics.OrdersFailed.WithLabelValues(evt.Symbol, string(exchange.KindOf(err))).Inc()
		h.logger.Error("entry failed", "symbol", evt.Symbol, "side", side, "error", err)
		h.sink.Capture("hunter", evt.Symbol, "place_entry", err)
	}
}

// enter prices, sizes, and places the order; the pending slot is already
// reserved and is confirmed or released by the caller.
func (h *Hunter) enter(ctx context.Context, evt types.LiquidationEvent, sc config.SymbolConfig, side types.Side, mark float64, hedge bool) error {
	mode := sc.OrderMode
	refPrice := mark
	var limitPrice float64

	if mode == types.ModeLimit {
		book, err := h.venue.OrderBook(ctx, evt.Symbol, bookDepth)
		if err != nil {
			return fmt.Errorf("order book: %w", err)
		}
		price, ok := proposeLimitPrice(book, side, sc.PriceOffsetBps, sc.PostOnly)
		if !ok {
			mode = types.ModeMarket
		} else {
			limitPrice = price
			refPrice = price
			if sc.MaxSlippageBps > 0 {
				qtyEstimate := sc.TradeSize(side) * float64(sc.Leverage) / price
				if slip, fillable := estimateSlippageBps(book, side, qtyEstimate); !fillable || slip > sc.MaxSlippageBps {
					h.logger.Info("thin book, downgrading to market",
						"symbol", evt.Symbol, "slippage_bps", slip, "max_bps", sc.MaxSlippageBps)
					mode = types.ModeMarket
					refPrice = mark
				}
			}
		}
	}

	qty, err := h.size(evt.Symbol, sc, side, refPrice)
	if err != nil {
		return err
	}

	if err := h.ensureLeverage(ctx, evt.Symbol, sc.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}

	posSide := types.PositionBoth
	if hedge {
		posSide = types.PositionLong
		if side == types.SELL {
			posSide = types.PositionShort
		}
	}

	if h.paper {
		h.paperFill(evt.Symbol, sc, side, posSide, qty, refPrice, hedge)
		return nil
	}

	req := types.OrderRequest{
		Symbol:       evt.Symbol,
		Side:         side,
		PositionSide: posSide,
		Quantity:     qty,
	}
	if mode == types.ModeLimit {
		req.Type = types.OrderTypeLimit
		req.Price = h.registry.SnapPrice(evt.Symbol, limitPrice)
		req.TimeInForce = types.TifGTC
		if sc.PostOnly {
			req.TimeInForce = types.TifGTX
		}
	} else {
		req.Type = types.OrderTypeMarket
	}

	ack, err := h.venue.PlaceOrder(ctx, req)
	if err != nil && mode == types.ModeLimit && exchange.IsRecoverablePlacement(err) {
		h.logger.Warn("limit entry failed, retrying as market",
			"symbol", evt.Symbol, "kind", exchange.KindOf(err), "error", err)
		fallback := types.OrderRequest{
			Symbol:       evt.Symbol,
			Side:         side,
			PositionSide: posSide,
			Type:         types.OrderTypeMarket,
			Quantity:     qty,
		}
		ack, err = h.venue.PlaceOrder(ctx, fallback)
		if err == nil {
			req = fallback
		}
	}
	if err != nil {
		return err
	}

	h.pending.confirm(evt.Symbol, side, hedge, ack.OrderID, posSide)
	h.metrics.OrdersPlaced.WithLabelValues(evt.Symbol, string(req.Type)).Inc()
	h.bus.Publish(bus.TopicOrder, OrderPlaced{
		Symbol:  evt.Symbol,
		Side:    side,
		Type:    req.Type,
		OrderID: ack.OrderID,
		Price:   req.Price,
		Qty:     qty,
	})
	h.logger.Info("entry placed",
		"symbol", evt.Symbol, "side", side, "type", req.Type,
		"qty", qty, "price", req.Price, "order_id", ack.OrderID)
	return nil
}

// size computes the snapped order quantity, lifting the notional to the
// venue minimum when the configured trade size is too small.
func (h *Hunter) size(symbol string, sc config.SymbolConfig, side types.Side, price float64) (string, error) {
	if price <= 0 {
		return "", &exchange.APIError{Kind: exchange.KindProtocol, Op: "size", Symbol: symbol, Msg: "no reference price"}
	}
	info := h.registry.Info(symbol)

	notional := sc.TradeSize(side) * float64(sc.Leverage)
	floor := info.MinNotional * 1.01
	if notional < floor {
		notional = floor
	}

	qty := notional / price
	snapped := h.registry.SnapQty(symbol, qty)
	qtyF := types.ParseFloat(snapped)

	// Snapping floors; top up a step at a time until the minimum clears.
	for i := 0; qtyF*price < info.MinNotional && i < 3; i++ {
		qty += info.StepSize
		snapped = h.registry.SnapQty(symbol, qty)
		qtyF = types.ParseFloat(snapped)
	}
	if qtyF <= 0 || qtyF*price < info.MinNotional {
		return "", &exchange.APIError{
			Kind:   exchange.KindNotional,
			Op:     "size",
			Symbol: symbol,
			Msg:    fmt.Sprintf("notional %.4f below minimum %.4f", qtyF*price, info.MinNotional),
		}
	}
	return snapped, nil
}

// ensureLeverage applies the configured leverage once per symbol per value.
func (h *Hunter) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	h.levMu.Lock()
	applied := h.leverageSet[symbol]
	h.levMu.Unlock()
	if applied == leverage || h.paper {
		return nil
	}
	if err := h.venue.SetLeverage(ctx, symbol, leverage); err != nil {
		return err
	}
	h.levMu.Lock()
	h.leverageSet[symbol] = leverage
	h.levMu.Unlock()
	return nil
}

// paperFill short-circuits placement: the entry fills instantly at the
// reference price and the synthetic position lands in the guard's cache.
func (h *Hunter) paperFill(symbol string, sc config.SymbolConfig, side types.Side, posSide types.PositionSide, qty string, price float64, hedge bool) {
	amount := types.ParseFloat(qty)
	if side == types.SELL {
		amount = -amount
	}
	pos := types.Position{
		Symbol:       symbol,
		PositionSide: posSide,
		Amount:       amount,
		EntryPrice:   price,
		MarkPrice:    price,
		Leverage:     sc.Leverage,
		UpdatedAt:    time.Now(),
	}
	h.positions.RecordPaperPosition(pos)
	h.pending.release(symbol, side, hedge)
	h.metrics.PendingOrders.Set(float64(h.pending.count()))
	h.metrics.OrdersPlaced.WithLabelValues(symbol, "PAPER").Inc()
	h.logger.Info("paper entry filled", "symbol", symbol, "side", side, "qty", qty, "price", price)
}

// block publishes a tradeBlocked event.
func (h *Hunter) block(symbol string, side types.Side, reason, detail string) {
	h.metrics.TradesBlocked.WithLabelValues(symbol, reason).Inc()
	h.bus.Publish(bus.TopicOrder, TradeBlocked{Symbol: symbol, Side: side, Reason: reason, Detail: detail})
	h.logger.Info("trade blocked", "symbol", symbol, "side", side, "reason", reason, "detail", detail)
}

// withinProximity checks the contrarian price band: a BUY must not chase a
// price already 1% above mark, a SELL not 1% below.
func withinProximity(price, mark float64, side types.Side) bool {
	if mark <= 0 {
		return false
	}
	if side == types.BUY {
		return price < mark*(1+proximityLimit)
	}
	return price > mark*(1-proximityLimit)
}
