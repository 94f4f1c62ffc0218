// manager.go implements the position reconciler.
//
// The venue is the source of truth. A pass pulls positions and open orders,
// then converges each position toward the protected state: one reduce-only
// stop loss, one reduce-only take profit, both sized to the live amount.
// Orphaned protective orders are cancelled. Passes are serialized; the
// user-data stream kicks an early pass after fills so drift is short-lived.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"liqhunter/internal/bus"
	"liqhunter/internal/config"
	"liqhunter/internal/exchange"
	"liqhunter/internal/metrics"
	"liqhunter/pkg/types"
)

const (
	reconcileInterval = 7 * time.Second
	// Passes a position may stay unprotected before the condition is
	// escalated to critical.
	missingProtectionLimit = 3
)

// Venue is the slice of the REST client the reconciler mutates through.
type Venue interface {
	Positions(ctx context.Context) ([]types.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error)
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	PositionMode(ctx context.Context) (bool, error)
	SetPositionMode(ctx context.Context, hedge bool) error
}

// Snapper provides grid quantization. Satisfied by market.Registry.
type Snapper interface {
	SnapPrice(symbol string, price float64) string
	SnapQty(symbol string, qty float64) string
	Info(symbol string) types.SymbolInfo
}

// ErrorSink receives classified failures for persistence and broadcast.
type ErrorSink interface {
	Capture(component, symbol, userAction string, err error)
}

// Manager owns the position cache and runs reconcile passes.
type Manager struct {
	venue   Venue
	cfg     *config.Provider
	snapper Snapper
	sink    ErrorSink
	bus     *bus.Bus
	metrics *metrics.Metrics

	mu            sync.Mutex
	positions     map[string]types.Position // keyed by Position.Key()
	marginUsed    map[string]float64        // per symbol
	missingStreak map[string]int            // per position key
	hedge         bool
	paper         bool

	kick chan struct{}
	now  func() time.Time

	logger *slog.Logger
}

// NewManager creates the reconciler. paper disables venue mutation; paper
// positions are fed in by the hunter's synthetic fills.
func NewManager(venue Venue, cfg *config.Provider, snapper Snapper, sink ErrorSink, b *bus.Bus, m *metrics.Metrics, paper bool, logger *slog.Logger) *Manager {
	return &Manager{
		venue:         venue,
		cfg:           cfg,
		snapper:       snapper,
		sink:          sink,
		bus:           b,
		metrics:       m,
		positions:     make(map[string]types.Position),
		marginUsed:    make(map[string]float64),
		missingStreak: make(map[string]int),
		paper:         paper,
		kick:          make(chan struct{}, 1),
		now:           time.Now,
		logger:        logger.With("component", "guard"),
	}
}

// Init discovers the venue's position mode and aligns it with config.
// Called once at startup; the discovered mode wins over stale config.
func (m *Manager) Init(ctx context.Context) error {
	wantHedge := m.cfg.Get().Global.HedgeMode()
	if m.paper {
		m.mu.Lock()
		m.hedge = wantHedge
		m.mu.Unlock()
		return nil
	}

	hedge, err := m.venue.PositionMode(ctx)
	if err != nil {
		return fmt.Errorf("query position mode: %w", err)
	}
	if hedge != wantHedge {
		if err := m.venue.SetPositionMode(ctx, wantHedge); err != nil {
			// Switching fails while positions are open; run with the
			// venue's actual mode instead of fighting it.
			m.logger.Warn("position mode switch rejected, adopting venue mode",
				"venue_hedge", hedge, "config_hedge", wantHedge, "error", err)
			wantHedge = hedge
		}
	}
	m.mu.Lock()
	m.hedge = wantHedge
	m.mu.Unlock()
	m.logger.Info("position mode resolved", "hedge", wantHedge)
	return nil
}

// HedgeMode reports the operative position mode.
func (m *Manager) HedgeMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hedge
}

// Kick requests an early reconcile pass.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run drives periodic passes until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.kick:
		}
		if err := m.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("reconcile pass failed", "error", err)
			m.sink.Capture("guard", "", "reconcile", err)
		}
	}
}

// Positions returns a snapshot of the cached positions.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// OpenCount returns the number of open positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// MarginUsed returns the margin committed to one symbol.
func (m *Manager) MarginUsed(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marginUsed[symbol]
}

// ApplyOrderUpdate folds a user-data order event into the cache and kicks
// a pass on fills and cancels.
func (m *Manager) ApplyOrderUpdate(upd types.OrderUpdate) {
	m.bus.Publish(bus.TopicOrder, upd)
	switch upd.ExecType {
	case "TRADE", "CANCELED", "EXPIRED":
		m.Kick()
	}
}

// ApplyPositionUpdate folds a user-data position delta into the cache.
func (m *Manager) ApplyPositionUpdate(upd types.PositionUpdate) {
	pos := types.Position{
		Symbol:       upd.Symbol,
		PositionSide: upd.PositionSide,
		Amount:       upd.Amount,
		EntryPrice:   upd.EntryPrice,
		UnrealizedPnL: upd.UnrealizedPnL,
		UpdatedAt:    upd.EventTime,
	}
	key := pos.Key()

	m.mu.Lock()
	if pos.IsFlat() {
		delete(m.positions, key)
		delete(m.missingStreak, key)
	} else {
		if prev, ok := m.positions[key]; ok {
			pos.Leverage = prev.Leverage
			pos.HasStopLoss = prev.HasStopLoss
			pos.HasTakeProfit = prev.HasTakeProfit
		}
		m.positions[key] = pos
	}
	m.recomputeMarginLocked()
	m.mu.Unlock()

	m.bus.Publish(bus.TopicPosition, pos)
	m.Kick()
}

// RecordPaperPosition installs a synthetic position opened in paper mode.
func (m *Manager) RecordPaperPosition(pos types.Position) {
	pos.HasStopLoss = true
	pos.HasTakeProfit = true
	key := pos.Key()
	m.mu.Lock()
	m.positions[key] = pos
	m.recomputeMarginLocked()
	m.mu.Unlock()
	m.bus.Publish(bus.TopicPosition, pos)
}

// Reconcile runs one pass. Safe to call concurrently with event folding;
// passes themselves never overlap because Run is the only caller in
// production.
func (m *Manager) Reconcile(ctx context.Context) error {
	if m.paper {
		m.mu.Lock()
		m.recomputeMarginLocked()
		open := len(m.positions)
		m.mu.Unlock()
		m.metrics.OpenPositions.Set(float64(open))
		m.metrics.ReconcilePass.Inc()
		return nil
	}

	positions, err := m.venue.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	orders, err := m.venue.OpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	for i := range positions {
		m.converge(ctx, &positions[i], orders)
	}
	m.reapOrphans(ctx, positions, orders)

	m.mu.Lock()
	next := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		next[p.Key()] = p
	}
	// Drop streaks for positions that closed.
	for key := range m.missingStreak {
		if _, ok := next[key]; !ok {
			delete(m.missingStreak, key)
		}
	}
	m.positions = next
	m.recomputeMarginLocked()
	open := len(m.positions)
	m.mu.Unlock()

	m.metrics.OpenPositions.Set(float64(open))
	m.metrics.ReconcilePass.Inc()
	return nil
}

// converge drives one position toward the protected state and annotates
// its protection flags in place.
func (m *Manager) converge(ctx context.Context, pos *types.Position, orders []types.OpenOrder) {
	sc, configured := m.cfg.Symbol(pos.Symbol)
	if !configured {
		return
	}

	sls, tps := protectiveFor(*pos, orders)
	amount := pos.AbsAmount()
	step := m.snapper.Info(pos.Symbol).StepSize
	key := pos.Key()

	// The streak counts passes that began unprotected.
	if len(sls) == 0 || len(tps) == 0 {
		m.mu.Lock()
		m.missingStreak[key]++
		streak := m.missingStreak[key]
		m.mu.Unlock()
		if streak == missingProtectionLimit {
			err := fmt.Errorf("position %s unprotected for %d passes", key, streak)
			m.logger.Error("missing protection", "position", key, "passes", streak)
			m.sink.Capture("guard", pos.Symbol, "protect", err)
		}
	} else {
		m.mu.Lock()
		delete(m.missingStreak, key)
		m.mu.Unlock()
	}

	sls = m.trimDuplicates(ctx, pos.Symbol, sls, amount)
	tps = m.trimDuplicates(ctx, pos.Symbol, tps, amount)

	if len(sls) == 0 {
		m.placeStopLoss(ctx, *pos, sc)
	} else if NeedsResize(sls[0].OrigQty, amount, step) {
		m.replaceProtective(ctx, *pos, sc, sls[0], types.KindStopLoss)
	}
	if len(tps) == 0 {
		m.placeTakeProfit(ctx, *pos, sc)
	} else if NeedsResize(tps[0].OrigQty, amount, step) {
		m.replaceProtective(ctx, *pos, sc, tps[0], types.KindTakeProfit)
	}

	pos.HasStopLoss = len(sls) > 0
	pos.HasTakeProfit = len(tps) > 0
}

// trimDuplicates cancels all but the best-matching protective order.
func (m *Manager) trimDuplicates(ctx context.Context, symbol string, orders []types.OpenOrder, amount float64) []types.OpenOrder {
	if len(orders) <= 1 {
		return orders
	}
	keeper, extras := SelectKeeper(orders, amount)
	for _, o := range extras {
		if err := m.venue.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			m.logger.Warn("cancel duplicate protective failed", "symbol", symbol, "order_id", o.OrderID, "error", err)
			m.sink.Capture("guard", symbol, "cancel_duplicate", err)
			continue
		}
		m.metrics.ReconcileFixes.WithLabelValues("cancel_duplicate").Inc()
	}
	return []types.OpenOrder{keeper}
}

func (m *Manager) placeStopLoss(ctx context.Context, pos types.Position, sc config.SymbolConfig) {
	trigger := SLPrice(pos.EntryPrice, sc.StopLossPercent, pos.IsLong())
	req := m.protectiveRequest(pos, types.OrderRequest{
		Symbol:    pos.Symbol,
		Side:      pos.CloseSide(),
		Type:      types.OrderTypeStopMarket,
		Quantity:  m.snapper.SnapQty(pos.Symbol, pos.AbsAmount()),
		StopPrice: m.snapper.SnapPrice(pos.Symbol, trigger),
	})
	if _, err := m.placeWithModeRetry(ctx, req); err != nil {
		m.logger.Error("stop loss placement failed", "symbol", pos.Symbol, "error", err)
		m.sink.Capture("guard", pos.Symbol, "place_sl", err)
		return
	}
	m.metrics.ReconcileFixes.WithLabelValues("place_sl").Inc()
	m.logger.Info("stop loss placed", "symbol", pos.Symbol, "trigger", req.StopPrice, "qty", req.Quantity)
}

func (m *Manager) placeTakeProfit(ctx context.Context, pos types.Position, sc config.SymbolConfig) {
	price := TPPrice(pos.EntryPrice, sc.TakeProfitPercent, pos.IsLong())
	req := m.protectiveRequest(pos, types.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        pos.CloseSide(),
		Type:        types.OrderTypeLimit,
		Quantity:    m.snapper.SnapQty(pos.Symbol, pos.AbsAmount()),
		Price:       m.snapper.SnapPrice(pos.Symbol, price),
		TimeInForce: types.TifGTC,
	})
	if _, err := m.placeWithModeRetry(ctx, req); err != nil {
		m.logger.Error("take profit placement failed", "symbol", pos.Symbol, "error", err)
		m.sink.Capture("guard", pos.Symbol, "place_tp", err)
		return
	}
	m.metrics.ReconcileFixes.WithLabelValues("place_tp").Inc()
	m.logger.Info("take profit placed", "symbol", pos.Symbol, "price", req.Price, "qty", req.Quantity)
}

// replaceProtective cancels a drifted order and places a fresh one.
func (m *Manager) replaceProtective(ctx context.Context, pos types.Position, sc config.SymbolConfig, stale types.OpenOrder, kind types.ProtectiveKind) {
	if err := m.venue.CancelOrder(ctx, pos.Symbol, stale.OrderID); err != nil {
		m.logger.Warn("cancel drifted protective failed", "symbol", pos.Symbol, "order_id", stale.OrderID, "error", err)
		m.sink.Capture("guard", pos.Symbol, "cancel_drifted", err)
		return
	}
	m.metrics.ReconcileFixes.WithLabelValues("resize").Inc()
	if kind == types.KindStopLoss {
		m.placeStopLoss(ctx, pos, sc)
	} else {
		m.placeTakeProfit(ctx, pos, sc)
	}
}

// protectiveRequest stamps mode-dependent fields onto a protective order.
func (m *Manager) protectiveRequest(pos types.Position, req types.OrderRequest) types.OrderRequest {
	if m.HedgeMode() {
		req.PositionSide = pos.PositionSide
	} else {
		req.PositionSide = types.PositionBoth
		req.ReduceOnly = true
	}
	return req
}

// placeWithModeRetry submits an order, retrying exactly once with flipped
// position-mode semantics when the venue disagrees about the mode. On a
// successful retry the discovered mode is adopted for the rest of the run.
func (m *Manager) placeWithModeRetry(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	ack, err := m.venue.PlaceOrder(ctx, req)
	if err == nil || exchange.KindOf(err) != exchange.KindPositionModeMismatch {
		return ack, err
	}

	flippedHedge := !m.HedgeMode()
	retry := req
	if flippedHedge {
		if req.Side == types.BUY {
			// Closing a short in hedge mode.
			retry.PositionSide = types.PositionShort
		} else {
			retry.PositionSide = types.PositionLong
		}
		retry.ReduceOnly = false
	} else {
		retry.PositionSide = types.PositionBoth
		retry.ReduceOnly = true
	}

	ack, retryErr := m.venue.PlaceOrder(ctx, retry)
	if retryErr != nil {
		return nil, err
	}

	m.mu.Lock()
	m.hedge = flippedHedge
	m.mu.Unlock()
	m.logger.Warn("position mode corrected from venue rejection", "hedge", flippedHedge)
	return ack, nil
}

// reapOrphans cancels reduce-only protective orders with no live position
// behind them.
func (m *Manager) reapOrphans(ctx context.Context, positions []types.Position, orders []types.OpenOrder) {
	for _, o := range orders {
		if _, ok := o.ProtectiveKind(); !ok {
			continue
		}
		if hasBacking(o, positions) {
			continue
		}
		if err := m.venue.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			m.logger.Warn("orphan cancel failed", "symbol", o.Symbol, "order_id", o.OrderID, "error", err)
			m.sink.Capture("guard", o.Symbol, "reap_orphan", err)
			continue
		}
		m.metrics.ReconcileFixes.WithLabelValues("reap_orphan").Inc()
		m.logger.Info("orphan protective cancelled", "symbol", o.Symbol, "order_id", o.OrderID)
	}
}

// hasBacking reports whether a protective order corresponds to a position.
func hasBacking(o types.OpenOrder, positions []types.Position) bool {
	for _, p := range positions {
		if p.Symbol != o.Symbol || p.IsFlat() {
			continue
		}
		if p.CloseSide() != o.Side {
			continue
		}
		if o.PositionSide != "" && o.PositionSide != types.PositionBoth && o.PositionSide != p.PositionSide {
			continue
		}
		return true
	}
	return false
}

// recomputeMarginLocked rebuilds the per-symbol margin map. Caller holds mu.
func (m *Manager) recomputeMarginLocked() {
	for k := range m.marginUsed {
		delete(m.marginUsed, k)
	}
	for _, p := range m.positions {
		lev := p.Leverage
		if lev <= 0 {
			if sc, ok := m.cfg.Symbol(p.Symbol); ok && sc.Leverage > 0 {
				lev = sc.Leverage
			} else {
				lev = 1
			}
		}
		margin := p.AbsAmount() * p.EntryPrice / float64(lev)
		m.marginUsed[p.Symbol] += margin
		m.metrics.MarginUsed.WithLabelValues(p.Symbol).Set(m.marginUsed[p.Symbol])
	}
}
