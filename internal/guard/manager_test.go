package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"liqhunter/internal/bus"
	"liqhunter/internal/config"
	"liqhunter/internal/exchange"
	"liqhunter/internal/metrics"
	"liqhunter/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeVenue is an in-memory venue. Placed protective orders become open
// orders immediately, so a second pass sees its own repairs.
type fakeVenue struct {
	positions []types.Position
	orders    []types.OpenOrder

	placed    []types.OrderRequest
	cancelled []int64

	placeErrs []error // popped per PlaceOrder call
	nextID    int64

	hedgeMode     bool
	modeSwitchErr error
}

func (f *fakeVenue) Positions(context.Context) ([]types.Position, error) {
	return append([]types.Position(nil), f.positions...), nil
}

func (f *fakeVenue) OpenOrders(context.Context, string) ([]types.OpenOrder, error) {
	return append([]types.OpenOrder(nil), f.orders...), nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	f.placed = append(f.placed, req)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	f.orders = append(f.orders, types.OpenOrder{
		OrderID:      f.nextID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		PositionSide: req.PositionSide,
		Type:         req.Type,
		Status:       "NEW",
		Price:        types.ParseFloat(req.Price),
		StopPrice:    types.ParseFloat(req.StopPrice),
		OrigQty:      types.ParseFloat(req.Quantity),
		ReduceOnly:   req.ReduceOnly || (req.PositionSide != "" && req.PositionSide != types.PositionBoth),
	})
	return &types.OrderAck{OrderID: f.nextID, Symbol: req.Symbol, Status: "NEW"}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.cancelled = append(f.cancelled, orderID)
	keep := f.orders[:0]
	for _, o := range f.orders {
		if o.OrderID != orderID {
			keep = append(keep, o)
		}
	}
	f.orders = keep
	return nil
}

func (f *fakeVenue) PositionMode(context.Context) (bool, error) { return f.hedgeMode, nil }

func (f *fakeVenue) SetPositionMode(_ context.Context, hedge bool) error {
	if f.modeSwitchErr != nil {
		return f.modeSwitchErr
	}
	f.hedgeMode = hedge
	return nil
}

type fakeSnapper struct{}

func (fakeSnapper) SnapPrice(_ string, price float64) string { return fmt.Sprintf("%.2f", price) }
func (fakeSnapper) SnapQty(_ string, qty float64) string     { return fmt.Sprintf("%.3f", qty) }
func (fakeSnapper) Info(symbol string) types.SymbolInfo {
	return types.SymbolInfo{Symbol: symbol, TickSize: 0.01, StepSize: 0.001, MinNotional: 5, PricePrecision: 2, QuantityPrecision: 3}
}

type capture struct {
	component, symbol, action string
	err                       error
}

type fakeSink struct{ captures []capture }

func (s *fakeSink) Capture(component, symbol, userAction string, err error) {
	s.captures = append(s.captures, capture{component, symbol, userAction, err})
}

func guardConfig(mode string) *config.Provider {
	return config.NewProvider(&config.Config{
		Global: config.GlobalConfig{PositionMode: mode, MaxOpenPositions: 5},
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {
				Leverage:          5,
				StopLossPercent:   2,
				TakeProfitPercent: 5,
				LongTradeSizeUSDT: 100,
				OrderMode:         types.ModeLimit,
			},
		},
	})
}

func newTestManager(venue *fakeVenue, mode string, paper bool) (*Manager, *fakeSink) {
	sink := &fakeSink{}
	m := NewManager(venue, guardConfig(mode), fakeSnapper{}, sink, bus.New(), metrics.New(), paper, testLogger())
	return m, sink
}

func longPosition(amount float64) types.Position {
	return types.Position{
		Symbol:       "BTCUSDT",
		PositionSide: types.PositionBoth,
		Amount:       amount,
		EntryPrice:   30000,
		Leverage:     5,
	}
}

func TestReconcileProtectsNakedPosition(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{positions: []types.Position{longPosition(0.01)}}
	m, _ := newTestManager(venue, "one-way", false)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(venue.placed) != 2 {
		t.Fatalf("placed %d orders, want SL and TP", len(venue.placed))
	}
	var sl, tp *types.OrderRequest
	for i := range venue.placed {
		switch venue.placed[i].Type {
		case types.OrderTypeStopMarket:
			sl = &venue.placed[i]
		case types.OrderTypeLimit:
			tp = &venue.placed[i]
		}
	}
	if sl == nil || tp == nil {
		t.Fatalf("placed = %+v", venue.placed)
	}
	if sl.Side != types.SELL || !sl.ReduceOnly || sl.StopPrice != "29400.00" {
		t.Errorf("SL request = %+v", sl)
	}
	if tp.Side != types.SELL || !tp.ReduceOnly || tp.Price != "31500.00" || tp.TimeInForce != types.TifGTC {
		t.Errorf("TP request = %+v", tp)
	}
	if sl.Quantity != "0.010" {
		t.Errorf("SL qty = %q", sl.Quantity)
	}

	if m.OpenCount() != 1 {
		t.Errorf("cached positions = %d", m.OpenCount())
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{positions: []types.Position{longPosition(0.01)}}
	m, _ := newTestManager(venue, "one-way", false)

	for i := 0; i < 3; i++ {
		if err := m.Reconcile(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	if len(venue.placed) != 2 {
		t.Errorf("repeat passes placed %d orders, want the initial 2 only", len(venue.placed))
	}
	if len(venue.cancelled) != 0 {
		t.Errorf("repeat passes cancelled %v", venue.cancelled)
	}
}

func TestReconcileReapsOrphans(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		orders: []types.OpenOrder{
			{OrderID: 9, Symbol: "ETHUSDT", Side: types.SELL, Type: types.OrderTypeStopMarket, ReduceOnly: true, OrigQty: 1},
			{OrderID: 10, Symbol: "ETHUSDT", Side: types.BUY, Type: types.OrderTypeLimit, ReduceOnly: false, OrigQty: 1}, // entry, untouched
		},
	}
	m, _ := newTestManager(venue, "one-way", false)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(venue.cancelled) != 1 || venue.cancelled[0] != 9 {
		t.Errorf("cancelled = %v, want only the orphan protective", venue.cancelled)
	}
}

func TestReconcileTrimsDuplicateProtection(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		positions: []types.Position{longPosition(0.01)},
		orders: []types.OpenOrder{
			{OrderID: 1, Symbol: "BTCUSDT", Side: types.SELL, Type: types.OrderTypeStopMarket, ReduceOnly: true, OrigQty: 0.01},
			{OrderID: 2, Symbol: "BTCUSDT", Side: types.SELL, Type: types.OrderTypeStopMarket, ReduceOnly: true, OrigQty: 0.05},
			{OrderID: 3, Symbol: "BTCUSDT", Side: types.SELL, Type: types.OrderTypeLimit, ReduceOnly: true, OrigQty: 0.01},
		},
	}
	m, _ := newTestManager(venue, "one-way", false)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(venue.cancelled) != 1 || venue.cancelled[0] != 2 {
		t.Errorf("cancelled = %v, want the mis-sized duplicate SL", venue.cancelled)
	}
	if len(venue.placed) != 0 {
		t.Errorf("placed = %+v, protection already complete", venue.placed)
	}
}

func TestReconcileResizesDriftedProtection(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		positions: []types.Position{longPosition(0.02)},
		orders: []types.OpenOrder{
			{OrderID: 1, Symbol: "BTCUSDT", Side: types.SELL, Type: types.OrderTypeStopMarket, ReduceOnly: true, OrigQty: 0.01},
			{OrderID: 2, Symbol: "BTCUSDT", Side: types.SELL, Type: types.OrderTypeLimit, ReduceOnly: true, OrigQty: 0.02},
		},
		nextID: 100,
	}
	m, _ := newTestManager(venue, "one-way", false)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(venue.cancelled) != 1 || venue.cancelled[0] != 1 {
		t.Errorf("cancelled = %v, want the drifted SL", venue.cancelled)
	}
	if len(venue.placed) != 1 || venue.placed[0].Quantity != "0.020" {
		t.Errorf("placed = %+v, want one SL at the live amount", venue.placed)
	}
}

func TestMissingProtectionEscalatesAfterThreePasses(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		positions: []types.Position{longPosition(0.01)},
		// Every placement fails, so the position stays naked.
		placeErrs: []error{
			errors.New("down"), errors.New("down"), errors.New("down"),
			errors.New("down"), errors.New("down"), errors.New("down"),
		},
	}
	m, sink := newTestManager(venue, "one-way", false)

	for i := 0; i < 3; i++ {
		if err := m.Reconcile(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	var protect int
	for _, c := range sink.captures {
		if c.action == "protect" {
			protect++
			if !strings.Contains(c.err.Error(), "unprotected") {
				t.Errorf("escalation error = %v", c.err)
			}
		}
	}
	if protect != 1 {
		t.Errorf("protect escalations = %d, want exactly one at the third pass", protect)
	}
}

func TestPlaceWithModeRetryFlipsOnce(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		positions: []types.Position{longPosition(0.01)},
		placeErrs: []error{&exchange.APIError{Kind: exchange.KindPositionModeMismatch, Code: -4061, Msg: "position side mismatch"}},
	}
	m, _ := newTestManager(venue, "one-way", false)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// First attempt one-way, retry with hedge semantics, then the TP goes
	// straight out with the adopted mode.
	if len(venue.placed) < 3 {
		t.Fatalf("placed = %d calls", len(venue.placed))
	}
	retry := venue.placed[1]
	if retry.PositionSide != types.PositionLong || retry.ReduceOnly {
		t.Errorf("retry request = %+v, want hedge close of a long", retry)
	}
	if !m.HedgeMode() {
		t.Error("successful retry must persist the discovered hedge mode")
	}
}

func TestInitAdoptsVenueModeWhenSwitchRejected(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{hedgeMode: true, modeSwitchErr: errors.New("open positions")}
	m, _ := newTestManager(venue, "one-way", false)

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !m.HedgeMode() {
		t.Error("rejected switch must adopt the venue's mode")
	}
}

func TestPaperReconcileSkipsVenue(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{}
	m, _ := newTestManager(venue, "one-way", true)

	m.RecordPaperPosition(longPosition(0.01))
	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(venue.placed) != 0 || len(venue.cancelled) != 0 {
		t.Error("paper mode must not touch the venue")
	}
	if m.OpenCount() != 1 {
		t.Errorf("paper positions = %d", m.OpenCount())
	}
	if got := m.MarginUsed("BTCUSDT"); got != 60 {
		t.Errorf("margin = %v, want 0.01*30000/5 = 60", got)
	}
}

func TestApplyPositionUpdateClearsOnFlat(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(&fakeVenue{}, "one-way", true)
	m.RecordPaperPosition(longPosition(0.01))

	m.ApplyPositionUpdate(types.PositionUpdate{
		Symbol:       "BTCUSDT",
		PositionSide: types.PositionBoth,
		Amount:       0,
	})

	if m.OpenCount() != 0 {
		t.Errorf("flat update left %d positions cached", m.OpenCount())
	}
	if m.MarginUsed("BTCUSDT") != 0 {
		t.Errorf("margin = %v after flat", m.MarginUsed("BTCUSDT"))
	}
}
