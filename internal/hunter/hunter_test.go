package hunter

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"liqhunter/internal/bus"
	"liqhunter/internal/config"
	"liqhunter/internal/exchange"
	"liqhunter/internal/market"
	"liqhunter/internal/metrics"
	"liqhunter/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeEntryVenue struct {
	mark float64
	book *types.OrderBook

	placed      []types.OrderRequest
	placeErrs   []error
	leverageSet []int
	nextID      int64
}

func (f *fakeEntryVenue) MarkPrice(context.Context, string) (float64, error) { return f.mark, nil }

func (f *fakeEntryVenue) OrderBook(context.Context, string, int) (*types.OrderBook, error) {
	return f.book, nil
}

func (f *fakeEntryVenue) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	f.placed = append(f.placed, req)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	return &types.OrderAck{OrderID: f.nextID, Symbol: req.Symbol, Status: "NEW"}, nil
}

func (f *fakeEntryVenue) SetLeverage(_ context.Context, _ string, lev int) error {
	f.leverageSet = append(f.leverageSet, lev)
	return nil
}

type fakePositions struct {
	open   int
	margin map[string]float64
	hedge  bool
	paper  []types.Position
}

func (f *fakePositions) OpenCount() int                  { return f.open }
func (f *fakePositions) MarginUsed(symbol string) float64 { return f.margin[symbol] }
func (f *fakePositions) HedgeMode() bool                 { return f.hedge }
func (f *fakePositions) RecordPaperPosition(pos types.Position) {
	f.paper = append(f.paper, pos)
}

type fakeThresholds struct {
	status  types.ThresholdStatus
	tracked bool
}

func (f *fakeThresholds) Observe(types.LiquidationEvent) (types.ThresholdStatus, bool) {
	return f.status, f.tracked
}

func entryConfig(mutate func(*config.Config)) *config.Provider {
	cfg := &config.Config{
		Global: config.GlobalConfig{MaxOpenPositions: 5, PositionMode: "one-way"},
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {
				LongVolumeThreshold:  10_000,
				ShortVolumeThreshold: 10_000,
				Leverage:             5,
				LongTradeSizeUSDT:    100,
				ShortTradeSizeUSDT:   100,
				StopLossPercent:      2,
				TakeProfitPercent:    5,
				OrderMode:            types.ModeLimit,
				PriceOffsetBps:       5,
			},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return config.NewProvider(cfg)
}

func entryRegistry() *market.Registry {
	r := market.NewRegistry(nil, testLogger())
	r.Seed([]types.SymbolInfo{{
		Symbol:            "BTCUSDT",
		TickSize:          0.10,
		StepSize:          0.001,
		MinNotional:       100,
		PricePrecision:    2,
		QuantityPrecision: 3,
	}})
	return r
}

func newTestHunter(venue *fakeEntryVenue, provider *config.Provider, paper bool) (*Hunter, *fakePositions, *market.VWAPStreamer) {
	registry := entryRegistry()
	vwap := market.NewVWAPStreamer(nil, testLogger())
	positions := &fakePositions{margin: map[string]float64{}}
	mon := &fakeThresholds{}
	sink := &nullSink{}
	h := New(venue, provider, registry, vwap, mon, positions, NewArchive(), bus.New(), metrics.New(), sink, paper, testLogger())
	return h, positions, vwap
}

type nullSink struct{ captures int }

func (s *nullSink) Capture(string, string, string, error) { s.captures++ }

func liqEvent(side types.Side, price, notional float64) types.LiquidationEvent {
	return types.LiquidationEvent{
		Symbol:    "BTCUSDT",
		Side:      side,
		Status:    "FILLED",
		Qty:       notional / price,
		FilledQty: notional / price,
		Price:     price,
		EventTime: time.Now(),
	}
}

func defaultBook() *types.OrderBook {
	return &types.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []types.BookLevel{{Price: 29900.0, Qty: 5}},
		Asks:   []types.BookLevel{{Price: 29900.2, Qty: 5}},
	}
}

func TestProcessPlacesLimitEntry(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	h, _, _ := newTestHunter(venue, entryConfig(nil), false)

	// A SELL cascade at 29900 with 29.9k USDT notional: a long opportunity.
	h.Process(context.Background(), liqEvent(types.SELL, 29900, 29_900))

	if len(venue.placed) != 1 {
		t.Fatalf("placed %d orders", len(venue.placed))
	}
	req := venue.placed[0]
	if req.Side != types.BUY || req.Type != types.OrderTypeLimit {
		t.Errorf("request = %+v", req)
	}
	// ask 29900.2 crossed by 5bps = 29915.1501, snapped down to the tick.
	if req.Price != "29915.10" {
		t.Errorf("price = %q, want 29915.10", req.Price)
	}
	// 100 USDT margin at 5x = 500 notional, 500/29915.1501 floored to step.
	if req.Quantity != "0.016" {
		t.Errorf("qty = %q, want 0.016", req.Quantity)
	}
	if req.TimeInForce != types.TifGTC || req.PositionSide != types.PositionBoth {
		t.Errorf("request = %+v", req)
	}
	if len(venue.leverageSet) != 1 || venue.leverageSet[0] != 5 {
		t.Errorf("leverage calls = %v", venue.leverageSet)
	}
	if h.PendingCount() != 1 {
		t.Errorf("pending = %d after placement", h.PendingCount())
	}
}

func TestProcessIgnoresSmallLiquidations(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	h, _, _ := newTestHunter(venue, entryConfig(nil), false)

	h.Process(context.Background(), liqEvent(types.SELL, 29900, 5_000))

	if len(venue.placed) != 0 {
		t.Errorf("placed %d orders below the volume threshold", len(venue.placed))
	}
}

func TestProximityGate(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	h, _, _ := newTestHunter(venue, entryConfig(nil), false)

	// Liquidation printed 2% above mark: chasing a BUY there is off.
	h.Process(context.Background(), liqEvent(types.SELL, 30600, 31_000))

	if len(venue.placed) != 0 {
		t.Error("entry placed outside the proximity band")
	}
	if h.PendingCount() != 0 {
		t.Error("blocked entry left a pending slot")
	}
}

func TestVWAPGateBlocksLongAboveVWAP(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	provider := entryConfig(func(c *config.Config) {
		sc := c.Symbols["BTCUSDT"]
		sc.VWAPProtection = true
		sc.VWAPTimeframe = "1m"
		sc.VWAPLookback = 5
		c.Symbols["BTCUSDT"] = sc
	})
	h, _, vwap := newTestHunter(venue, provider, false)

	vwap.Track("BTCUSDT", "1m", 5)
	// One bar with typical price 25000: VWAP sits well below the event.
	vwap.Apply(types.Kline{
		Symbol: "BTCUSDT", Interval: "1m",
		OpenTime:  time.Now().Add(-time.Minute),
		CloseTime: time.Now().Add(-time.Second),
		High:      25_500, Low: 24_500, Close: 25_000, Volume: 10,
	})

	h.Process(context.Background(), liqEvent(types.SELL, 29_900, 29_900))
	if len(venue.placed) != 0 {
		t.Error("long entry placed above VWAP with protection on")
	}

	// Same setup with VWAP above the price passes the gate.
	vwap.Track("BTCUSDT", "1m", 3) // reset window
	vwap.Apply(types.Kline{
		Symbol: "BTCUSDT", Interval: "1m",
		OpenTime:  time.Now().Add(-time.Minute),
		CloseTime: time.Now().Add(-time.Second),
		High:      35_500, Low: 34_500, Close: 35_000, Volume: 10,
	})
	h.Process(context.Background(), liqEvent(types.SELL, 29_900, 29_900))
	if len(venue.placed) != 1 {
		t.Errorf("placed = %d, want the below-VWAP long to go through", len(venue.placed))
	}
}

func TestMaxPositionsGate(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	h, positions, _ := newTestHunter(venue, entryConfig(nil), false)
	positions.open = 5

	h.Process(context.Background(), liqEvent(types.SELL, 29900, 29_900))
	if len(venue.placed) != 0 {
		t.Error("entry placed with the position cap reached")
	}
}

func TestMarginCapGate(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	provider := entryConfig(func(c *config.Config) {
		sc := c.Symbols["BTCUSDT"]
		sc.MaxMarginUSDT = 150
		c.Symbols["BTCUSDT"] = sc
	})
	h, positions, _ := newTestHunter(venue, provider, false)
	positions.margin["BTCUSDT"] = 100 // +100 trade size would breach 150

	h.Process(context.Background(), liqEvent(types.SELL, 29900, 29_900))
	if len(venue.placed) != 0 {
		t.Error("entry placed beyond the symbol margin cap")
	}
}

func TestSingleEntryInFlight(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	h, _, _ := newTestHunter(venue, entryConfig(nil), false)

	evt := liqEvent(types.SELL, 29900, 29_900)
	h.Process(context.Background(), evt)
	h.Process(context.Background(), evt)

	if len(venue.placed) != 1 {
		t.Errorf("placed %d orders, want the second entry blocked in flight", len(venue.placed))
	}

	// Terminal order update frees the slot.
	h.HandleOrderUpdate(types.OrderUpdate{Symbol: "BTCUSDT", OrderID: 1, Status: "FILLED"})
	if h.PendingCount() != 0 {
		t.Error("pending slot held after terminal update")
	}

	h.Process(context.Background(), evt)
	if len(venue.placed) != 2 {
		t.Errorf("placed = %d, want a fresh entry after the fill", len(venue.placed))
	}
}

func TestLimitFallsBackToMarketOnce(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{
		mark:      30000,
		book:      defaultBook(),
		placeErrs: []error{&exchange.APIError{Kind: exchange.KindPrecision, Code: -1111, Msg: "precision"}},
	}
	h, _, _ := newTestHunter(venue, entryConfig(nil), false)

	h.Process(context.Background(), liqEvent(types.SELL, 29900, 29_900))

	if len(venue.placed) != 2 {
		t.Fatalf("placed %d calls, want limit then market", len(venue.placed))
	}
	if venue.placed[0].Type != types.OrderTypeLimit || venue.placed[1].Type != types.OrderTypeMarket {
		t.Errorf("types = %v, %v", venue.placed[0].Type, venue.placed[1].Type)
	}
	if h.PendingCount() != 1 {
		t.Error("successful fallback must keep the pending slot")
	}
}

func TestFinalRejectionReleasesSlot(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{
		mark:      30000,
		book:      defaultBook(),
		placeErrs: []error{&exchange.APIError{Kind: exchange.KindInsufficientBalance, Code: -2019, Msg: "margin"}},
	}
	h, _, _ := newTestHunter(venue, entryConfig(nil), false)

	h.Process(context.Background(), liqEvent(types.SELL, 29900, 29_900))

	if len(venue.placed) != 1 {
		t.Errorf("final error must not be retried, placed = %d", len(venue.placed))
	}
	if h.PendingCount() != 0 {
		t.Error("failed entry left the slot reserved")
	}
}

func TestThresholdModeEntry(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	provider := entryConfig(func(c *config.Config) {
		c.Global.UseThresholdSystem = true
		sc := c.Symbols["BTCUSDT"]
		sc.UseThreshold = true
		c.Symbols["BTCUSDT"] = sc
	})
	h, _, _ := newTestHunter(venue, provider, false)
	mon := h.monitor.(*fakeThresholds)

	// Small event, but the monitor reports a threshold crossing.
	mon.tracked = true
	mon.status = types.ThresholdStatus{Symbol: "BTCUSDT", WillTrigger: true, TriggerSide: types.BUY}
	h.Process(context.Background(), liqEvent(types.SELL, 29900, 1_000))
	if len(venue.placed) != 1 {
		t.Errorf("threshold trigger placed %d orders", len(venue.placed))
	}

	// No trigger: even a whale event stays out in threshold mode.
	mon.status = types.ThresholdStatus{Symbol: "BTCUSDT"}
	h.HandleOrderUpdate(types.OrderUpdate{OrderID: 1, Status: "FILLED"})
	h.Process(context.Background(), liqEvent(types.SELL, 29900, 500_000))
	if len(venue.placed) != 1 {
		t.Error("untriggered event entered in threshold mode")
	}

	// Trigger for the wrong side does not fire a long.
	mon.status = types.ThresholdStatus{Symbol: "BTCUSDT", WillTrigger: true, TriggerSide: types.SELL}
	h.Process(context.Background(), liqEvent(types.SELL, 29900, 500_000))
	if len(venue.placed) != 1 {
		t.Error("opposite-side trigger entered")
	}
}

func TestPaperFill(t *testing.T) {
	t.Parallel()
	venue := &fakeEntryVenue{mark: 30000, book: defaultBook()}
	h, positions, _ := newTestHunter(venue, entryConfig(nil), true)

	h.Process(context.Background(), liqEvent(types.SELL, 29900, 29_900))

	if len(venue.placed) != 0 {
		t.Error("paper mode must not place venue orders")
	}
	if len(positions.paper) != 1 {
		t.Fatalf("paper fills = %d", len(positions.paper))
	}
	pos := positions.paper[0]
	if pos.Symbol != "BTCUSDT" || pos.Amount <= 0 || pos.Leverage != 5 {
		t.Errorf("paper position = %+v", pos)
	}
	if h.PendingCount() != 0 {
		t.Error("paper fill must release the pending slot")
	}
}

func TestSizeLiftsToMinNotional(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestHunter(&fakeEntryVenue{}, entryConfig(nil), false)

	sc := config.SymbolConfig{Leverage: 2, LongTradeSizeUSDT: 10} // 20 USDT notional, min is 100
	qty, err := h.size("BTCUSDT", sc, types.BUY, 30000)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	got := types.ParseFloat(qty)
	if got*30000 < 100 {
		t.Errorf("qty %v gives notional %v, below the venue minimum", got, got*30000)
	}
	// Lifted floor is min*1.01 before snapping, so it stays close to it.
	if got*30000 > 135 {
		t.Errorf("qty %v oversizes the lifted entry (notional %v)", got, got*30000)
	}
}

func TestSizeRequiresReferencePrice(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestHunter(&fakeEntryVenue{}, entryConfig(nil), false)

	sc := config.SymbolConfig{Leverage: 1, LongTradeSizeUSDT: 100}
	if _, err := h.size("BTCUSDT", sc, types.BUY, 0); err == nil {
		t.Error("zero reference price must fail")
	}
}

func TestWithinProximity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		price, mark float64
		side        types.Side
		want        bool
	}{
		{30000, 30000, types.BUY, true},
		{30290, 30000, types.BUY, true},   // <1% above
		{30310, 30000, types.BUY, false},  // >1% above
		{29710, 30000, types.SELL, true},  // <1% below
		{29690, 30000, types.SELL, false}, // >1% below
		{100, 0, types.BUY, false},
	}
	for _, tt := range tests {
		if got := withinProximity(tt.price, tt.mark, tt.side); got != tt.want {
			t.Errorf("withinProximity(%v, %v, %s) = %v", tt.price, tt.mark, tt.side, got)
		}
	}
}
