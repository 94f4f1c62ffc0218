package hunter

import (
	"math"
	"testing"

	"liqhunter/pkg/types"
)

func testBook(bids, asks []types.BookLevel) *types.OrderBook {
	return &types.OrderBook{Symbol: "BTCUSDT", Bids: bids, Asks: asks}
}

func TestProposeLimitPriceCrossing(t *testing.T) {
	t.Parallel()
	book := testBook(
		[]types.BookLevel{{Price: 30000.0, Qty: 1}},
		[]types.BookLevel{{Price: 30000.2, Qty: 1}},
	)

	price, ok := proposeLimitPrice(book, types.BUY, 5, false)
	if !ok {
		t.Fatal("price not proposed")
	}
	if want := 30000.2 * 1.0005; math.Abs(price-want) > 1e-9 {
		t.Errorf("BUY price = %v, want ask crossed by 5bps (%v)", price, want)
	}

	price, _ = proposeLimitPrice(book, types.SELL, 5, false)
	if want := 30000.0 * 0.9995; math.Abs(price-want) > 1e-9 {
		t.Errorf("SELL price = %v, want bid crossed by 5bps (%v)", price, want)
	}
}

func TestProposeLimitPricePostOnly(t *testing.T) {
	t.Parallel()
	book := testBook(
		[]types.BookLevel{{Price: 30000.0, Qty: 1}},
		[]types.BookLevel{{Price: 30000.2, Qty: 1}},
	)

	price, ok := proposeLimitPrice(book, types.BUY, 10, true)
	if !ok {
		t.Fatal("price not proposed")
	}
	if want := 30000.0 * 0.999; math.Abs(price-want) > 1e-9 {
		t.Errorf("post-only BUY = %v, want bid shifted passive (%v)", price, want)
	}

	price, _ = proposeLimitPrice(book, types.SELL, 10, true)
	if want := 30000.2 * 1.001; math.Abs(price-want) > 1e-9 {
		t.Errorf("post-only SELL = %v, want ask shifted passive (%v)", price, want)
	}
}

func TestProposeLimitPriceEmptyBook(t *testing.T) {
	t.Parallel()
	if _, ok := proposeLimitPrice(testBook(nil, []types.BookLevel{{Price: 1, Qty: 1}}), types.BUY, 0, false); ok {
		t.Error("one-sided book must not price")
	}
}

func TestEstimateSlippage(t *testing.T) {
	t.Parallel()
	book := testBook(nil, []types.BookLevel{
		{Price: 100, Qty: 1},
		{Price: 101, Qty: 1},
	})

	// Fill inside the touch level: zero slippage.
	slip, ok := estimateSlippageBps(book, types.BUY, 1)
	if !ok || slip != 0 {
		t.Errorf("touch fill slippage = %v ok=%v", slip, ok)
	}

	// 2 units: avg (100+101)/2 = 100.5, 50bps from the touch.
	slip, ok = estimateSlippageBps(book, types.BUY, 2)
	if !ok {
		t.Fatal("fillable quantity reported unfillable")
	}
	if math.Abs(slip-50) > 1e-9 {
		t.Errorf("slippage = %v bps, want 50", slip)
	}
}

func TestEstimateSlippageUnfillable(t *testing.T) {
	t.Parallel()
	book := testBook(nil, []types.BookLevel{{Price: 100, Qty: 1}})
	if _, ok := estimateSlippageBps(book, types.BUY, 5); ok {
		t.Error("quantity beyond visible depth must be unfillable")
	}
}

func TestEstimateSlippageSellSide(t *testing.T) {
	t.Parallel()
	book := testBook([]types.BookLevel{
		{Price: 100, Qty: 1},
		{Price: 99, Qty: 1},
	}, nil)

	slip, ok := estimateSlippageBps(book, types.SELL, 2)
	if !ok {
		t.Fatal("unfillable")
	}
	// avg 99.5 against touch 100 → 50bps.
	if math.Abs(slip-50) > 1e-9 {
		t.Errorf("slippage = %v bps, want 50", slip)
	}
}
