package hunter

import (
	"testing"
	"time"

	"liqhunter/pkg/types"
)

func TestPendingKeyScopes(t *testing.T) {
	t.Parallel()
	if pendingKey("BTCUSDT", types.BUY, false) != pendingKey("BTCUSDT", types.SELL, false) {
		t.Error("one-way mode keys per symbol regardless of side")
	}
	if pendingKey("BTCUSDT", types.BUY, true) == pendingKey("BTCUSDT", types.SELL, true) {
		t.Error("hedge mode keys per symbol and side")
	}
}

func TestTryReserveSingleInFlight(t *testing.T) {
	t.Parallel()
	b := newPendingBook()

	if !b.tryReserve("BTCUSDT", types.BUY, false) {
		t.Fatal("first reservation refused")
	}
	if b.tryReserve("BTCUSDT", types.BUY, false) {
		t.Error("second reservation on the same slot accepted")
	}
	if b.tryReserve("BTCUSDT", types.SELL, false) {
		t.Error("one-way mode must block the opposite side too")
	}
	if !b.tryReserve("ETHUSDT", types.BUY, false) {
		t.Error("other symbols are independent")
	}
	if b.count() != 2 {
		t.Errorf("count = %d", b.count())
	}
}

func TestHedgeModeSidesIndependent(t *testing.T) {
	t.Parallel()
	b := newPendingBook()
	if !b.tryReserve("BTCUSDT", types.BUY, true) || !b.tryReserve("BTCUSDT", types.SELL, true) {
		t.Error("hedge mode allows one entry per side")
	}
}

func TestConfirmAndReleaseByOrderID(t *testing.T) {
	t.Parallel()
	b := newPendingBook()
	b.tryReserve("BTCUSDT", types.BUY, false)
	b.confirm("BTCUSDT", types.BUY, false, 42, types.PositionBoth)

	if !b.releaseByOrderID(42) {
		t.Fatal("confirmed order not found by id")
	}
	if b.count() != 0 {
		t.Error("slot still held after release")
	}
	if b.releaseByOrderID(42) {
		t.Error("double release reported success")
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()
	b := newPendingBook()
	b.tryReserve("BTCUSDT", types.BUY, false)
	b.release("BTCUSDT", types.BUY, false)

	if !b.tryReserve("BTCUSDT", types.BUY, false) {
		t.Error("released slot must be reservable again")
	}
}

func TestEvictExpired(t *testing.T) {
	t.Parallel()
	b := newPendingBook()
	clock := time.UnixMilli(1700000000000)
	b.now = func() time.Time { return clock }

	b.tryReserve("BTCUSDT", types.BUY, false)
	clock = clock.Add(4 * time.Minute)
	b.tryReserve("ETHUSDT", types.BUY, false)

	clock = clock.Add(90 * time.Second) // BTC now 5m30s old, ETH 90s
	evicted := b.evictExpired()

	if len(evicted) != 1 || evicted[0].Symbol != "BTCUSDT" {
		t.Errorf("evicted = %+v, want only the stale entry", evicted)
	}
	if b.count() != 1 {
		t.Errorf("count = %d after eviction", b.count())
	}
}

func TestArchiveRing(t *testing.T) {
	t.Parallel()
	a := NewArchive()
	for i := 0; i < 3; i++ {
		a.Add(types.LiquidationEvent{Symbol: "BTCUSDT", Price: float64(i)})
	}

	recent := a.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("got %d events", len(recent))
	}
	if recent[0].Price != 2 || recent[1].Price != 1 {
		t.Errorf("order = %v,%v, want newest first", recent[0].Price, recent[1].Price)
	}
	if a.Len() != 3 {
		t.Errorf("Len = %d", a.Len())
	}
}

func TestArchiveOverwritesOldest(t *testing.T) {
	t.Parallel()
	a := NewArchive()
	for i := 0; i < archiveCapacity+5; i++ {
		a.Add(types.LiquidationEvent{Price: float64(i)})
	}

	if a.Len() != archiveCapacity {
		t.Errorf("Len = %d, want capacity", a.Len())
	}
	recent := a.Recent(1)
	if recent[0].Price != float64(archiveCapacity+4) {
		t.Errorf("newest = %v", recent[0].Price)
	}
	all := a.Recent(0)
	if len(all) != archiveCapacity {
		t.Errorf("Recent(0) = %d events", len(all))
	}
	oldest := all[len(all)-1]
	if oldest.Price != 5 {
		t.Errorf("oldest retained = %v, want 5", oldest.Price)
	}
}
