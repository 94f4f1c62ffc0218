// Package hunter turns liquidation events into contrarian entries. It
// gates each event (volume, price proximity, VWAP), enforces admission
// limits, prices the order against the book, and places it with a single
// limit-to-market fallback.
package hunter

import (
	"sync"
	"time"

	"liqhunter/pkg/types"
)

// pendingTTL is how long an unacknowledged entry may stay in flight
// before housekeeping evicts it.
const pendingTTL = 5 * time.Minute

// pendingKey scopes single-in-flight admission: per symbol in one-way
// mode, per symbol and side in hedge mode.
func pendingKey(symbol string, side types.Side, hedge bool) string {
	if hedge {
		return symbol + "_" + string(side)
	}
	return symbol
}

// pendingBook tracks entry orders awaiting a terminal state.
type pendingBook struct {
	mu     sync.Mutex
	orders map[string]types.PendingOrder
	now    func() time.Time
}

func newPendingBook() *pendingBook {
	return &pendingBook{
		orders: make(map[string]types.PendingOrder),
		now:    time.Now,
	}
}

// tryReserve claims the slot for (symbol, side). Returns false when an
// order is already in flight.
func (b *pendingBook) tryReserve(symbol string, side types.Side, hedge bool) bool {
	key := pendingKey(symbol, side, hedge)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[key]; ok {
		return false
	}
	b.orders[key] = types.PendingOrder{Symbol: symbol, Side: side, CreatedAt: b.now()}
	return true
}

// confirm records the venue order id for a reserved slot.
func (b *pendingBook) confirm(symbol string, side types.Side, hedge bool, orderID int64, posSide types.PositionSide) {
	key := pendingKey(symbol, side, hedge)
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.orders[key]; ok {
		p.OrderID = orderID
		p.Position = posSide
		b.orders[key] = p
	}
}

// release frees the slot, used on placement failure or terminal fill.
func (b *pendingBook) release(symbol string, side types.Side, hedge bool) {
	key := pendingKey(symbol, side, hedge)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, key)
}

// releaseByOrderID frees whichever slot holds the given venue order.
func (b *pendingBook) releaseByOrderID(orderID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, p := range b.orders {
		if p.OrderID == orderID {
			delete(b.orders, key)
			return true
		}
	}
	return false
}

// count returns the number of in-flight entries.
func (b *pendingBook) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// snapshot returns the current pending orders.
func (b *pendingBook) snapshot() []types.PendingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.PendingOrder, 0, len(b.orders))
	for _, p := range b.orders {
		out = append(out, p)
	}
	return out
}

// evictExpired drops entries older than the TTL and returns them.
func (b *pendingBook) evictExpired() []types.PendingOrder {
	cutoff := b.now().Add(-pendingTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	var evicted []types.PendingOrder
	for key, p := range b.orders {
		if p.CreatedAt.Before(cutoff) {
			evicted = append(evicted, p)
			delete(b.orders, key)
		}
	}
	return evicted
}
