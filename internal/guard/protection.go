// Package guard owns the position cache and keeps every open position
// protected: exactly one reduce-only stop loss and one take profit per
// position, sized to the live amount.
package guard

import (
	"sort"

	"liqhunter/pkg/types"
)

// SLPrice derives the stop trigger from entry price and configured percent.
func SLPrice(entry, slPct float64, long bool) float64 {
	if long {
		return entry * (1 - slPct/100)
	}
	return entry * (1 + slPct/100)
}

// TPPrice derives the take-profit price from entry and configured percent.
func TPPrice(entry, tpPct float64, long bool) float64 {
	if long {
		return entry * (1 + tpPct/100)
	}
	return entry * (1 - tpPct/100)
}

// protectiveFor filters orders down to the protective candidates for one
// position: same symbol, reduce-only SL or TP kind, opposing side, and the
// matching position side in hedge mode.
func protectiveFor(pos types.Position, orders []types.OpenOrder) (sls, tps []types.OpenOrder) {
	closeSide := pos.CloseSide()
	for _, o := range orders {
		if o.Symbol != pos.Symbol || o.Side != closeSide {
			continue
		}
		if pos.PositionSide != types.PositionBoth && o.PositionSide != pos.PositionSide {
			continue
		}
		kind, ok := o.ProtectiveKind()
		if !ok {
			continue
		}
		if kind == types.KindStopLoss {
			sls = append(sls, o)
		} else {
			tps = append(tps, o)
		}
	}
	return sls, tps
}

// SelectKeeper picks which duplicate protective order survives: the one
// whose quantity is closest to the position amount, and among quantity
// ties the oldest order id. Returns the keeper and the rest.
func SelectKeeper(orders []types.OpenOrder, amount float64) (types.OpenOrder, []types.OpenOrder) {
	sorted := make([]types.OpenOrder, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool {
		di := absf(sorted[i].OrigQty - amount)
		dj := absf(sorted[j].OrigQty - amount)
		if di != dj {
			return di < dj
		}
		return sorted[i].OrderID < sorted[j].OrderID
	})
	return sorted[0], sorted[1:]
}

// NeedsResize reports whether a protective order's quantity has drifted
// from the position amount by more than one step.
func NeedsResize(orderQty, amount, step float64) bool {
	if step <= 0 {
		step = 1e-9
	}
	return absf(orderQty-amount) > step
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
