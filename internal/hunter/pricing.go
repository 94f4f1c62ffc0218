// pricing.go computes entry limit prices and slippage estimates from a
// depth snapshot.
package hunter

import (
	"liqhunter/pkg/types"
)

// proposeLimitPrice derives the entry price from the touch. Post-only
// joins the touch shifted toward the passive side; otherwise the price
// crosses the spread by the configured offset so a resting book fills it
// immediately.
func proposeLimitPrice(book *types.OrderBook, side types.Side, offsetBps float64, postOnly bool) (float64, bool) {
	bid, bidOK := book.BestBid()
	ask, askOK := book.BestAsk()
	if !bidOK || !askOK {
		return 0, false
	}
	off := offsetBps / 10000

	if postOnly {
		if side == types.BUY {
			return bid.Price * (1 - off), true
		}
		return ask.Price * (1 + off), true
	}
	if side == types.BUY {
		return ask.Price * (1 + off), true
	}
	return bid.Price * (1 - off), true
}

// estimateSlippageBps walks the opposing depth for a fill of qty and
// returns the expected average-price slippage from the touch in basis
// points. ok is false when visible depth cannot fill the quantity.
func estimateSlippageBps(book *types.OrderBook, side types.Side, qty float64) (float64, bool) {
	levels := book.Asks
	if side == types.SELL {
		levels = book.Bids
	}
	if len(levels) == 0 || qty <= 0 {
		return 0, false
	}
	touch := levels[0].Price

	remaining := qty
	var cost float64
	for _, lvl := range levels {
		take := lvl.Qty
		if take > remaining {
			take = remaining
		}
		cost += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return 0, false
	}

	avg := cost / qty
	slip := (avg - touch) / touch
	if side == types.SELL {
		slip = (touch - avg) / touch
	}
	return slip * 10000, true
}
