// vwap.go maintains rolling volume-weighted average prices per symbol.
//
// VWAP over the last N closed bars is Σ(typicalPrice×volume) / Σ(volume)
// with typicalPrice = (high+low+close)/3. The streamer is primed over REST
// at startup and then advanced by closed bars from the kline feed. Each
// update records the bar's close as the reference price, so consumers get
// both the value and the price's relation to it.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"liqhunter/pkg/types"
)

// DefaultVWAPMaxAge is how stale a snapshot may be before entry gating
// treats it as unavailable.
const DefaultVWAPMaxAge = 5 * time.Second

// KlineSource backfills bars over REST. Satisfied by the exchange client.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
}

// vwapWindow is the per-symbol rolling bar buffer.
type vwapWindow struct {
	interval string
	lookback int
	bars     []types.Kline // oldest first, len <= lookback
	snapshot types.VWAPSnapshot
	primed   bool
}

func (w *vwapWindow) push(bar types.Kline, now time.Time) {
	if n := len(w.bars); n > 0 && !bar.OpenTime.After(w.bars[n-1].OpenTime) {
		// Replayed or out-of-order bar after a reconnect.
		return
	}
	w.bars = append(w.bars, bar)
	if len(w.bars) > w.lookback {
		w.bars = w.bars[len(w.bars)-w.lookback:]
	}
	w.recompute(bar.Close, now)
}

func (w *vwapWindow) recompute(refPrice float64, now time.Time) {
	var pv, vol float64
	for _, b := range w.bars {
		pv += b.TypicalPrice() * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return
	}
	value := pv / vol
	relation := types.VWAPBelow
	if refPrice > value {
		relation = types.VWAPAbove
	}
	w.snapshot = types.VWAPSnapshot{
		Value:     value,
		Price:     refPrice,
		Relation:  relation,
		Timestamp: now,
	}
	w.primed = true
}

// VWAPStreamer tracks VWAP for every symbol with protection enabled.
type VWAPStreamer struct {
	source KlineSource

	mu      sync.RWMutex
	windows map[string]*vwapWindow

	onUpdate func(types.VWAPSnapshot) // optional broadcast hook
	now      func() time.Time

	logger *slog.Logger
}

// NewVWAPStreamer creates a streamer; Track registers symbols.
func NewVWAPStreamer(source KlineSource, logger *slog.Logger) *VWAPStreamer {
	return &VWAPStreamer{
		source:  source,
		windows: make(map[string]*vwapWindow),
		now:     time.Now,
		logger:  logger.With("component", "vwap"),
	}
}

// OnUpdate registers a hook invoked after every snapshot change. Must be
// set before feeding begins.
func (s *VWAPStreamer) OnUpdate(fn func(types.VWAPSnapshot)) { s.onUpdate = fn }

// Track registers a symbol's VWAP window, replacing any previous settings.
// Changing interval or lookback resets the window.
func (s *VWAPStreamer) Track(symbol, interval string, lookback int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[symbol]; ok && w.interval == interval && w.lookback == lookback {
		return
	}
	s.windows[symbol] = &vwapWindow{interval: interval, lookback: lookback}
}

// Untrack drops a symbol.
func (s *VWAPStreamer) Untrack(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, symbol)
}

// Tracked lists symbols with an active window.
func (s *VWAPStreamer) Tracked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.windows))
	for sym := range s.windows {
		out = append(out, sym)
	}
	return out
}

// Prime backfills every tracked window over REST so gating works before
// the first live bar closes.
func (s *VWAPStreamer) Prime(ctx context.Context) error {
	s.mu.RLock()
	targets := make(map[string]*vwapWindow, len(s.windows))
	for sym, w := range s.windows {
		targets[sym] = w
	}
	s.mu.RUnlock()

	for sym, w := range targets {
		bars, err := s.source.Klines(ctx, sym, w.interval, w.lookback)
		if err != nil {
			return fmt.Errorf("prime vwap %s: %w", sym, err)
		}
		// The newest REST bar may still be open; keep only closed bars.
		now := s.now()
		if n := len(bars); n > 0 && bars[n-1].CloseTime.After(now) {
			bars = bars[:n-1]
		}

		s.mu.Lock()
		if live, ok := s.windows[sym]; ok {
			live.bars = bars
			if len(bars) > 0 {
				live.recompute(bars[len(bars)-1].Close, now)
			}
		}
		s.mu.Unlock()

		s.logger.Info("vwap primed", "symbol", sym, "bars", len(bars))
	}
	return nil
}

// Feed consumes closed bars until the channel closes or ctx is cancelled.
func (s *VWAPStreamer) Feed(ctx context.Context, bars <-chan types.Kline) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-bars:
			if !ok {
				return
			}
			s.Apply(bar)
		}
	}
}

// Apply advances one symbol's window with a closed bar.
func (s *VWAPStreamer) Apply(bar types.Kline) {
	s.mu.Lock()
	w, ok := s.windows[bar.Symbol]
	if !ok || w.interval != bar.Interval {
		s.mu.Unlock()
		return
	}
	w.push(bar, s.now())
	snap := w.snapshot
	snap.Symbol = bar.Symbol
	primed := w.primed
	s.mu.Unlock()

	if primed && s.onUpdate != nil {
		s.onUpdate(snap)
	}
}

// Snapshot returns the current value for a symbol. ok is false when the
// symbol is untracked or the window has no volume yet.
func (s *VWAPStreamer) Snapshot(symbol string) (types.VWAPSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[symbol]
	if !ok || !w.primed {
		return types.VWAPSnapshot{}, false
	}
	snap := w.snapshot
	snap.Symbol = symbol
	return snap, true
}

// FreshSnapshot is Snapshot plus an age check against maxAge.
func (s *VWAPStreamer) FreshSnapshot(symbol string, maxAge time.Duration) (types.VWAPSnapshot, bool) {
	snap, ok := s.Snapshot(symbol)
	if !ok || !snap.Fresh(s.now(), maxAge) {
		return types.VWAPSnapshot{}, false
	}
	return snap, true
}

// Resolve returns a VWAP snapshot relative to refPrice, preferring the
// streamed value when it is within maxAge and falling back to a REST
// computation over the same window otherwise.
func (s *VWAPStreamer) Resolve(ctx context.Context, symbol string, refPrice float64, maxAge time.Duration) (types.VWAPSnapshot, error) {
	if snap, ok := s.FreshSnapshot(symbol, maxAge); ok {
		snap.Price = refPrice
		snap.Relation = relationTo(refPrice, snap.Value)
		return snap, nil
	}

	s.mu.RLock()
	w, tracked := s.windows[symbol]
	interval, lookback := "1m", 100
	if tracked {
		interval, lookback = w.interval, w.lookback
	}
	s.mu.RUnlock()

	bars, err := s.source.Klines(ctx, symbol, interval, lookback)
	if err != nil {
		return types.VWAPSnapshot{}, fmt.Errorf("vwap fallback %s: %w", symbol, err)
	}
	snap, ok := ComputeVWAP(bars, refPrice, s.now())
	if !ok {
		return types.VWAPSnapshot{}, fmt.Errorf("vwap fallback %s: no volume in window", symbol)
	}
	snap.Symbol = symbol
	return snap, nil
}

// ComputeVWAP evaluates the window definition over a bar slice against a
// reference price. ok is false when the window carries no volume.
func ComputeVWAP(bars []types.Kline, refPrice float64, now time.Time) (types.VWAPSnapshot, bool) {
	var pv, vol float64
	for _, b := range bars {
		pv += b.TypicalPrice() * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return types.VWAPSnapshot{}, false
	}
	value := pv / vol
	return types.VWAPSnapshot{
		Value:     value,
		Price:     refPrice,
		Relation:  relationTo(refPrice, value),
		Timestamp: now,
	}, true
}

func relationTo(price, vwap float64) types.VWAPRelation {
	if price > vwap {
		return types.VWAPAbove
	}
	return types.VWAPBelow
}
