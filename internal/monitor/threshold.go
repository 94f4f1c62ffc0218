// Package monitor implements the cumulative liquidation threshold system.
//
// For each symbol with useThreshold on, the monitor keeps two rolling
// windows of recent liquidations: SELL liquidations feed the long side,
// BUY liquidations feed the short side. When a side's notional inside the
// window crosses its threshold and the side is outside its cooldown, the
// status emitted for that event carries willTrigger.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"liqhunter/internal/config"
	"liqhunter/pkg/types"
)

// housekeepInterval is how often idle windows are decayed.
const housekeepInterval = 10 * time.Second

// sideWindow is one direction's rolling state.
type sideWindow struct {
	entries     []types.LiquidationEvent
	volume      float64
	lastTrigger time.Time
}

// evict drops entries at or before the window's left edge and recomputes
// the cached volume.
func (w *sideWindow) evict(cutoff time.Time) {
	keep := w.entries[:0]
	var vol float64
	for _, e := range w.entries {
		if e.EventTime.After(cutoff) {
			keep = append(keep, e)
			vol += e.VolumeUSDT()
		}
	}
	w.entries = keep
	w.volume = vol
}

// symbolState holds both sides for one symbol.
type symbolState struct {
	long  sideWindow // fed by SELL liquidations
	short sideWindow // fed by BUY liquidations

	// Progress values at the last emitted update, used to suppress
	// housekeeping noise.
	lastLongProgress  float64
	lastShortProgress float64
}

// Monitor tracks threshold windows for all configured symbols.
type Monitor struct {
	cfg *config.Provider

	mu     sync.Mutex
	states map[string]*symbolState

	onUpdate func(types.ThresholdStatus)
	now      func() time.Time

	logger *slog.Logger
}

// New creates a monitor reading per-symbol settings from cfg.
func New(cfg *config.Provider, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		states: make(map[string]*symbolState),
		now:    time.Now,
		logger: logger.With("component", "monitor"),
	}
}

// OnUpdate registers the status hook invoked for every emitted update.
// Must be set before ingestion begins.
func (m *Monitor) OnUpdate(fn func(types.ThresholdStatus)) { m.onUpdate = fn }

// Observe records one liquidation and returns the resulting status. The
// returned status is also passed to the update hook. Symbols without
// threshold tracking get a zero status with ok=false.
func (m *Monitor) Observe(evt types.LiquidationEvent) (types.ThresholdStatus, bool) {
	sc, configured := m.cfg.Symbol(evt.Symbol)
	if !configured || !sc.UseThreshold {
		return types.ThresholdStatus{}, false
	}

	now := m.now()
	window := sc.ThresholdWindow()
	cooldown := sc.Cooldown()

	m.mu.Lock()
	st, ok := m.states[evt.Symbol]
	if !ok {
		st = &symbolState{}
		m.states[evt.Symbol] = st
	}

	// SELL liquidations are long opportunities; BUY are short.
	var side *sideWindow
	var threshold float64
	var triggerSide types.Side
	if evt.Side == types.SELL {
		side = &st.long
		threshold = sc.LongVolumeThreshold
		triggerSide = types.BUY
	} else {
		side = &st.short
		threshold = sc.ShortVolumeThreshold
		triggerSide = types.SELL
	}

	side.entries = append(side.entries, evt)
	cutoff := now.Add(-window)
	st.long.evict(cutoff)
	st.short.evict(cutoff)

	willTrigger := threshold > 0 &&
		side.volume >= threshold &&
		now.Sub(side.lastTrigger) >= cooldown
	if willTrigger {
		side.lastTrigger = now
	}

	status := m.statusLocked(evt.Symbol, st, sc)
	status.WillTrigger = willTrigger
	if willTrigger {
		status.TriggerSide = triggerSide
	}
	st.lastLongProgress = status.LongProgress
	st.lastShortProgress = status.ShortProgress
	m.mu.Unlock()

	if willTrigger {
		m.logger.Info("threshold crossed",
			"symbol", evt.Symbol,
			"side", triggerSide,
			"volume", side.volume,
			"threshold", threshold,
		)
	}
	if m.onUpdate != nil {
		m.onUpdate(status)
	}
	return status, true
}

// Status returns the current window state for one symbol.
func (m *Monitor) Status(symbol string) (types.ThresholdStatus, bool) {
	sc, configured := m.cfg.Symbol(symbol)
	if !configured || !sc.UseThreshold {
		return types.ThresholdStatus{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[symbol]
	if !ok {
		st = &symbolState{}
	}
	cutoff := m.now().Add(-sc.ThresholdWindow())
	st.long.evict(cutoff)
	st.short.evict(cutoff)
	return m.statusLocked(symbol, st, sc), true
}

// All returns statuses for every tracked symbol.
func (m *Monitor) All() []types.ThresholdStatus {
	cfg := m.cfg.Get()
	out := make([]types.ThresholdStatus, 0, len(cfg.Symbols))
	for sym, sc := range cfg.Symbols {
		if !sc.UseThreshold {
			continue
		}
		if status, ok := m.Status(sym); ok {
			out = append(out, status)
		}
	}
	return out
}

// statusLocked builds a status from already-evicted windows. Caller holds mu.
func (m *Monitor) statusLocked(symbol string, st *symbolState, sc config.SymbolConfig) types.ThresholdStatus {
	return types.ThresholdStatus{
		Symbol:            symbol,
		LongThreshold:     sc.LongVolumeThreshold,
		ShortThreshold:    sc.ShortVolumeThreshold,
		RecentLongVolume:  st.long.volume,
		RecentShortVolume: st.short.volume,
		LongProgress:      progress(st.long.volume, sc.LongVolumeThreshold),
		ShortProgress:     progress(st.short.volume, sc.ShortVolumeThreshold),
		LongCount:         len(st.long.entries),
		ShortCount:        len(st.short.entries),
		LastLongTrigger:   st.long.lastTrigger,
		LastShortTrigger:  st.short.lastTrigger,
	}
}

func progress(volume, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	p := 100 * volume / threshold
	if p > 100 {
		return 100
	}
	return p
}

// Run drives the housekeeping timer until ctx is done. Decay updates are
// emitted only when a side's progress moved by more than one point, so
// idle subscribers see windows drain without being flooded.
func (m *Monitor) Run(done <-chan struct{}) {
	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.housekeep()
		}
	}
}

func (m *Monitor) housekeep() {
	now := m.now()

	var updates []types.ThresholdStatus
	m.mu.Lock()
	for sym, st := range m.states {
		sc, ok := m.cfg.Symbol(sym)
		if !ok || !sc.UseThreshold {
			delete(m.states, sym)
			continue
		}
		cutoff := now.Add(-sc.ThresholdWindow())
		st.long.evict(cutoff)
		st.short.evict(cutoff)

		status := m.statusLocked(sym, st, sc)
		if abs(status.LongProgress-st.lastLongProgress) > 1 ||
			abs(status.ShortProgress-st.lastShortProgress) > 1 {
			st.lastLongProgress = status.LongProgress
			st.lastShortProgress = status.ShortProgress
			updates = append(updates, status)
		}
	}
	m.mu.Unlock()

	if m.onUpdate != nil {
		for _, u := range updates {
			m.onUpdate(u)
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
