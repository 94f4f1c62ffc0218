// Package engine is the central orchestrator of the liquidation hunter.
//
// It wires together all subsystems:
//
//  1. The liquidation feed (or paper-mode simulator) streams force orders.
//  2. The threshold monitor accumulates per-side volume windows.
//  3. The hunter gates each event and places contrarian entries.
//  4. The guard reconciles positions toward one SL plus one TP each.
//  5. The VWAP streamer follows klines for the entry filter.
//  6. The bus fans events out to the API facade; the error log persists
//     classified failures.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"liqhunter/internal/api"
	"liqhunter/internal/bus"
	"liqhunter/internal/config"
	"liqhunter/internal/errlog"
	"liqhunter/internal/exchange"
	"liqhunter/internal/guard"
	"liqhunter/internal/hunter"
	"liqhunter/internal/market"
	"liqhunter/internal/metrics"
	"liqhunter/internal/monitor"
	"liqhunter/pkg/types"
)

const shutdownDrain = 5 * time.Second

// Engine owns every subsystem and their goroutines.
type Engine struct {
	cfgPath  string
	provider *config.Provider

	client   *exchange.Client
	registry *market.Registry
	vwap     *market.VWAPStreamer
	monitor  *monitor.Monitor
	guard    *guard.Manager
	hunter   *hunter.Hunter
	archive  *hunter.Archive
	bus      *bus.Bus
	metrics  *metrics.Metrics
	errors   *errlog.Store

	liqFeed  *exchange.LiquidationFeed
	liqSim   *exchange.LiquidationSimulator
	userFeed *exchange.UserDataFeed

	klineMu     sync.Mutex
	klineCancel context.CancelFunc

	paper bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates and wires all engine components.
func New(cfg *config.Config, cfgPath string, logger *slog.Logger) (*Engine, error) {
	provider := config.NewProvider(cfg)
	mon := monitor.New(provider, logger)
	m := metrics.New()
	b := bus.New()

	if dir := filepath.Dir(cfg.ErrLog.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error log dir: %w", err)
		}
	}
	errStore, err := errlog.Open(cfg.ErrLog.Path, logger)
	if err != nil {
		return nil, err
	}

	signer := exchange.NewSigner(cfg.API.APIKey, cfg.API.SecretKey, cfg.Venue.RecvWindow)
	client := exchange.NewClient(cfg.Venue.RESTBaseURL, signer, logger)

	paper := cfg.Global.PaperMode
	registry := market.NewRegistry(client, logger)
	vwap := market.NewVWAPStreamer(client, logger)
	archive := hunter.NewArchive()

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfgPath:  cfgPath,
		provider: provider,
		client:   client,
		registry: registry,
		vwap:     vwap,
		monitor:  mon,
		archive:  archive,
		bus:      b,
		metrics:  m,
		errors:   errStore,
		paper:    paper,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "engine"),
	}

	e.guard = guard.NewManager(client, provider, registry, e, b, m, paper, logger)
	e.hunter = hunter.New(client, provider, registry, vwap, mon, e.guard, archive, b, m, e, paper, logger)

	if paper && !signer.HasCredentials() {
		e.liqSim = exchange.NewLiquidationSimulator(cfg.SymbolNames(), nil, logger)
	} else {
		e.liqFeed = exchange.NewLiquidationFeed(cfg.Venue.WSBaseURL, logger)
	}
	if !paper {
		e.userFeed = exchange.NewUserDataFeed(client, cfg.Venue.WSBaseURL, logger)
	}

	mon.OnUpdate(func(status types.ThresholdStatus) {
		b.Publish(bus.TopicThreshold, status)
	})
	vwap.OnUpdate(func(snap types.VWAPSnapshot) {
		b.Publish(bus.TopicVWAP, snap)
		m.VWAPValue.WithLabelValues(snap.Symbol).Set(snap.Value)
	})

	return e, nil
}

// Bus exposes the internal event bus for the API facade.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// MetricsHandler serves the Prometheus registry.
func (e *Engine) MetricsHandler() http.Handler { return e.metrics.Handler() }

// Start brings the engine up: precision grid, position mode, VWAP windows,
// then all long-running tasks. Fails fast when the venue is unreachable in
// live mode.
func (e *Engine) Start() error {
	cfg := e.provider.Get()

	bootCtx, bootCancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer bootCancel()

	if err := e.registry.Load(bootCtx); err != nil {
		if !e.paper {
			return fmt.Errorf("exchange info: %w", err)
		}
		e.logger.Warn("exchange info unavailable, paper mode continues on fallback grid", "error", err)
	}
	if err := e.guard.Init(bootCtx); err != nil {
		return err
	}

	for sym, sc := range cfg.Symbols {
		if sc.VWAPProtection {
			e.vwap.Track(sym, sc.Timeframe(), sc.Lookback())
		}
	}
	if !e.paper {
		if err := e.vwap.Prime(bootCtx); err != nil {
			e.logger.Warn("vwap prime incomplete, rest fallback covers the gap", "error", err)
		}
	}

	e.spawn("errlog", func(ctx context.Context) { e.errors.Run(ctx) })
	e.spawn("monitor", func(ctx context.Context) { e.monitor.Run(ctx.Done()) })
	e.spawn("guard", func(ctx context.Context) { _ = e.guard.Run(ctx) })

	var events <-chan types.LiquidationEvent
	if e.liqSim != nil {
		events = e.liqSim.Events()
		e.spawn("liq-sim", func(ctx context.Context) { _ = e.liqSim.Run(ctx) })
	} else {
		events = e.liqFeed.Events()
		e.spawn("liq-feed", func(ctx context.Context) { _ = e.liqFeed.Run(ctx) })
	}
	e.spawn("hunter", func(ctx context.Context) { _ = e.hunter.Run(ctx, events) })

	if e.userFeed != nil {
		e.spawn("user-feed", func(ctx context.Context) { _ = e.userFeed.Run(ctx) })
		e.spawn("user-dispatch", e.dispatchUserData)
	}

	e.startKlineFeed(cfg)
	e.watchConfig()

	e.logger.Info("engine started",
		"paper", e.paper,
		"symbols", len(cfg.Symbols),
		"max_positions", cfg.Global.MaxOpenPositions,
		"threshold_system", cfg.Global.UseThresholdSystem,
	)
	return nil
}

// Stop shuts the engine down: stop intake, drain, close sockets, flush.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	e.cancel()

	e.klineMu.Lock()
	if e.klineCancel != nil {
		e.klineCancel()
	}
	e.klineMu.Unlock()

	if e.liqFeed != nil {
		e.liqFeed.Close()
	}
	if e.userFeed != nil {
		e.userFeed.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		e.logger.Warn("drain budget exceeded, exiting with tasks running")
	}

	e.errors.Flush()
	e.logger.Info("engine stopped")
}

// spawn runs fn as a tracked goroutine with panic containment.
func (e *Engine) spawn(name string, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
				e.Capture(name, "", "panic", fmt.Errorf("panic: %v", r))
			}
		}()
		fn(e.ctx)
	}()
}

// dispatchUserData folds user-data events into the guard and hunter.
func (e *Engine) dispatchUserData(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-e.userFeed.Orders():
			if !ok {
				return
			}
			e.hunter.HandleOrderUpdate(upd)
			e.guard.ApplyOrderUpdate(upd)
		case upd, ok := <-e.userFeed.Positions():
			if !ok {
				return
			}
			e.guard.ApplyPositionUpdate(upd)
		}
	}
}

// startKlineFeed (re)starts the combined kline stream for the current
// VWAP subscription set.
func (e *Engine) startKlineFeed(cfg *config.Config) {
	subs := cfg.VWAPSymbols()

	e.klineMu.Lock()
	if e.klineCancel != nil {
		e.klineCancel()
		e.klineCancel = nil
	}
	if len(subs) == 0 {
		e.klineMu.Unlock()
		return
	}
	feed := exchange.NewKlineFeed(cfg.Venue.WSBaseURL, subs, e.logger.With("component", "engine"))
	ctx, cancel := context.WithCancel(e.ctx)
	e.klineCancel = cancel
	e.klineMu.Unlock()

	e.spawn("kline-feed", func(context.Context) { _ = feed.Run(ctx) })
	e.spawn("kline-pump", func(context.Context) { e.vwap.Feed(ctx, feed.Bars()) })
}

// watchConfig hot-reloads the config file and applies the diff.
func (e *Engine) watchConfig() {
	config.Watch(e.cfgPath, func(next *config.Config) {
		prev := e.provider.Swap(next)
		e.logger.Info("config reloaded", "symbols", len(next.Symbols))

		// Re-align VWAP windows with the new symbol set.
		tracked := make(map[string]bool)
		for sym, sc := range next.Symbols {
			if sc.VWAPProtection {
				e.vwap.Track(sym, sc.Timeframe(), sc.Lookback())
				tracked[sym] = true
			}
		}
		for _, sym := range e.vwap.Tracked() {
			if !tracked[sym] {
				e.vwap.Untrack(sym)
			}
		}

		if subsChanged(prev.VWAPSymbols(), next.VWAPSymbols()) {
			e.startKlineFeed(next)
		}
	}, func(err error) {
		e.logger.Error("config hot-reload rejected", "error", err)
		e.Capture("config", "", "hot_reload", &exchange.APIError{
			Kind: exchange.KindConfiguration, Op: "reload", Msg: err.Error(),
		})
	})
}

func subsChanged(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return true
	}
	for tf, syms := range a {
		other := b[tf]
		if len(syms) != len(other) {
			return true
		}
		set := make(map[string]bool, len(syms))
		for _, s := range syms {
			set[s] = true
		}
		for _, s := range other {
			if !set[s] {
				return true
			}
		}
	}
	return false
}

// Capture classifies err, persists it, counts it, and broadcasts it. It
// implements the sink consumed by the guard and the hunter.
func (e *Engine) Capture(component, symbol, userAction string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	kind := string(exchange.KindOf(err))
	severity := string(exchange.SeverityMedium)
	code := 0
	var ae *exchange.APIError
	if errors.As(err, &ae) {
		severity = string(ae.DefaultSeverity())
		code = ae.Code
	}
	if userAction == "protect" {
		severity = string(exchange.SeverityCritical)
	}

	e.metrics.Errors.WithLabelValues(kind, severity).Inc()
	e.errors.Report(errlog.Record{
		ErrorType:  kind,
		ErrorCode:  code,
		Message:    err.Error(),
		Component:  component,
		Symbol:     symbol,
		UserAction: userAction,
		Severity:   severity,
	})
	e.bus.Publish(bus.TopicError, map[string]any{
		"kind":      kind,
		"severity":  severity,
		"component": component,
		"symbol":    symbol,
		"message":   err.Error(),
	})
}

// --- api.Engine implementation ---

// Snapshot builds the full UI state.
func (e *Engine) Snapshot() api.Snapshot {
	cfg := e.provider.Get()
	return api.Snapshot{
		Timestamp:    time.Now(),
		PaperMode:    e.paper,
		Positions:    e.guard.Positions(),
		Pending:      e.hunter.PendingOrders(),
		Thresholds:   e.monitor.All(),
		Liquidations: e.archive.Recent(50),
		Symbols:      cfg.SymbolNames(),
	}
}

// Positions returns the live position snapshot.
func (e *Engine) Positions() []types.Position { return e.guard.Positions() }

// RecentLiquidations returns the newest archived events.
func (e *Engine) RecentLiquidations(limit int) []types.LiquidationEvent {
	return e.archive.Recent(limit)
}

// VWAP returns the streamer's current value for a symbol.
func (e *Engine) VWAP(symbol string) (types.VWAPSnapshot, bool) {
	return e.vwap.Snapshot(symbol)
}

// SymbolDetail returns precision filters plus the current price.
func (e *Engine) SymbolDetail(ctx context.Context, symbol string) (api.SymbolDetail, error) {
	info := e.registry.Info(symbol)
	_, configured := e.provider.Symbol(symbol)
	detail := api.SymbolDetail{Info: info, Configured: configured}

	if !e.paper {
		price, err := e.client.TickerPrice(ctx, symbol)
		if err != nil {
			return detail, err
		}
		detail.Price = price
	}
	return detail, nil
}

// Income aggregates realized income since the given time.
func (e *Engine) Income(ctx context.Context, since time.Time) (api.IncomeSummary, error) {
	summary := api.IncomeSummary{
		ByType:   make(map[string]float64),
		BySymbol: make(map[string]float64),
	}
	if e.paper {
		return summary, nil
	}

	records, err := e.client.Income(ctx, since, time.Now())
	if err != nil {
		return summary, err
	}
	for _, rec := range records {
		summary.Total += rec.Income
		summary.ByType[rec.IncomeType] += rec.Income
		if rec.Symbol != "" {
			summary.BySymbol[rec.Symbol] += rec.Income
		}
	}
	summary.RecordCount = len(records)
	return summary, nil
}

// --- api.ErrorStore implementation ---

// Recent returns the newest persisted errors.
func (e *Engine) Recent(limit int) ([]api.ErrorRecord, error) {
	recs, err := e.errors.Recent(limit)
	if err != nil {
		return nil, err
	}
	out := make([]api.ErrorRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, api.ErrorRecord{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			ErrorType: r.ErrorType,
			ErrorCode: r.ErrorCode,
			Message:   r.Message,
			Component: r.Component,
			Symbol:    r.Symbol,
			Severity:  r.Severity,
			SessionID: r.SessionID,
			Count:     r.Count,
		})
	}
	return out, nil
}

// Clear wipes the persisted error log.
func (e *Engine) Clear() error { return e.errors.Clear() }

// ReportTest generates a synthetic error for development.
func (e *Engine) ReportTest() {
	e.Capture("api", "TESTUSDT", "test", &exchange.APIError{
		Kind: exchange.KindProtocol,
		Code: -9999,
		Msg:  "synthetic test error",
		Op:   "errors_test",
	})
	e.errors.Flush()
}
