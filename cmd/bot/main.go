// Liquidation Hunter — an automated futures bot that trades against
// forced-liquidation cascades.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feeds → monitor → hunter → guard, hot-reloads config
//	monitor/threshold.go — per-(symbol,side) rolling volume windows with trigger cooldown
//	hunter/hunter.go     — decision pipeline: gates, admission, pricing, placement, market fallback
//	guard/manager.go     — reconciler: one reduce-only SL + TP per position, orphan reaper
//	market/vwap.go       — rolling VWAP per symbol fed by closed klines
//	market/registry.go   — tick/step/notional grid from exchangeInfo, decimal snapping
//	exchange/client.go   — signed REST client with weight-based rate limiting
//	exchange/*.go        — force-order, kline, and user-data WebSocket feeds with auto-reconnect
//	errlog/errlog.go     — SQLite-backed error log with dedup and severity
//	api/server.go        — read-only HTTP/WebSocket facade plus Prometheus metrics
//
// How it trades:
//
//	Forced liquidations cluster: when leveraged longs get wiped, price
//	overshoots down and tends to snap back (and mirrored for shorts).
//	The bot accumulates liquidation volume per side in a sliding window
//	and, when a threshold is crossed, enters against the cascade with a
//	bracketed position: a reduce-only stop loss and take profit that the
//	reconciler keeps attached for the position's whole life.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"liqhunter/internal/api"
	"liqhunter/internal/config"
	"liqhunter/internal/engine"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/config.json"
	if p := os.Getenv("HUNTER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitFatal
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitFatal
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, cfgPath, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return exitFatal
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitFatal
	}

	var apiServer *api.Server
	if cfg.Server.Enabled {
		apiServer = api.NewServer(cfg.Server.Port, eng, eng, eng.Bus(), eng.MetricsHandler(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	if cfg.Global.PaperMode {
		logger.Warn("PAPER MODE — no real orders will be placed")
	}

	logger.Info("liquidation hunter started",
		"symbols", len(cfg.Symbols),
		"max_positions", cfg.Global.MaxOpenPositions,
		"position_mode", cfg.Global.PositionMode,
		"paper", cfg.Global.PaperMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// A second signal during drain forces an immediate exit.
	done := make(chan struct{})
	go func() {
		if apiServer != nil {
			if err := apiServer.Stop(); err != nil {
				logger.Error("failed to stop api server", "error", err)
			}
		}
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-sigCh:
		logger.Warn("second interrupt, forcing exit")
		return exitInterrupted
	}

	if sig == syscall.SIGINT {
		return exitInterrupted
	}
	return exitOK
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
