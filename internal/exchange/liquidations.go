// liquidations.go implements the public force-order feed.
//
// The venue broadcasts every forced liquidation across all contracts on a
// single stream (!forceOrder@arr). The feed normalizes each frame into a
// LiquidationEvent and pushes it on a buffered channel; the monitor and
// hunter consume from there. The connection auto-reconnects with doubling
// backoff (5s up to 60s) and resets the backoff after a stable session.
//
// In paper mode no connection is made: a simulator emits synthetic
// liquidations for the configured symbols so the whole pipeline can be
// exercised without credentials.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liqhunter/pkg/types"
)

const (
	liqStreamPath      = "/ws/!forceOrder@arr"
	liqReconnectBase   = 5 * time.Second
	liqReconnectMax    = 60 * time.Second
	liqReadTimeout     = 90 * time.Second
	liqBufferSize      = 512
	liqStableSession   = 2 * time.Minute // session length that resets backoff
)

// LiquidationFeed streams forced liquidations from the venue.
type LiquidationFeed struct {
	wsBaseURL string
	events    chan types.LiquidationEvent

	connMu sync.Mutex
	conn   *websocket.Conn

	logger *slog.Logger
}

// NewLiquidationFeed creates the feed. Call Run to start it.
func NewLiquidationFeed(wsBaseURL string, logger *slog.Logger) *LiquidationFeed {
	return &LiquidationFeed{
		wsBaseURL: wsBaseURL,
		events:    make(chan types.LiquidationEvent, liqBufferSize),
		logger:    logger.With("component", "liq_feed"),
	}
}

// Events returns the stream of normalized liquidation events.
func (f *LiquidationFeed) Events() <-chan types.LiquidationEvent { return f.events }

// Run connects and maintains the stream until ctx is cancelled.
func (f *LiquidationFeed) Run(ctx context.Context) error {
	backoff := liqReconnectBase

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) >= liqStableSession {
			backoff = liqReconnectBase
		}

		f.logger.Warn("liquidation stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > liqReconnectMax {
			backoff = liqReconnectMax
		}
	}
}

// Close tears down the current connection, if any.
func (f *LiquidationFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *LiquidationFeed) connectAndRead(ctx context.Context) error {
	url := f.wsBaseURL + liqStreamPath
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// The venue pings us; answering pongs is handled by the default
	// handler, but the read deadline must be pushed forward on each ping
	// or a quiet market looks like a dead connection.
	conn.SetReadDeadline(time.Now().Add(liqReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(liqReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	f.logger.Info("liquidation stream connected", "url", url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(liqReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

func (f *LiquidationFeed) dispatch(data []byte) {
	frame, err := decodeForceOrder(data)
	if err != nil {
		f.logger.Debug("ignoring unparseable frame", "error", err)
		return
	}
	if frame == nil {
		return
	}

	evt := frame.Liquidation()
	select {
	case f.events <- evt:
	default:
		f.logger.Warn("liquidation channel full, dropping event", "symbol", evt.Symbol)
	}
}

// decodeForceOrder parses a raw frame into a ForceOrderFrame, returning
// (nil, nil) for frames of other event types.
func decodeForceOrder(data []byte) (*types.ForceOrderFrame, error) {
	var env types.StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.EventType != types.EventForceOrder {
		return nil, nil
	}
	var frame types.ForceOrderFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// LiquidationSimulator emits synthetic liquidations in paper mode. Volumes
// are drawn so bursts occasionally cross realistic thresholds, which keeps
// the monitor and hunter paths exercised end to end.
type LiquidationSimulator struct {
	symbols []string
	prices  map[string]float64
	events  chan types.LiquidationEvent
	rng     *rand.Rand
	logger  *slog.Logger
}

// NewLiquidationSimulator creates a simulator for the given symbols with
// plausible reference prices.
func NewLiquidationSimulator(symbols []string, refPrices map[string]float64, logger *slog.Logger) *LiquidationSimulator {
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := refPrices[s]; ok && p > 0 {
			prices[s] = p
		} else {
			prices[s] = 100
		}
	}
	return &LiquidationSimulator{
		symbols: symbols,
		prices:  prices,
		events:  make(chan types.LiquidationEvent, liqBufferSize),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger.With("component", "liq_sim"),
	}
}

// Events returns the synthetic liquidation stream.
func (s *LiquidationSimulator) Events() <-chan types.LiquidationEvent { return s.events }

// Run emits events every 5-10 seconds until ctx is cancelled.
func (s *LiquidationSimulator) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	s.logger.Info("paper-mode liquidation simulator started", "symbols", len(s.symbols))

	for {
		wait := 5*time.Second + time.Duration(s.rng.Int63n(int64(5*time.Second)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		evt := s.synthesize()
		select {
		case s.events <- evt:
		default:
		}
	}
}

func (s *LiquidationSimulator) synthesize() types.LiquidationEvent {
	symbol := s.symbols[s.rng.Intn(len(s.symbols))]
	price := s.prices[symbol] * (1 + (s.rng.Float64()-0.5)*0.01)

	side := types.SELL
	if s.rng.Intn(2) == 0 {
		side = types.BUY
	}

	// Log-ish distribution: mostly small wipes, occasional whale.
	notional := 500 + s.rng.Float64()*4500
	if s.rng.Intn(10) == 0 {
		notional *= 20
	}
	qty := notional / price

	return types.LiquidationEvent{
		Symbol:    symbol,
		Side:      side,
		Status:    "FILLED",
		Qty:       qty,
		FilledQty: qty,
		Price:     price,
		EventTime: time.Now(),
	}
}
