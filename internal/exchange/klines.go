// klines.go implements the combined-stream kline feed used for VWAP.
//
// All subscribed symbols share one connection to the combined-stream
// endpoint (/stream?streams=btcusdt@kline_1m/...). Only closed bars are
// forwarded; intra-bar ticks would make VWAP drift within the minute. The
// subscription set is fixed per connection, so the engine restarts the feed
// when hot-reload changes which symbols need VWAP.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liqhunter/pkg/types"
)

const (
	klineReconnectBase = 5 * time.Second
	klineReconnectMax  = 60 * time.Second
	klineReadTimeout   = 90 * time.Second
	klineBufferSize    = 128
)

// KlineFeed streams closed candlesticks for a set of (symbol, interval)
// subscriptions over one combined connection.
type KlineFeed struct {
	wsBaseURL string
	streams   []string // lowercase stream names, e.g. "btcusdt@kline_1m"
	bars      chan types.Kline

	connMu sync.Mutex
	conn   *websocket.Conn

	logger *slog.Logger
}

// NewKlineFeed creates a feed for the given subscriptions, keyed by
// interval. An empty subscription set yields a feed whose Run blocks until
// cancellation.
func NewKlineFeed(wsBaseURL string, symbolsByInterval map[string][]string, logger *slog.Logger) *KlineFeed {
	var streams []string
	for interval, symbols := range symbolsByInterval {
		for _, sym := range symbols {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(sym), interval))
		}
	}
	sort.Strings(streams)

	return &KlineFeed{
		wsBaseURL: wsBaseURL,
		streams:   streams,
		bars:      make(chan types.Kline, klineBufferSize),
		logger:    logger.With("component", "kline_feed"),
	}
}

// Bars returns the stream of closed candlesticks.
func (f *KlineFeed) Bars() <-chan types.Kline { return f.bars }

// Streams returns the subscribed stream names.
func (f *KlineFeed) Streams() []string { return f.streams }

// Run connects and maintains the stream until ctx is cancelled.
func (f *KlineFeed) Run(ctx context.Context) error {
	if len(f.streams) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := klineReconnectBase
	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) >= liqStableSession {
			backoff = klineReconnectBase
		}

		f.logger.Warn("kline stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > klineReconnectMax {
			backoff = klineReconnectMax
		}
	}
}

// Close tears down the current connection, if any.
func (f *KlineFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *KlineFeed) connectAndRead(ctx context.Context) error {
	url := f.wsBaseURL + "/stream?streams=" + strings.Join(f.streams, "/")
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

	conn.SetReadDeadline(time.Now().Add(klineReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(klineReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	f.logger.Info("kline stream connected", "streams", len(f.streams))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(klineReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

func (f *KlineFeed) dispatch(data []byte) {
	var combined types.CombinedFrame
	if err := json.Unmarshal(data, &combined); err != nil || combined.Data == nil {
		return
	}

	var frame types.KlineFrame
	if err := json.Unmarshal(combined.Data, &frame); err != nil {
		f.logger.Debug("unparseable kline frame", "error", err)
		return
	}
	if frame.EventType != types.EventKline || !frame.K.IsClosed {
		return
	}

	bar := frame.Kline()
	select {
	case f.bars <- bar:
	default:
		f.logger.Warn("kline channel full, dropping bar", "symbol", bar.Symbol)
	}
}
