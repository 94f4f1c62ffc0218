// userdata.go implements the authenticated user-data stream.
//
// The stream is opened against a listen key obtained over REST. The key
// expires after 60 minutes idle, so a keep-alive is sent every 30 minutes;
// on a listenKeyExpired event or any disconnect the feed acquires a fresh
// key and reconnects. Order lifecycle and position deltas are forwarded on
// typed channels consumed by the position guard and the hunter.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liqhunter/pkg/types"
)

const (
	userKeepAlive     = 30 * time.Minute
	userReconnectBase = 5 * time.Second
	userReconnectMax  = 60 * time.Second
	userReadTimeout   = 90 * time.Second
	userBufferSize    = 128
)

// UserDataFeed streams the account's order and position events.
type UserDataFeed struct {
	client    *Client
	wsBaseURL string

	orders    chan types.OrderUpdate
	positions chan types.PositionUpdate

	connMu sync.Mutex
	conn   *websocket.Conn

	logger *slog.Logger
}

// NewUserDataFeed creates the feed. The client supplies listen-key calls.
func NewUserDataFeed(client *Client, wsBaseURL string, logger *slog.Logger) *UserDataFeed {
	return &UserDataFeed{
		client:    client,
		wsBaseURL: wsBaseURL,
		orders:    make(chan types.OrderUpdate, userBufferSize),
		positions: make(chan types.PositionUpdate, userBufferSize),
		logger:    logger.With("component", "user_feed"),
	}
}

// Orders returns the order lifecycle event stream.
func (f *UserDataFeed) Orders() <-chan types.OrderUpdate { return f.orders }

// Positions returns the position delta stream.
func (f *UserDataFeed) Positions() <-chan types.PositionUpdate { return f.positions }

// Run acquires a listen key, connects, and maintains the session until ctx
// is cancelled. The key is closed on shutdown.
func (f *UserDataFeed) Run(ctx context.Context) error {
	backoff := userReconnectBase

	for {
		start := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) >= liqStableSession {
			backoff = userReconnectBase
		}

		f.logger.Warn("user-data stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > userReconnectMax {
			backoff = userReconnectMax
		}
	}
}

// Close tears down the current connection, if any.
func (f *UserDataFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// session runs one listen-key lifetime: acquire, connect, keep alive, read.
func (f *UserDataFeed) session(ctx context.Context) error {
	key, err := f.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.client.CloseListenKey(closeCtx); err != nil {
			f.logger.Debug("close listen key", "error", err)
		}
	}()

	url := f.wsBaseURL + "/ws/" + key
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

	conn.SetReadDeadline(time.Now().Add(userReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(userReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	f.logger.Info("user-data stream connected")

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go f.keepAliveLoop(keepCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(userReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if expired := f.dispatch(msg); expired {
			return fmt.Errorf("listen key expired")
		}
	}
}

func (f *UserDataFeed) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(userKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.client.KeepAliveListenKey(ctx); err != nil {
				f.logger.Warn("listen key keep-alive failed", "error", err)
			}
		}
	}
}

// dispatch routes one frame; returns true when the session must restart.
func (f *UserDataFeed) dispatch(data []byte) bool {
	var env types.StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("unparseable user-data frame", "error", err)
		return false
	}

	switch env.EventType {
	case types.EventOrderTradeUpdate:
		var frame types.OrderTradeUpdateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Error("unmarshal order update", "error", err)
			return false
		}
		upd := frame.Update()
		select {
		case f.orders <- upd:
		default:
			f.logger.Warn("order channel full, dropping event", "symbol", upd.Symbol, "order_id", upd.OrderID)
		}

	case types.EventAccountUpdate:
		var frame types.AccountUpdateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Error("unmarshal account update", "error", err)
			return false
		}
		for _, upd := range frame.Positions() {
			select {
			case f.positions <- upd:
			default:
				f.logger.Warn("position channel full, dropping event", "symbol", upd.Symbol)
			}
		}

	case types.EventListenKeyExpired:
		f.logger.Warn("listen key expired, rotating")
		return true
	}
	return false
}
