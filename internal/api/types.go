// Package api serves the read-only HTTP and WebSocket facade: REST
// snapshots for state, a WebSocket that relays the internal event bus,
// and the Prometheus endpoint.
package api

import (
	"context"
	"time"

	"liqhunter/pkg/types"
)

// Event is one message pushed to WebSocket clients.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Snapshot is the full UI state returned by /api/snapshot and sent to
// each WebSocket client on connect.
type Snapshot struct {
	Timestamp    time.Time               `json:"timestamp"`
	PaperMode    bool                    `json:"paperMode"`
	Positions    []types.Position        `json:"positions"`
	Pending      []types.PendingOrder    `json:"pendingOrders"`
	Thresholds   []types.ThresholdStatus `json:"thresholds"`
	Liquidations []types.LiquidationEvent `json:"recentLiquidations"`
	Symbols      []string                `json:"symbols"`
}

// Engine is the state surface the handlers read from.
type Engine interface {
	Snapshot() Snapshot
	Positions() []types.Position
	RecentLiquidations(limit int) []types.LiquidationEvent
	VWAP(symbol string) (types.VWAPSnapshot, bool)
	SymbolDetail(ctx context.Context, symbol string) (SymbolDetail, error)
	Income(ctx context.Context, since time.Time) (IncomeSummary, error)
}

// SymbolDetail is the /symbols/{symbol} response.
type SymbolDetail struct {
	Info       types.SymbolInfo `json:"info"`
	Price      float64          `json:"price"`
	Configured bool             `json:"configured"`
}

// IncomeSummary aggregates income records for a range.
type IncomeSummary struct {
	Range       string         `json:"range"`
	Total       float64        `json:"total"`
	ByType      map[string]float64 `json:"byType"`
	BySymbol    map[string]float64 `json:"bySymbol"`
	RecordCount int            `json:"recordCount"`
}

// ErrorStore is the slice of the error log the handlers expose.
type ErrorStore interface {
	Recent(limit int) ([]ErrorRecord, error)
	Clear() error
	ReportTest()
}

// ErrorRecord mirrors one persisted error row for the API.
type ErrorRecord struct {
	ID        uint      `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ErrorType string    `json:"errorType"`
	ErrorCode int       `json:"errorCode"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Severity  string    `json:"severity"`
	SessionID string    `json:"sessionId"`
	Count     int       `json:"count"`
}
