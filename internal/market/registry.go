// Package market holds venue market data: the precision registry loaded
// from exchangeInfo and the VWAP streamer fed by klines.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"liqhunter/pkg/types"
)

// Conservative fallbacks for symbols missing from exchangeInfo. Quantizing
// against these grids never produces an invalid order, only a suboptimal one.
var fallbackInfo = types.SymbolInfo{
	TickSize:          0.0001,
	StepSize:          0.001,
	MinNotional:       5,
	PricePrecision:    4,
	QuantityPrecision: 3,
}

// InfoSource provides the exchangeInfo snapshot. Satisfied by the REST client.
type InfoSource interface {
	ExchangeInfo(ctx context.Context) ([]types.SymbolInfo, error)
}

// Registry memoizes per-symbol precision filters. Loaded once at startup
// and refreshable on demand; lookups are lock-cheap reads.
type Registry struct {
	source InfoSource

	mu    sync.RWMutex
	infos map[string]types.SymbolInfo

	logger *slog.Logger
}

// NewRegistry creates an empty registry backed by source.
func NewRegistry(source InfoSource, logger *slog.Logger) *Registry {
	return &Registry{
		source: source,
		infos:  make(map[string]types.SymbolInfo),
		logger: logger.With("component", "registry"),
	}
}

// Load fetches exchangeInfo and replaces the memoized grid.
func (r *Registry) Load(ctx context.Context) error {
	infos, err := r.source.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("load exchange info: %w", err)
	}

	next := make(map[string]types.SymbolInfo, len(infos))
	for _, info := range infos {
		next[info.Symbol] = info
	}

	r.mu.Lock()
	r.infos = next
	r.mu.Unlock()

	r.logger.Info("precision grid loaded", "symbols", len(next))
	return nil
}

// Seed installs infos directly, used in paper mode and tests.
func (r *Registry) Seed(infos []types.SymbolInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range infos {
		r.infos[info.Symbol] = info
	}
}

// Info returns the filters for a symbol, falling back to conservative
// defaults for unknown contracts.
func (r *Registry) Info(symbol string) types.SymbolInfo {
	r.mu.RLock()
	info, ok := r.infos[symbol]
	r.mu.RUnlock()
	if !ok {
		info = fallbackInfo
		info.Symbol = symbol
		r.logger.Warn("symbol missing from precision grid, using fallback", "symbol", symbol)
	}
	return info
}

// Known reports whether the symbol appeared in exchangeInfo.
func (r *Registry) Known(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.infos[symbol]
	return ok
}

// SnapPrice quantizes price down to the symbol's tick grid and renders it
// at pricePrecision. Rounding down never crosses the intended level.
func (r *Registry) SnapPrice(symbol string, price float64) string {
	info := r.Info(symbol)
	return snap(price, info.TickSize, info.PricePrecision)
}

// SnapQty quantizes qty down to the step grid at quantityPrecision.
func (r *Registry) SnapQty(symbol string, qty float64) string {
	info := r.Info(symbol)
	return snap(qty, info.StepSize, info.QuantityPrecision)
}

// MeetsNotional reports whether qty*price clears the symbol's minimum.
func (r *Registry) MeetsNotional(symbol string, qty, price float64) bool {
	info := r.Info(symbol)
	return qty*price >= info.MinNotional
}

// snap floors value to a multiple of grid and renders it with prec decimal
// places. Decimal arithmetic avoids float artifacts like 0.30000000000000004
// leaking into order parameters.
func snap(value, grid float64, prec int) string {
	if value <= 0 {
		return "0"
	}
	v := decimal.NewFromFloat(value)
	if grid > 0 {
		g := decimal.NewFromFloat(grid)
		v = v.Div(g).Floor().Mul(g)
	}
	return v.Truncate(int32(prec)).StringFixed(int32(prec))
}
