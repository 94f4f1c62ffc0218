// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	Liquidations   *prometheus.CounterVec // symbol, side
	Triggers       *prometheus.CounterVec // symbol, side
	OrdersPlaced   *prometheus.CounterVec // symbol, type
	OrdersFailed   *prometheus.CounterVec // symbol, kind
	TradesBlocked  *prometheus.CounterVec // symbol, reason
	Errors         *prometheus.CounterVec // kind, severity
	ReconcilePass  prometheus.Counter
	ReconcileFixes *prometheus.CounterVec // action

	OpenPositions prometheus.Gauge
	PendingOrders prometheus.Gauge
	MarginUsed    *prometheus.GaugeVec // symbol
	VWAPValue     *prometheus.GaugeVec // symbol
}

// New creates a registry with all engine collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Liquidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liqhunter_liquidations_total",
			Help: "Force liquidations observed on the public stream.",
		}, []string{"symbol", "side"}),
		Triggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liqhunter_threshold_triggers_total",
			Help: "Threshold crossings that armed an entry.",
		}, []string{"symbol", "side"}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liqhunter_orders_placed_total",
			Help: "Orders accepted by the venue.",
		}, []string{"symbol", "type"}),
		OrdersFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liqhunter_orders_failed_total",
			Help: "Order placements rejected, by error kind.",
		}, []string{"symbol", "kind"}),
		TradesBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liqhunter_trades_blocked_total",
			Help: "Entries stopped by a pre-placement gate.",
		}, []string{"symbol", "reason"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liqhunter_errors_total",
			Help: "Classified errors reported to the error log.",
		}, []string{"kind", "severity"}),
		ReconcilePass: factory.NewCounter(prometheus.CounterOpts{
			Name: "liqhunter_reconcile_passes_total",
			Help: "Completed reconcile passes.",
		}),
		ReconcileFixes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liqhunter_reconcile_actions_total",
			Help: "Mutations issued by the reconciler.",
		}, []string{"action"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liqhunter_open_positions",
			Help: "Positions with non-zero amount.",
		}),
		PendingOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liqhunter_pending_orders",
			Help: "Entry orders in flight.",
		}),
		MarginUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liqhunter_margin_used_usdt",
			Help: "Margin committed per symbol.",
		}, []string{"symbol"}),
		VWAPValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liqhunter_vwap",
			Help: "Rolling VWAP per tracked symbol.",
		}, []string{"symbol"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
