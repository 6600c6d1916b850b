// Package metrics exposes engine activity as Prometheus series:
//
//	grid_grids_created_total{strategy}
//	grid_orders_placed_total{strategy}
//	grid_orders_rejected_total{reason}
//	grid_orders_filled_total{kind}
//	grid_orders_closed_total{status}
//	grid_regenerations_total{outcome}
//	grid_account_balance
package metrics

import (
	"net/http"

	"grid-trader-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements grid.Recorder.
type Metrics struct {
	registry      *prometheus.Registry
	gridsCreated  *prometheus.CounterVec
	ordersPlaced  *prometheus.CounterVec
	ordersReject  *prometheus.CounterVec
	ordersFilled  *prometheus.CounterVec
	ordersClosed  *prometheus.CounterVec
	regenerations *prometheus.CounterVec
	balance       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gridsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_grids_created_total", Help: "Grids created"},
			[]string{"strategy"},
		),
		ordersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_orders_placed_total", Help: "Orders placed, regenerations included"},
			[]string{"strategy"},
		),
		ordersReject: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_orders_rejected_total", Help: "Grid order specs skipped before or at placement"},
			[]string{"reason"},
		),
		ordersFilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_orders_filled_total", Help: "Pending orders filled"},
			[]string{"kind"},
		),
		ordersClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_orders_closed_total", Help: "Positions closed by final status"},
			[]string{"status"},
		),
		// outcome: placed|cooldown|exhausted|zero_lot|margin|rejected|error
		regenerations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "grid_regenerations_total", Help: "Regeneration attempts by outcome"},
			[]string{"outcome"},
		),
		balance: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "grid_account_balance", Help: "Account balance after realized PnL"},
		),
	}
	m.registry.MustRegister(m.gridsCreated, m.ordersPlaced, m.ordersReject)
	m.registry.MustRegister(m.ordersFilled, m.ordersClosed)
	m.registry.MustRegister(m.regenerations, m.balance)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for scraping in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) GridCreated(strategy string) { m.gridsCreated.WithLabelValues(strategy).Inc() }
func (m *Metrics) OrderPlaced(strategy string) { m.ordersPlaced.WithLabelValues(strategy).Inc() }
func (m *Metrics) OrderRejected(reason string) { m.ordersReject.WithLabelValues(reason).Inc() }
func (m *Metrics) Regeneration(outcome string) { m.regenerations.WithLabelValues(outcome).Inc() }
func (m *Metrics) Balance(balance float64)     { m.balance.Set(balance) }
func (m *Metrics) OrderFilled(k models.OrderKind) {
	m.ordersFilled.WithLabelValues(string(k)).Inc()
}
func (m *Metrics) OrderClosed(s models.OrderStatus) {
	m.ordersClosed.WithLabelValues(string(s)).Inc()
}
