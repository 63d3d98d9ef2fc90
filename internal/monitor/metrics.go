// Package monitor exposes operational visibility: prometheus counters fed by
// the engine and a bus watcher that logs safety-relevant events.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the core's operational counters and gauges. One instance is
// shared by the engine and the API server.
type Metrics struct {
	Ticks         prometheus.Counter
	Alerts        prometheus.Counter
	Armed         prometheus.Counter
	Entries       prometheus.Counter
	Vetoes        *prometheus.CounterVec
	Purges        *prometheus.CounterVec
	PanicFlats    prometheus.Counter
	TradesClosed  prometheus.Counter
	OpenPositions prometheus.Gauge
	LiveInstances prometheus.Gauge
	LiveOrders    prometheus.Gauge
	RealizedPnL   prometheus.Gauge
	RegimeScore   prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg yields working
// but unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "momentum_ticks_total",
			Help: "Scheduling ticks processed.",
		}),
		Alerts: f.NewCounter(prometheus.CounterOpts{
			Name: "momentum_alerts_total",
			Help: "Scanner alerts emitted.",
		}),
		Armed: f.NewCounter(prometheus.CounterOpts{
			Name: "momentum_armed_total",
			Help: "Instances that validated a pullback and armed.",
		}),
		Entries: f.NewCounter(prometheus.CounterOpts{
			Name: "momentum_entries_total",
			Help: "Entry orders submitted.",
		}),
		Vetoes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_risk_vetoes_total",
			Help: "Risk vetoes by reason.",
		}, []string{"reason"}),
		Purges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_purges_total",
			Help: "Instances retired without a position, by reason.",
		}, []string{"reason"}),
		PanicFlats: f.NewCounter(prometheus.CounterOpts{
			Name: "momentum_panic_flats_total",
			Help: "Orders resolved through the panic-flat path.",
		}),
		TradesClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "momentum_trades_closed_total",
			Help: "Round trips archived.",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "momentum_open_positions",
			Help: "Currently open positions.",
		}),
		LiveInstances: f.NewGauge(prometheus.GaugeOpts{
			Name: "momentum_live_instances",
			Help: "Live symbol instances (watch/armed/entry).",
		}),
		LiveOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "momentum_live_orders",
			Help: "Orders in flight at the broker.",
		}),
		RealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "momentum_realized_pnl_today",
			Help: "Realized PnL booked against today's risk budget.",
		}),
		RegimeScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "momentum_regime_score",
			Help: "Raw regime barometer score.",
		}),
	}
}
