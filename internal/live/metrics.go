package live

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the runner's prometheus collectors.
type Metrics struct {
	BarsReceived     *prometheus.CounterVec
	SignalsGenerated *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	Reconnects       prometheus.Counter
	QueueDepth       prometheus.Gauge
	PaperBalance     prometheus.Gauge
}

// NewMetrics builds and registers the collectors on the given
// registerer. Pass prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategy_tester",
			Subsystem: "live",
			Name:      "bars_received_total",
			Help:      "Confirmed bars received per symbol and interval.",
		}, []string{"symbol", "interval"}),
		SignalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategy_tester",
			Subsystem: "live",
			Name:      "signals_generated_total",
			Help:      "Signals emitted per strategy.",
		}, []string{"strategy"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strategy_tester",
			Subsystem: "live",
			Name:      "trades_executed_total",
			Help:      "Executed trades per strategy and mode.",
		}, []string{"strategy", "mode"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strategy_tester",
			Subsystem: "live",
			Name:      "ws_reconnects_total",
			Help:      "WebSocket reconnect attempts.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strategy_tester",
			Subsystem: "live",
			Name:      "dispatch_queue_depth",
			Help:      "Bars waiting in the dispatch queue.",
		}),
		PaperBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strategy_tester",
			Subsystem: "live",
			Name:      "paper_balance",
			Help:      "Paper book balance.",
		}),
	}
	reg.MustRegister(
		m.BarsReceived,
		m.SignalsGenerated,
		m.TradesExecuted,
		m.Reconnects,
		m.QueueDepth,
		m.PaperBalance,
	)
	return m
}
