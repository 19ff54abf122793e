package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nanogrid_simulator/internal/model"
)

// Metrics holds the simulator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticks              prometheus.Counter
	tickFailures       prometheus.Counter
	tickDuration       prometheus.Histogram
	trades             prometheus.Counter
	tradedKWh          prometheus.Counter
	blocks             prometheus.Counter
	ledgerLength       prometheus.Gauge
	settlementFailures prometheus.Counter
	settlementOK       prometheus.Counter
	nodeSoC            *prometheus.GaugeVec
	nodeBalance        *prometheus.GaugeVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates collectors on a private registry, so several instances can
// coexist in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanogrid_ticks_total",
			Help: "Completed simulation ticks.",
		}),
		tickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanogrid_tick_failures_total",
			Help: "Ticks abandoned before sealing.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nanogrid_tick_duration_seconds",
			Help:    "Wall time spent inside one tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanogrid_trades_total",
			Help: "Settled peer-to-peer trades.",
		}),
		tradedKWh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanogrid_traded_kwh_total",
			Help: "Energy moved by settled trades.",
		}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanogrid_blocks_sealed_total",
			Help: "Ledger blocks sealed by this process.",
		}),
		ledgerLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nanogrid_ledger_length",
			Help: "Number of blocks in the ledger.",
		}),
		settlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanogrid_settlement_failures_total",
			Help: "Sealed blocks that could not be published.",
		}),
		settlementOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanogrid_settlements_total",
			Help: "Sealed blocks acknowledged by the settlement sink.",
		}),
		nodeSoC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nanogrid_node_state_of_charge_kwh",
			Help: "Battery state of charge per node.",
		}, []string{"node"}),
		nodeBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nanogrid_node_power_balance_kw",
			Help: "Post-matching power balance per node.",
		}, []string{"node"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.tickFailures,
		m.tickDuration,
		m.trades,
		m.tradedKWh,
		m.blocks,
		m.ledgerLength,
		m.settlementFailures,
		m.settlementOK,
		m.nodeSoC,
		m.nodeBalance,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TickCompleted records a sealed tick and refreshes per-node gauges.
func (m *Metrics) TickCompleted(snap model.Snapshot, trades []model.Trade, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.blocks.Inc()
	m.tickDuration.Observe(took.Seconds())
	m.ledgerLength.Set(float64(snap.LedgerLength))
	for _, t := range trades {
		m.trades.Inc()
		m.tradedKWh.Add(t.AmountKWh)
	}
	for _, n := range snap.Nodes {
		m.nodeSoC.WithLabelValues(strconv.Itoa(n.ID)).Set(n.StateOfCharge)
		m.nodeBalance.WithLabelValues(strconv.Itoa(n.ID)).Set(n.PowerBalance)
	}
}

// TickFailed records an abandoned tick.
func (m *Metrics) TickFailed() {
	if m == nil {
		return
	}
	m.tickFailures.Inc()
}

// SettlementFailed records a block the settlement sink gave up on.
func (m *Metrics) SettlementFailed() {
	if m == nil {
		return
	}
	m.settlementFailures.Inc()
}

// SettlementSucceeded records an acknowledged block.
func (m *Metrics) SettlementSucceeded() {
	if m == nil {
		return
	}
	m.settlementOK.Inc()
}

// GinMiddleware counts requests by matched route and status.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
