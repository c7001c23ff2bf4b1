package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements engine.Observer on top of a prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	ordersReceived prometheus.Counter
	ordersMatched  prometheus.Counter
	errorsTotal    prometheus.Counter
	matchLatency   prometheus.Histogram
	bookDepth      prometheus.Gauge
}

// New creates and registers the engine's instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_received_total",
			Help: "Total orders received",
		}),
		ordersMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_matched_total",
			Help: "Total orders matched into trades",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total errors encountered",
		}),
		matchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_match_latency_seconds",
			Help:    "Time to match an order",
			Buckets: prometheus.DefBuckets,
		}),
		bookDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "order_book_depth",
			Help: "Current number of open orders",
		}),
	}

	m.registry.MustRegister(
		m.ordersReceived,
		m.ordersMatched,
		m.errorsTotal,
		m.matchLatency,
		m.bookDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderReceived() { m.ordersReceived.Inc() }
func (m *Metrics) OrderMatched()  { m.ordersMatched.Inc() }
func (m *Metrics) ErrorOccurred() { m.errorsTotal.Inc() }

func (m *Metrics) MatchObserved(d time.Duration) { m.matchLatency.Observe(d.Seconds()) }
func (m *Metrics) DepthChanged(open int)         { m.bookDepth.Set(float64(open)) }
