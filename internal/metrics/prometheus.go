package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modbus-middleware/internal/apperr"
)

// promMetrics mirrors the collector counters into a dedicated registry so
// the /metrics scrape endpoint carries only this process's series.
type promMetrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	errors        *prometheus.CounterVec
	latency       prometheus.Histogram
	cycles        prometheus.Counter
	targets       *prometheus.CounterVec
	cycleTime     prometheus.Histogram
	publishErrors prometheus.Counter
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	p := &promMetrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_requests_total",
			Help: "Modbus transactions by operation and register type.",
		}, []string{"op", "register_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_request_errors_total",
			Help: "Failed Modbus transactions by error kind.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modbus_request_duration_seconds",
			Help:    "Modbus transaction latency.",
			Buckets: prometheus.DefBuckets,
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polling_cycles_total",
			Help: "Completed polling cycles.",
		}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polling_targets_total",
			Help: "Polled targets by result.",
		}, []string{"result"}),
		cycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polling_cycle_duration_seconds",
			Help:    "Polling cycle duration.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_publish_errors_total",
			Help: "Broker publishes that were dropped.",
		}),
	}
	reg.MustRegister(p.requests, p.errors, p.latency, p.cycles, p.targets, p.cycleTime, p.publishErrors)
	return p
}

func (p *promMetrics) observeRequest(op, registerType string, latency time.Duration, errKind string) {
	p.requests.WithLabelValues(op, registerType).Inc()
	p.latency.Observe(latency.Seconds())
	if errKind != "" {
		p.errors.WithLabelValues(errKind).Inc()
	}
}

func (p *promMetrics) observeCycle(polled, failed, skipped int, dur time.Duration) {
	p.cycles.Inc()
	p.targets.WithLabelValues("success").Add(float64(polled))
	p.targets.WithLabelValues("failed").Add(float64(failed))
	p.targets.WithLabelValues("skipped").Add(float64(skipped))
	p.cycleTime.Observe(dur.Seconds())
}

// Handler returns the scrape handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.prom.registry, promhttp.HandlerOpts{})
}

func errKind(err error) string {
	return apperr.KindOf(err).String()
}
