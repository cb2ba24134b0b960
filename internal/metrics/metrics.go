// Package metrics exposes the proxy's own behaviour — never upstream RPC
// data — as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the metrics surface the worker and router depend on.
// Consumers accept this as an interface so tests can substitute a no-op.
type Collector interface {
	ObserveQueueLength(endpointURL string, n int)
	ObserveCooldownMs(endpointURL string, ms int64)
	IncRequest(endpointURL, outcome string)
	IncRateLimit(endpointURL string)
	ObserveRouterAttempts(n int)
}

// Prometheus is the default Collector, registered against its own registry
// so tests can instantiate multiple independent instances.
type Prometheus struct {
	registry        *prometheus.Registry
	queueLength     *prometheus.GaugeVec
	cooldownMs      *prometheus.GaugeVec
	requestsTotal   *prometheus.CounterVec
	rateLimitsTotal *prometheus.CounterVec
	routerAttempts  prometheus.Histogram
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()

	p := &Prometheus{
		registry: reg,
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpcgate_worker_queue_length",
			Help: "Current number of pending requests queued for an endpoint.",
		}, []string{"endpoint"}),
		cooldownMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpcgate_worker_cooldown_ms",
			Help: "Most recently applied cooldown duration in milliseconds.",
		}, []string{"endpoint"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcgate_requests_total",
			Help: "Total upstream requests by outcome (success, transient, permanent, transport_error).",
		}, []string{"endpoint", "outcome"}),
		rateLimitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcgate_rate_limits_total",
			Help: "Total rate-limit detections by endpoint.",
		}, []string{"endpoint"}),
		routerAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rpcgate_router_attempts",
			Help:    "Number of worker attempts made per routed client request.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13, 21},
		}),
	}

	reg.MustRegister(p.queueLength, p.cooldownMs, p.requestsTotal, p.rateLimitsTotal, p.routerAttempts)
	return p
}

func (p *Prometheus) ObserveQueueLength(endpointURL string, n int) {
	p.queueLength.WithLabelValues(endpointURL).Set(float64(n))
}

func (p *Prometheus) ObserveCooldownMs(endpointURL string, ms int64) {
	p.cooldownMs.WithLabelValues(endpointURL).Set(float64(ms))
}

func (p *Prometheus) IncRequest(endpointURL, outcome string) {
	p.requestsTotal.WithLabelValues(endpointURL, outcome).Inc()
}

func (p *Prometheus) IncRateLimit(endpointURL string) {
	p.rateLimitsTotal.WithLabelValues(endpointURL).Inc()
}

func (p *Prometheus) ObserveRouterAttempts(n int) {
	p.routerAttempts.Observe(float64(n))
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Noop discards every observation; useful in tests that don't care about
// metrics wiring.
type Noop struct{}

func (Noop) ObserveQueueLength(string, int)  {}
func (Noop) ObserveCooldownMs(string, int64) {}
func (Noop) IncRequest(string, string)       {}
func (Noop) IncRateLimit(string)             {}
func (Noop) ObserveRouterAttempts(int)       {}
