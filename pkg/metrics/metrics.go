// Package metrics exposes the fabric's Prometheus surface (spec §6
// `/metrics`), grounded on the teacher's promauto-based Metrics struct,
// remapped from anomaly-analysis counters to the per-method call/success
// /error/duration quadruple the Service Runtime (C4) pushes for every
// tracked method, plus the auth (C2) and gossip (C3) boundary counters
// named in the spec's testable properties and scenarios.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the fabric exports.
type Metrics struct {
	methodCalls    *prometheus.CounterVec
	methodSuccess  *prometheus.CounterVec
	methodErrors   *prometheus.CounterVec
	methodDuration *prometheus.HistogramVec

	authRevokedDenials prometheus.Counter
	rateLimited        *prometheus.CounterVec

	gossipMerges   prometheus.Counter
	gossipRoundDur prometheus.Histogram
	nodesAlive     prometheus.Gauge

	hashChunksCompleted prometheus.Counter
	hashOrphansRecov    prometheus.Counter
	hashSolutionsFound  prometheus.Counter
}

// NewMetrics registers the fabric's metric collectors against the
// process-wide default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	promauto := promauto.With(reg)
	return &Metrics{
		methodCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_method_calls_total",
			Help: "Total invocations of a service/method pair (method_<m>_calls).",
		}, []string{"service", "method"}),

		methodSuccess: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_method_success_total",
			Help: "Successful invocations of a service/method pair (method_<m>_success).",
		}, []string{"service", "method"}),

		methodErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_method_errors_total",
			Help: "Failed invocations of a service/method pair (method_<m>_errors).",
		}, []string{"service", "method"}),

		methodDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_method_duration_ms",
			Help:    "Invocation duration in milliseconds (method_<m>_duration_ms).",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"service", "method"}),

		authRevokedDenials: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_auth_revoked_denials_total",
			Help: "RPCs rejected because the bearer token's nonce was blacklisted.",
		}),

		rateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_rate_limited_total",
			Help: "Requests rejected by the per source-IP x endpoint token bucket.",
		}, []string{"endpoint"}),

		gossipMerges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_gossip_merges_total",
			Help: "Node records accepted as newer during a gossip merge.",
		}),

		gossipRoundDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_gossip_round_seconds",
			Help:    "Wall-clock duration of one gossip pull/push round with a peer.",
			Buckets: prometheus.DefBuckets,
		}),

		nodesAlive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_nodes_alive",
			Help: "Number of nodes currently classified alive in the registry.",
		}),

		hashChunksCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_hash_chunks_completed_total",
			Help: "Chunks that transitioned to solved across all jobs.",
		}),

		hashOrphansRecov: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_hash_orphans_recovered_total",
			Help: "Chunks re-issued by the orphan recovery loop.",
		}),

		hashSolutionsFound: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_hash_solutions_found_total",
			Help: "Preimages discovered across all jobs.",
		}),
	}
}

// MethodCall records one full invocation: the call counter always
// increments; success/error is mutually exclusive per spec §4.4 (the
// success+errors=calls identity, P6).
func (m *Metrics) MethodCall(service, method string, err error, d time.Duration) {
	m.methodCalls.WithLabelValues(service, method).Inc()
	if err != nil {
		m.methodErrors.WithLabelValues(service, method).Inc()
	} else {
		m.methodSuccess.WithLabelValues(service, method).Inc()
	}
	m.methodDuration.WithLabelValues(service, method).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncAuthRevokedDenial() { m.authRevokedDenials.Inc() }

func (m *Metrics) IncRateLimited(endpoint string) { m.rateLimited.WithLabelValues(endpoint).Inc() }

func (m *Metrics) ObserveGossipRound(d time.Duration) { m.gossipRoundDur.Observe(d.Seconds()) }

func (m *Metrics) IncGossipMerges(n int) { m.gossipMerges.Add(float64(n)) }

func (m *Metrics) SetNodesAlive(n int) { m.nodesAlive.Set(float64(n)) }

func (m *Metrics) IncHashChunksCompleted() { m.hashChunksCompleted.Inc() }

func (m *Metrics) IncHashOrphansRecovered(n int) { m.hashOrphansRecov.Add(float64(n)) }

func (m *Metrics) IncHashSolutionsFound(n int) { m.hashSolutionsFound.Add(float64(n)) }

// GetRegistry returns the process-wide Prometheus gatherer the /metrics
// handler scrapes.
func (m *Metrics) GetRegistry() prometheus.Gatherer { return prometheus.DefaultGatherer }
