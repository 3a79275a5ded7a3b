// Package metrics exposes Zaku's Prometheus instrumentation: per-op
// counters, a claim-duration histogram, queue/claimed depth gauges, a
// reap counter, connection/subscription gauges, and a published-total
// counter, all under a zaku_ prefix.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every Zaku Prometheus collector behind one value so
// server/client constructors take a single dependency instead of reaching
// for package-level globals.
type Registry struct {
	OpsTotal       *prometheus.CounterVec
	OpErrorsTotal  *prometheus.CounterVec
	ClaimDuration  *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	ClaimedDepth   *prometheus.GaugeVec
	ReapedTotal    *prometheus.CounterVec
	Connections    prometheus.Gauge
	Subscriptions  prometheus.Gauge
	PublishedTotal *prometheus.CounterVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default registry's
// cross-test collisions; pass prometheus.DefaultRegisterer in cmd/zaku-server.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		OpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zaku_ops_total",
			Help: "Total operations handled by the server, by op name.",
		}, []string{"op"}),
		OpErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zaku_op_errors_total",
			Help: "Total operations whose engine call failed with an ERR frame, by op name and error code.",
		}, []string{"op", "code"}),
		ClaimDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zaku_claim_duration_seconds",
			Help:    "Wall time a task spends claimed before MARK_DONE or MARK_RESET.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zaku_queue_pending_depth",
			Help: "Number of pending tasks in a queue.",
		}, []string{"queue"}),
		ClaimedDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zaku_queue_claimed_depth",
			Help: "Number of claimed-but-not-done tasks in a queue.",
		}, []string{"queue"}),
		ReapedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zaku_reaped_total",
			Help: "Total claims reverted to pending by the reaper, by queue.",
		}, []string{"queue"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zaku_connections",
			Help: "Number of live client connections.",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zaku_subscriptions",
			Help: "Number of live topic subscriptions across all connections.",
		}),
		PublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zaku_published_total",
			Help: "Total PUBLISH operations, by topic.",
		}, []string{"topic"}),
	}
}

// Handler returns the /metrics HTTP handler to mount on cfg.MetricsAddr.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a dedicated metrics HTTP server on addr, grounded in the
// teacher's inline `http.Handle("/metrics", ...); http.ListenAndServe` call
// but split out so cmd/zaku-server can run it alongside the websocket
// listener under the same lifecycle.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
