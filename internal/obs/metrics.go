package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics for the local control API.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Mesh metrics for the per-organization topic protocol.
var (
	meshMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_messages_total",
			Help: "Topic messages handled, by direction and type.",
		},
		[]string{"direction", "type"},
	)

	meshSendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_send_failures_total",
		Help: "Transport publish/send failures (non-fatal, retried by timers).",
	})

	meshOnlineMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_online_members",
			Help: "Currently known online members per organization.",
		},
		[]string{"org_id"},
	)

	syncEntriesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_entries_applied_total",
		Help: "Remote activity entries applied by the sync engine.",
	})

	syncConflictsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_conflicts_resolved_total",
		Help: "Conflicts resolved by last-write-wins during sync.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		meshMessagesTotal, meshSendFailuresTotal, meshOnlineMembers,
		syncEntriesApplied, syncConflictsResolved,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// MessageReceived records an inbound topic message.
func MessageReceived(msgType string) {
	meshMessagesTotal.WithLabelValues("in", msgType).Inc()
}

// MessageSent records an outbound topic message.
func MessageSent(msgType string) {
	meshMessagesTotal.WithLabelValues("out", msgType).Inc()
}

// SendFailed records a non-fatal transport failure.
func SendFailed() {
	meshSendFailuresTotal.Inc()
}

// SetOnlineMembers publishes the current presence count for an organization.
func SetOnlineMembers(orgID string, n int) {
	meshOnlineMembers.WithLabelValues(orgID).Set(float64(n))
}

// SyncApplied counts applied entries and how many required conflict resolution.
func SyncApplied(applied, conflicts int) {
	syncEntriesApplied.Add(float64(applied))
	syncConflictsResolved.Add(float64(conflicts))
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
