package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
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

// Collaboration metrics. Gauges are driven by the coordinator, counters by the
// broadcaster and lock manager.
var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions_active",
		Help: "Sessions currently alive.",
	})

	MembersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_members_active",
		Help: "Participants attached across all sessions.",
	})

	LocksHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_locks_held",
		Help: "Advisory lock entries currently held (lapsed entries leave on sweep).",
	})

	LockConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_lock_conflicts_total",
		Help: "TryAcquire calls refused because a live holder exists.",
	})

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_events_published_total",
			Help: "Events published to session members, by event type.",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_events_dropped_total",
		Help: "Event deliveries dropped because a subscriber sink was full.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		SessionsActive, MembersActive, LocksHeld,
		LockConflictsTotal, EventsPublishedTotal, EventsDroppedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses per-entity path segments so metric label cardinality
// stays bounded. Session ids and case numbers are caller-supplied strings.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	if rest, ok := strings.CutPrefix(path, "/v1/sessions/"); ok {
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1 && parts[0] != "":
			return "/v1/sessions/:id"
		case len(parts) == 2:
			return "/v1/sessions/:id/" + parts[1]
		case len(parts) == 4 && parts[1] == "locks":
			return "/v1/sessions/:id/locks/:resource/" + parts[3]
		}
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/v1/properties/"); ok {
		if rest != "" && !strings.Contains(rest, "/") {
			return "/v1/properties/:case"
		}
	}
	return path
}

// statusWriter records the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
