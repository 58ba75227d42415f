package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Domain metrics
var (
	linksIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "magiclink_issued_total",
		Help: "Magic link tokens issued.",
	})

	validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magiclink_validations_total",
			Help: "Magic link validation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notification send attempts by channel and result.",
		},
		[]string{"channel", "result"},
	)

	statusEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_status_events_total",
			Help: "Delivery status events by ingestion source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Queue messages routed to the dead-letter sink.",
		},
		[]string{"reason"},
	)

	dispatchDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_dropped_total",
		Help: "Post-commit notifications dropped because the dispatch queue was full.",
	})

	operatorSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "operator_sessions",
		Help: "Live operator push sessions.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			linksIssued, validations, notificationsSent, statusEvents,
			deadLetters, dispatchDropped, operatorSessions,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func LinkIssued()               { linksIssued.Inc() }
func Validation(outcome string) { validations.WithLabelValues(outcome).Inc() }
func NotificationSent(channel, result string) {
	notificationsSent.WithLabelValues(channel, result).Inc()
}
func StatusEvent(source, outcome string) { statusEvents.WithLabelValues(source, outcome).Inc() }
func DeadLettered(reason string)         { deadLetters.WithLabelValues(reason).Inc() }
func DispatchDropped()                   { dispatchDropped.Inc() }
func SetOperatorSessions(n int)          { operatorSessions.Set(float64(n)) }

// Instrument records RPS, latency and in-flight requests.
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

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "employees" && parts[3] == "magic-link" {
		return "/v1/employees/:id/magic-link"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack forwards to the wrapped writer so websocket upgrades pass through.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("obs: response writer does not support hijacking")
	}
	return h.Hijack()
}
