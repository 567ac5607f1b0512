package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics groups the collectors of both the sync client and the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	// client side
	reconnects      prometheus.Counter
	incoming        *prometheus.CounterVec
	sends           *prometheus.CounterVec
	outboxDepth     prometheus.Gauge
	sessionsByState *prometheus.GaugeVec

	// relay side
	activeConns  prometheus.Gauge
	onlineUsers  prometheus.Gauge
	stored       prometheus.Counter
	rateLimited  prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith registers every collector on reg.
func NewWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful transport reconnects.",
		}),
		incoming: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incoming_messages_total",
			Help:      "Incoming messages by store outcome.",
		}, []string{"outcome"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Optimistic sends by result.",
		}, []string{"result"}),
		outboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Frames waiting in transport outboxes.",
		}),
		sessionsByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_sessions",
			Help:      "Room sessions by state.",
		}, []string{"state"}),
		activeConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_active_connections",
			Help:      "Open websocket connections on the relay.",
		}),
		onlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_online_users",
			Help:      "Distinct senders with at least one connection.",
		}),
		stored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_stored_total",
			Help:      "Messages appended to the relay log.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rate_limited_total",
			Help:      "Sends refused by the per-sender rate limit.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the relay.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Incoming counts one ApplyIncoming outcome ("inserted", "duplicate", ...).
func (m *Metrics) Incoming(outcome string) {
	if m == nil {
		return
	}
	m.incoming.WithLabelValues(outcome).Inc()
}

// Send counts one send result ("emitted", "confirmed", "timeout", ...).
func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxDelta(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Add(float64(n))
}

// SessionMoved tracks a room session leaving one state for another.
// An empty from or to means the session was created or discarded.
func (m *Metrics) SessionMoved(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.sessionsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.sessionsByState.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) IncConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

func (m *Metrics) DecConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) Stored() {
	if m == nil {
		return
	}
	m.stored.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by chi route pattern,
// which keeps room ids out of the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
