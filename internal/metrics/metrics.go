// Package metrics exposes the Prometheus surface. The HTTP middleware
// instruments every request by route template; the bus collector turns
// lifecycle events into counters so the engine and scheduler never import
// prometheus themselves.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus instrument the server exports.
type Metrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	GenerationsTotal  *prometheus.CounterVec
	GenerationPoints  *prometheus.CounterVec
	CookPieces        *prometheus.CounterVec
	DepositsConfirmed prometheus.Counter
	DeliveriesTotal   *prometheus.CounterVec

	reg prometheus.Registerer
}

// New registers all instruments on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all instruments on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		reg: reg,
		HTTPRequests: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noema_http_requests_total",
				Help: "Requests handled, by route template, method and status code",
			},
			[]string{"route", "method", "status"},
		),

		HTTPDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noema_http_request_duration_seconds",
				Help:    "Request latency by route template",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),

		GenerationsTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noema_generations_total",
				Help: "Terminal generation outcomes, by service and status",
			},
			[]string{"service", "status"},
		),

		GenerationPoints: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noema_generation_points_spent_total",
				Help: "Points debited for completed generations, by service",
			},
			[]string{"service"},
		),

		CookPieces: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noema_cook_pieces_total",
				Help: "Cook pieces recorded against their target",
			},
			[]string{"status"}, // running | completed | failed | stopped
		),

		DepositsConfirmed: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "noema_deposits_confirmed_total",
				Help: "On-chain deposits credited to the ledger",
			},
		),

		DeliveriesTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noema_deliveries_total",
				Help: "Terminal notifications fanned out, by platform and result",
			},
			[]string{"platform", "result"},
		),
	}
}

// TrackWebsocketClients registers a gauge sampled at scrape time from the
// hub's live connection count. Call once, after the hub exists.
func (m *Metrics) TrackWebsocketClients(count func() int) prometheus.GaugeFunc {
	return promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "noema_websocket_clients",
			Help: "Currently connected WebSocket clients",
		},
		func() float64 { return float64(count()) },
	)
}

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments a request with its mux route template, falling back
// to the raw path for unrouted requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RecordGeneration counts a terminal outcome.
func (m *Metrics) RecordGeneration(service, status string, points int64) {
	if service == "" {
		service = "unknown"
	}
	m.GenerationsTotal.WithLabelValues(service, status).Inc()
	if points > 0 {
		m.GenerationPoints.WithLabelValues(service).Add(float64(points))
	}
}

// RecordCookProgress counts one cook tick by aggregate status.
func (m *Metrics) RecordCookProgress(status string) {
	m.CookPieces.WithLabelValues(status).Inc()
}

// RecordDelivery counts one fan-out attempt result.
func (m *Metrics) RecordDelivery(platform, result string) {
	m.DeliveriesTotal.WithLabelValues(platform, result).Inc()
}
