package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/outcome"
)

const namespace = "jit"

// Registry owns the gateway's collectors. Each instance has its own
// prometheus.Registry so tests and multiple servers never collide.
type Registry struct {
	reg           *prometheus.Registry
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	steps         *prometheus.CounterVec
	openLiability prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Access request decisions by resulting status.",
			},
			[]string{"status"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flow_steps_total",
				Help:      "Integration steps by flow, step and outcome kind.",
			},
			[]string{"flow", "step", "kind"},
		),
		openLiability: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_liabilities",
			Help:      "Approved grants without a scheduled revocation, as of the last reconcile.",
		}),
	}
	r.reg.MustRegister(
		r.httpRequests,
		r.httpDuration,
		r.decisions,
		r.steps,
		r.openLiability,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Observe(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (r *Registry) IncDecision(status string) {
	if status == "" {
		return
	}
	r.decisions.WithLabelValues(status).Inc()
}

// ObserveReport counts every step of a flow report by its outcome kind.
func (r *Registry) ObserveReport(flow string, rep outcome.Report) {
	for _, res := range rep.Steps {
		r.steps.WithLabelValues(flow, res.Step, res.Kind.String()).Inc()
	}
}

func (r *Registry) SetOpenLiabilities(n int) {
	r.openLiability.Set(float64(n))
}

// Middleware records every request under its chi route pattern so path
// parameters do not explode label cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		route := ""
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.Observe(req.Method, route, status, time.Since(start))
	})
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
