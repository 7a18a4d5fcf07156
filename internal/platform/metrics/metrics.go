// Package metrics exposes HTTP and reconciliation metrics in Prometheus
// format.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinicpos"

// Recorder owns a private registry so tests can build as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	httpDuration   *prometheus.HistogramVec
	httpActive     prometheus.Gauge
	reconcileItems *prometheus.CounterVec
	reconcileCalls *prometheus.CounterVec
	reconcileTime  prometheus.Histogram
	claimConflicts prometheus.Counter
	claimsSwept    prometheus.Counter
	dbPoolConns    *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),
		reconcileItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "items_total",
			Help:      "Pending items handled by reconciliation, by outcome.",
		}, []string{"outcome"}),
		reconcileCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "calls_total",
			Help:      "Reconcile calls by result status.",
		}, []string{"status"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Wall time of one reconcile call.",
			Buckets:   prometheus.DefBuckets,
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to another terminal.",
		}),
		claimsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "claims_swept_total",
			Help:      "Expired claims released by the sweeper.",
		}),
		dbPoolConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Database pool connections by state.",
		}, []string{"state"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpDuration, r.httpActive,
		r.reconcileItems, r.reconcileCalls, r.reconcileTime,
		r.claimConflicts, r.claimsSwept, r.dbPoolConns,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Middleware records latency and in-flight requests per route.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.httpActive.Inc()
			start := time.Now()

			err := next(c)

			r.httpActive.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			r.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry at /metrics.
func (r *Recorder) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
}

// ReconcileItem counts one item outcome: processed, skipped or failed.
// Only items skipped because another terminal holds them are conflicts.
func (r *Recorder) ReconcileItem(outcome, reason string) {
	r.reconcileItems.WithLabelValues(outcome).Inc()
	if outcome == "skipped" && reason == "already_claimed" {
		r.claimConflicts.Inc()
	}
}

func (r *Recorder) ReconcileDone(status string, d time.Duration) {
	r.reconcileCalls.WithLabelValues(status).Inc()
	r.reconcileTime.Observe(d.Seconds())
}

func (r *Recorder) ClaimsSwept(n int) {
	r.claimsSwept.Add(float64(n))
}

func (r *Recorder) SetDBPool(active, idle int64) {
	r.dbPoolConns.WithLabelValues("active").Set(float64(active))
	r.dbPoolConns.WithLabelValues("idle").Set(float64(idle))
}
