// Package metrics provides the Prometheus metrics of the route optimizer.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// City database pool
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	// Optimization
	OptimizationJobsTotal *prometheus.CounterVec
	RouteOutcomesTotal    *prometheus.CounterVec
	GenerationsTotal      prometheus.Counter
	GenerationDuration    prometheus.Histogram

	// Streaming
	ActiveSubscriptions prometheus.Gauge
	DroppedFramesTotal  prometheus.Counter

	logger *slog.Logger

	collectorStarted atomic.Bool
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// New creates metrics registered on a fresh registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics that report collector failures to logger.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routeopt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routeopt_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routeopt_db_connections_open",
			Help: "Number of open city database connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routeopt_db_connections_in_use",
			Help: "Number of city database connections currently in use",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routeopt_db_connections_idle",
			Help: "Number of idle city database connections",
		}),
		DBWaitSecondsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routeopt_db_wait_seconds_total",
			Help: "Total time blocked waiting for a city database connection",
		}),
		OptimizationJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routeopt_optimization_jobs_total",
			Help: "Optimization jobs by mode (sync, stream) and outcome",
		}, []string{"mode", "outcome"}),
		RouteOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routeopt_route_outcomes_total",
			Help: "Per-route optimization outcomes",
		}, []string{"outcome"}),
		GenerationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routeopt_aco_generations_total",
			Help: "ACO generations completed",
		}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routeopt_aco_generation_duration_seconds",
			Help:    "Wall time of one ACO generation",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routeopt_stream_subscriptions_active",
			Help: "Open /optimize-live subscriptions",
		}),
		DroppedFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routeopt_stream_frames_dropped_total",
			Help: "Progress frames dropped because a subscriber fell behind",
		}),
		logger: logger,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitSecondsTotal,
		m.OptimizationJobsTotal,
		m.RouteOutcomesTotal,
		m.GenerationsTotal,
		m.GenerationDuration,
		m.ActiveSubscriptions,
		m.DroppedFramesTotal,
	)

	return m
}

// ObserveGeneration records one finished ACO generation. Safe on a nil receiver.
func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationsTotal.Inc()
	m.GenerationDuration.Observe(d.Seconds())
}

// RouteOutcome counts one per-route result. Safe on a nil receiver.
func (m *Metrics) RouteOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RouteOutcomesTotal.WithLabelValues(outcome).Inc()
}

// JobFinished counts one optimization job. Safe on a nil receiver.
func (m *Metrics) JobFinished(mode, outcome string) {
	if m == nil {
		return
	}
	m.OptimizationJobsTotal.WithLabelValues(mode, outcome).Inc()
}

// StartDBStatsCollector polls db.Stats every interval until Shutdown.
// Only the first call starts a collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil && m.logger != nil {
				m.logger.Error("panic in DB stats collector", "error", r)
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastWait time.Duration
		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))

				if delta := stats.WaitDuration - lastWait; delta > 0 {
					m.DBWaitSecondsTotal.Add(delta.Seconds())
				}
				lastWait = stats.WaitDuration
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector and waits for it. Safe to call more than once.
func (m *Metrics) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
