// Package metrics exposes sqlrelay's Prometheus instrumentation: backend
// connection pool gauges, routing/session counters, and classifier cache
// gauges, adapted from the teacher's internal/metrics/metrics.go (same
// Collector/New/registry shape) with per-tenant labels replaced by
// per-backend-server and per-worker ones.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for sqlrelay.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive *prometheus.GaugeVec
	connectionsIdle   *prometheus.GaugeVec
	connectionsTotal  *prometheus.GaugeVec
	serverStatus      *prometheus.GaugeVec
	replicationLag    *prometheus.GaugeVec
	poolExhausted     *prometheus.CounterVec

	probeDuration *prometheus.HistogramVec
	probeErrors   *prometheus.CounterVec

	statementsRouted  *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	acquireDuration   *prometheus.HistogramVec
	sessionsActive    prometheus.Gauge
	sessionsClosed    *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheSize   prometheus.Gauge

	workerLoad *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlrelay_backend_connections_active",
				Help: "Number of active backend connections per server",
			},
			[]string{"server"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlrelay_backend_connections_idle",
				Help: "Number of idle backend connections per server",
			},
			[]string{"server"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlrelay_backend_connections_total",
				Help: "Total number of backend connections per server",
			},
			[]string{"server"},
		),
		serverStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlrelay_backend_status",
				Help: "Backend server status bits (1=running, 0=down)",
			},
			[]string{"server", "role"},
		),
		replicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlrelay_backend_replication_lag_seconds",
				Help: "Last-observed slave replication lag",
			},
			[]string{"server"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlrelay_pool_exhausted_total",
				Help: "Total number of times a backend's connection pool was exhausted",
			},
			[]string{"server"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlrelay_probe_duration_seconds",
				Help:    "Duration of backend status probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"server", "status"},
		),
		probeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlrelay_probe_errors_total",
				Help: "Backend probe errors by type",
			},
			[]string{"server", "error_type"},
		),

		statementsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlrelay_statements_routed_total",
				Help: "Statements routed, by target",
			},
			[]string{"target"},
		),
		statementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlrelay_statement_duration_seconds",
				Help:    "Duration from dispatch to completed reply",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"target"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlrelay_acquire_duration_seconds",
				Help:    "Time waiting for backend.Server.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"server"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sqlrelay_sessions_active",
				Help: "Number of currently open client sessions",
			},
		),
		sessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlrelay_sessions_closed_total",
				Help: "Sessions closed, by close reason",
			},
			[]string{"reason"},
		),

		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlrelay_classifier_cache_hits_total",
				Help: "Classifier cache hits",
			},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlrelay_classifier_cache_misses_total",
				Help: "Classifier cache misses",
			},
		),
		cacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sqlrelay_classifier_cache_size_bytes",
				Help: "Current classifier cache occupancy",
			},
		),

		workerLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlrelay_worker_load_ratio",
				Help: "Worker reactor busy ratio (1-second window)",
			},
			[]string{"worker"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.serverStatus,
		c.replicationLag,
		c.poolExhausted,
		c.probeDuration,
		c.probeErrors,
		c.statementsRouted,
		c.statementDuration,
		c.acquireDuration,
		c.sessionsActive,
		c.sessionsClosed,
		c.cacheHits,
		c.cacheMisses,
		c.cacheSize,
		c.workerLoad,
	)

	return c
}

// StatementCompleted records a routed statement's target and duration.
func (c *Collector) StatementCompleted(target string, d time.Duration) {
	c.statementsRouted.WithLabelValues(target).Inc()
	c.statementDuration.WithLabelValues(target).Observe(d.Seconds())
}

// PoolExhausted increments the pool exhausted counter for server.
func (c *Collector) PoolExhausted(server string) {
	c.poolExhausted.WithLabelValues(server).Inc()
}

// UpdatePoolStats updates the pool gauge metrics for one backend server.
func (c *Collector) UpdatePoolStats(server string, active, idle, total int) {
	c.connectionsActive.WithLabelValues(server).Set(float64(active))
	c.connectionsIdle.WithLabelValues(server).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(server).Set(float64(total))
}

// SetServerStatus records a backend's running state for a given role
// ("master" or "slave").
func (c *Collector) SetServerStatus(server, role string, up bool) {
	val := 0.0
	if up {
		val = 1.0
	}
	c.serverStatus.WithLabelValues(server, role).Set(val)
}

// SetReplicationLag records a slave's last-observed replication lag.
func (c *Collector) SetReplicationLag(server string, d time.Duration) {
	c.replicationLag.WithLabelValues(server).Set(d.Seconds())
}

// ProbeCompleted records a backend status probe's duration and result.
func (c *Collector) ProbeCompleted(server string, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	c.probeDuration.WithLabelValues(server, status).Observe(d.Seconds())
}

// ProbeError records a backend probe error by type.
func (c *Collector) ProbeError(server, errorType string) {
	c.probeErrors.WithLabelValues(server, errorType).Inc()
}

// AcquireDuration observes the time spent waiting for a backend connection.
func (c *Collector) AcquireDuration(server string, d time.Duration) {
	c.acquireDuration.WithLabelValues(server).Observe(d.Seconds())
}

// SessionOpened increments the active-session gauge.
func (c *Collector) SessionOpened() { c.sessionsActive.Inc() }

// SessionClosed decrements the active-session gauge and records the reason.
func (c *Collector) SessionClosed(reason string) {
	c.sessionsActive.Dec()
	c.sessionsClosed.WithLabelValues(reason).Inc()
}

// CacheLookup records a classifier cache hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	if hit {
		c.cacheHits.Inc()
		return
	}
	c.cacheMisses.Inc()
}

// SetCacheSize records the classifier cache's current occupancy.
func (c *Collector) SetCacheSize(bytes int64) { c.cacheSize.Set(float64(bytes)) }

// SetWorkerLoad records one worker's 1-second busy ratio.
func (c *Collector) SetWorkerLoad(worker string, ratio float64) {
	c.workerLoad.WithLabelValues(worker).Set(ratio)
}

// RemoveServer removes all metrics scoped to a backend server, e.g.
// after it is deconfigured.
func (c *Collector) RemoveServer(server string) {
	c.connectionsActive.DeleteLabelValues(server)
	c.connectionsIdle.DeleteLabelValues(server)
	c.connectionsTotal.DeleteLabelValues(server)
	c.serverStatus.DeletePartialMatch(prometheus.Labels{"server": server})
	c.replicationLag.DeleteLabelValues(server)
	c.poolExhausted.DeleteLabelValues(server)
	c.probeDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.probeErrors.DeletePartialMatch(prometheus.Labels{"server": server})
	c.acquireDuration.DeleteLabelValues(server)
}
