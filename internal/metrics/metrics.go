// Package metrics exposes pgfunnel's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgfunnel.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	backendsActive  prometheus.Gauge
	backendsIdle    prometheus.Gauge
	backendsTotal   prometheus.Gauge
	poolExhausted   prometheus.Counter
	backendsEvicted prometheus.Counter

	acquireDuration     prometheus.Histogram
	transactionsTotal   prometheus.Counter
	transactionDuration prometheus.Histogram

	backendFaults    prometheus.Counter
	dirtyDisconnects prometheus.Counter

	backendHealthy prometheus.Gauge
}

// New creates and registers all metrics on a private registry. Safe to call
// multiple times; each call yields an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgfunnel_client_sessions_active",
			Help: "Number of live client sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfunnel_client_sessions_total",
			Help: "Total client sessions accepted",
		}),
		backendsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgfunnel_backend_connections_active",
			Help: "Backend connections currently held by sessions",
		}),
		backendsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgfunnel_backend_connections_idle",
			Help: "Backend connections idle in the pool",
		}),
		backendsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgfunnel_backend_connections_total",
			Help: "Total backend connections",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfunnel_pool_exhausted_total",
			Help: "Acquisitions refused because the pool was at max_client_conn",
		}),
		backendsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfunnel_backends_evicted_total",
			Help: "Idle backends closed by the eviction sweep",
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgfunnel_acquire_duration_seconds",
			Help:    "Time to obtain a backend from the pool",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		transactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfunnel_transactions_total",
			Help: "Completed transactions (transaction-mode pooling)",
		}),
		transactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgfunnel_transaction_duration_seconds",
			Help:    "Duration from backend acquire to release per transaction",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		backendFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfunnel_backend_faults_total",
			Help: "Backend socket errors observed while a session held the backend",
		}),
		dirtyDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfunnel_dirty_disconnects_total",
			Help: "Clients that disconnected with an open transaction",
		}),
		backendHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgfunnel_backend_healthy",
			Help: "Backend server health (1=healthy, 0=unhealthy)",
		}),
	}

	reg.MustRegister(
		c.sessionsActive, c.sessionsTotal,
		c.backendsActive, c.backendsIdle, c.backendsTotal,
		c.poolExhausted, c.backendsEvicted,
		c.acquireDuration, c.transactionsTotal, c.transactionDuration,
		c.backendFaults, c.dirtyDisconnects,
		c.backendHealthy,
	)
	return c
}

// SessionOpened records an accepted client session.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

// SessionClosed records a closed client session.
func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

// UpdatePoolStats publishes a pool snapshot.
func (c *Collector) UpdatePoolStats(active, idle, total int) {
	c.backendsActive.Set(float64(active))
	c.backendsIdle.Set(float64(idle))
	c.backendsTotal.Set(float64(total))
}

// PoolExhausted counts a refused acquisition.
func (c *Collector) PoolExhausted() {
	c.poolExhausted.Inc()
}

// BackendsEvicted counts idle backends closed by a sweep.
func (c *Collector) BackendsEvicted(n int) {
	c.backendsEvicted.Add(float64(n))
}

// AcquireDuration records how long a pool acquisition took.
func (c *Collector) AcquireDuration(d time.Duration) {
	c.acquireDuration.Observe(d.Seconds())
}

// TransactionCompleted records a transaction-mode acquire-to-release cycle.
func (c *Collector) TransactionCompleted(d time.Duration) {
	c.transactionsTotal.Inc()
	c.transactionDuration.Observe(d.Seconds())
}

// BackendFault counts a backend socket error under a session.
func (c *Collector) BackendFault() {
	c.backendFaults.Inc()
}

// DirtyDisconnect counts a client that vanished mid-transaction.
func (c *Collector) DirtyDisconnect() {
	c.dirtyDisconnects.Inc()
}

// SetBackendHealthy publishes the health checker's verdict.
func (c *Collector) SetBackendHealthy(healthy bool) {
	if healthy {
		c.backendHealthy.Set(1)
	} else {
		c.backendHealthy.Set(0)
	}
}
