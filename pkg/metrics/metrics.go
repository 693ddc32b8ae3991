package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for the offline cache agent.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// fetchTotal counts intercepted requests, labeled by result (hit, miss, error).
	fetchTotal *prometheus.CounterVec

	// installTotal counts install events, labeled by result (ok, error).
	installTotal *prometheus.CounterVec

	// staleDeletedTotal counts stale caches removed on activation.
	staleDeletedTotal prometheus.Counter

	// deleteErrorsTotal counts stale caches that could not be removed.
	deleteErrorsTotal prometheus.Counter
}

// Fetch results.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
	ResultOK    = "ok"
)

// New creates and registers the metrics with the given Prometheus registerer.
// If reg is nil, metrics are created but not registered (useful for testing).
//
// On re-registration, existing collectors from the registry are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "fetch_total",
			Help:      "Total number of intercepted requests",
		}, []string{"result"}),
		installTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "install_total",
			Help:      "Total number of install events",
		}, []string{"result"}),
		staleDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "stale_caches_deleted_total",
			Help:      "Total number of stale caches deleted on activation",
		}),
		deleteErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "delete_errors_total",
			Help:      "Total number of stale caches that could not be deleted",
		}),
	}

	if reg != nil {
		m.fetchTotal = registerOrReuse(reg, m.fetchTotal).(*prometheus.CounterVec)
		m.installTotal = registerOrReuse(reg, m.installTotal).(*prometheus.CounterVec)
		m.staleDeletedTotal = registerOrReuse(reg, m.staleDeletedTotal).(prometheus.Counter)
		m.deleteErrorsTotal = registerOrReuse(reg, m.deleteErrorsTotal).(prometheus.Counter)
	}

	return m
}

// RecordFetch increments the fetch counter for the given result.
func (m *Metrics) RecordFetch(result string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(result).Inc()
}

// RecordInstall increments the install counter, labeled by whether err is nil.
func (m *Metrics) RecordInstall(err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.installTotal.WithLabelValues(result).Inc()
}

// RecordStaleDeleted increments the deleted stale caches counter.
func (m *Metrics) RecordStaleDeleted() {
	if m == nil {
		return
	}
	m.staleDeletedTotal.Inc()
}

// RecordDeleteError increments the failed deletions counter.
func (m *Metrics) RecordDeleteError() {
	if m == nil {
		return
	}
	m.deleteErrorsTotal.Inc()
}

// registerOrReuse registers a collector with the given registerer.
// If the collector is already registered, it returns the existing one.
// Panics on non-AlreadyRegisteredError failures.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
