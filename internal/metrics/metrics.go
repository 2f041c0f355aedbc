// Package metrics exposes Prometheus collectors for the validation pipeline.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors registered for one engine.
type Metrics struct {
	ProbesTotal   *prometheus.CounterVec
	ProbeDuration prometheus.Histogram
	ProbeRetries  prometheus.Counter
	CacheLookups  *prometheus.CounterVec
	JobsTotal     *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
	DedupChecked  *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverify_probes_total",
			Help: "The total number of deliverability probes by outcome and confidence",
		}, []string{"outcome", "confidence"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailverify_probe_duration_seconds",
			Help:    "Time taken by a single deliverability probe",
			Buckets: prometheus.DefBuckets,
		}),
		ProbeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailverify_probe_retries_total",
			Help: "The total number of requeued probe attempts",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverify_domain_cache_lookups_total",
			Help: "Domain cache lookups by kind (mx, catch_all) and result (hit, miss)",
		}, []string{"kind", "result"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverify_jobs_total",
			Help: "The total number of validation jobs that reached a terminal status",
		}, []string{"status"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailverify_active_workers",
			Help: "The number of probe workers currently running",
		}),
		DedupChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverify_dedup_addresses_total",
			Help: "Addresses seen by the deduplication store, split into new and duplicate",
		}, []string{"result"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailverify_storage_errors_total",
			Help: "The total number of failed durable writes",
		}, []string{"store"}),
	}
	if reg != nil {
		reg.MustRegister(m.ProbesTotal, m.ProbeDuration, m.ProbeRetries, m.CacheLookups,
			m.JobsTotal, m.ActiveWorkers, m.DedupChecked, m.StorageErrors)
	}
	return m
}

func (m *Metrics) ObserveProbe(outcome, confidence string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(outcome, confidence).Inc()
	m.ProbeDuration.Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.ProbeRetries.Inc()
}

func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}

func (m *Metrics) Dedup(newCount, duplicates int) {
	if m == nil {
		return
	}
	m.DedupChecked.WithLabelValues("new").Add(float64(newCount))
	m.DedupChecked.WithLabelValues("duplicate").Add(float64(duplicates))
}

func (m *Metrics) StorageError(store string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(store).Inc()
}
