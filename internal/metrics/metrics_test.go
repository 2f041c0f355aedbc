package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/optimode/mailverify/internal/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveProbe("valid", "high", 20*time.Millisecond)
	m.ObserveProbe("valid", "high", 30*time.Millisecond)
	m.CacheLookup("mx", true)
	m.CacheLookup("mx", false)
	m.Retry()
	m.JobFinished("completed")
	m.Dedup(3, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProbesTotal.WithLabelValues("valid", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("mx", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DedupChecked.WithLabelValues("duplicate")))

	n, err := testutil.GatherAndCount(reg, "mailverify_probes_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveProbe("valid", "high", time.Second)
		m.CacheLookup("mx", true)
		m.Retry()
		m.JobFinished("failed")
		m.WorkerStarted()
		m.WorkerStopped()
		m.Dedup(1, 1)
		m.StorageError("sqlite")
	})
}
