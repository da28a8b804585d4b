package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.ReportCycleTime(2 * time.Second)
	m.ReportDispatched("T1_US_FNAL", "Processing", 3)
	m.ReportDispatched("T1_US_FNAL", "Processing", 2)
	m.ReportSubmitFailures(71105, 4)
	m.SetCachedJobs(100)
	m.SetIndeterminateJobs(7)
	m.ReportCacheInvalidation()
	m.ReportBackendCall("condor", true, 1)
	m.ReportBackendCall("condor", true, 2)
	m.ReportBackendCall("condor", false, 0)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.dispatchedJobs.WithLabelValues("T1_US_FNAL", "Processing")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.submitFailures.WithLabelValues("71105")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.cachedJobs))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.indeterminateJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheInvalidations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.backendCallFailures.WithLabelValues("condor")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.consecutiveBackendFailures.WithLabelValues("condor")))
}

func TestMetrics_Register(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(New()))
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
