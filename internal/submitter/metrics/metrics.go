package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the top level submitter metrics. It implements prometheus.Collector.
type Metrics struct {
	cycleTime                  prometheus.Histogram
	dispatchedJobs             *prometheus.CounterVec
	submitFailures             *prometheus.CounterVec
	cachedJobs                 prometheus.Gauge
	indeterminateJobs          prometheus.Gauge
	cacheInvalidations         prometheus.Counter
	backendCallFailures        *prometheus.CounterVec
	consecutiveBackendFailures *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		cycleTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    prefix + "cycle_time_seconds",
				Help:    "Time taken by a submission cycle",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		dispatchedJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "dispatched_jobs",
				Help: "Number of jobs accepted by a backend",
			},
			[]string{siteLabel, taskTypeLabel},
		),
		submitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "submit_failures",
				Help: "Number of jobs moved to submitfailed, by error code",
			},
			[]string{codeLabel},
		),
		cachedJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: prefix + "cached_jobs",
				Help: "Number of jobs held in the job cache at the end of the last cycle",
			},
		),
		indeterminateJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: prefix + "indeterminate_jobs",
				Help: "Number of jobs whose dispatch outcome is unknown",
			},
		),
		cacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: prefix + "cache_invalidations",
				Help: "Number of times the job cache was cleared because the set of draining or aborted sites changed",
			},
		),
		backendCallFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "backend_call_failures",
				Help: "Number of backend calls that timed out or failed without per-job results",
			},
			[]string{backendLabel},
		),
		consecutiveBackendFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "consecutive_backend_failures",
				Help: "Number of consecutive failed backend calls",
			},
			[]string{backendLabel},
		),
	}
}

func (m *Metrics) ReportCycleTime(d time.Duration) {
	m.cycleTime.Observe(d.Seconds())
}

func (m *Metrics) ReportDispatched(site string, taskType string, count int) {
	m.dispatchedJobs.WithLabelValues(site, taskType).Add(float64(count))
}

func (m *Metrics) ReportSubmitFailures(code int, count int) {
	m.submitFailures.WithLabelValues(strconv.Itoa(code)).Add(float64(count))
}

func (m *Metrics) SetCachedJobs(count int) {
	m.cachedJobs.Set(float64(count))
}

func (m *Metrics) SetIndeterminateJobs(count int) {
	m.indeterminateJobs.Set(float64(count))
}

func (m *Metrics) ReportCacheInvalidation() {
	m.cacheInvalidations.Inc()
}

// ReportBackendCall records the outcome of a backend call along with the current run of consecutive failures.
func (m *Metrics) ReportBackendCall(backend string, failed bool, consecutiveFailures int) {
	if failed {
		m.backendCallFailures.WithLabelValues(backend).Inc()
	}
	m.consecutiveBackendFailures.WithLabelValues(backend).Set(float64(consecutiveFailures))
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cycleTime,
		m.dispatchedJobs,
		m.submitFailures,
		m.cachedJobs,
		m.indeterminateJobs,
		m.cacheInvalidations,
		m.backendCallFailures,
		m.consecutiveBackendFailures,
	}
}

// Describe is necessary to implement the prometheus.Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect is necessary to implement the prometheus.Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
