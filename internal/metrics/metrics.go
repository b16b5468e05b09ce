package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job results used as the "result" label of JobsTotal.
const (
	ResultOK              = "ok"
	ResultNavigationError = "navigation_error"
	ResultFailed          = "failed"
)

// Metrics are the monitor's own counters. A nil *Metrics is a no-op.
type Metrics struct {
	runs        prometheus.Counter
	jobs        *prometheus.CounterVec
	sinkErrors  *prometheus.CounterVec
	jobDuration prometheus.Histogram
	lastRun     prometheus.Gauge
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "page_weight_monitor",
			Name:      "runs_total",
			Help:      "Completed runs over the configured URL list",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "page_weight_monitor",
			Name:      "jobs_total",
			Help:      "Page loads by result",
		}, []string{"result"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "page_weight_monitor",
			Name:      "sink_errors_total",
			Help:      "Samples a sink failed to persist",
		}, []string{"sink"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "page_weight_monitor",
			Name:      "job_duration_seconds",
			Help:      "Time spent loading one page until it settled",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "page_weight_monitor",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix timestamp of the last completed run",
		}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.jobs, m.sinkErrors, m.jobDuration, m.lastRun} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveJob records one page load.
func (m *Metrics) ObserveJob(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
	if d > 0 {
		m.jobDuration.Observe(d.Seconds())
	}
}

// Jobs returns the page load counter for result.
func (m *Metrics) Jobs(result string) prometheus.Counter {
	return m.jobs.WithLabelValues(result)
}

// SinkErrors returns the failed-save counter of the named sink.
func (m *Metrics) SinkErrors(sink string) prometheus.Counter {
	return m.sinkErrors.WithLabelValues(sink)
}

// SinkError counts one failed save on the named sink.
func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// RunFinished marks the end of a run.
func (m *Metrics) RunFinished(at time.Time) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.lastRun.Set(float64(at.Unix()))
}
