package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweepJobReasonDeadlineExceeded = "deadline_exceeded"
	SweepJobReasonUniqueViolation  = "unique_violation"
	SweepJobReasonUnknown          = "unknown"
)

// SweepMetrics captures stale-job sweep health signals.
type SweepMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobTimeouts *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobsSwept   *prometheus.CounterVec
	runLoopLag  prometheus.Observer
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// Sweep returns the singleton sweep metrics registry.
func Sweep() *SweepMetrics {
	return SweepWithConfig(Config{})
}

// SweepWithConfig returns the singleton sweep metrics registry using config labels.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = newSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// ResetSweepMetricsForTest resets the sweep metrics singleton for tests.
func ResetSweepMetricsForTest() {
	sweepMetricsOnce = sync.Once{}
	sweepMetrics = nil
}

func newSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "conversa"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "conversa_sweep_job_runs_total",
		Help:        "Number of sweep job executions.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "conversa_sweep_job_duration_seconds",
		Help:        "Duration of sweep job executions.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "conversa_sweep_job_timeouts_total",
		Help:        "Number of sweep jobs ended by deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "conversa_sweep_job_errors_total",
		Help:        "Number of sweep job errors by reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	jobsSwept := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "conversa_sweep_jobs_swept_total",
		Help:        "Number of export jobs acted on by the sweep.",
		ConstLabels: constLabels,
	}, []string{"job", "action"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "conversa_sweep_runloop_lag_seconds",
		Help:        "Lag between scheduled and actual sweep runs.",
		Buckets:     []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(jobRuns, jobDuration, jobTimeouts, jobErrors, jobsSwept, runLoopLag)

	return &SweepMetrics{
		jobRuns:     jobRuns,
		jobDuration: jobDuration,
		jobTimeouts: jobTimeouts,
		jobErrors:   jobErrors,
		jobsSwept:   jobsSwept,
		runLoopLag:  runLoopLag,
	}
}

// IncJobRun counts one sweep job execution.
func (m *SweepMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records a sweep job duration.
func (m *SweepMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout counts a sweep job ended by deadline.
func (m *SweepMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError counts a sweep job error, classified by reason.
func (m *SweepMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySweepJobReason(err)).Inc()
}

// IncJobSwept counts an export job acted on by the sweep.
func (m *SweepMetrics) IncJobSwept(job, action string) {
	if m == nil {
		return
	}
	m.jobsSwept.WithLabelValues(job, action).Inc()
}

// ObserveRunLoopLag records drift of the sweep run loop.
func (m *SweepMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifySweepJobReason maps sweep errors to a low-cardinality reason label.
func ClassifySweepJobReason(err error) string {
	switch {
	case err == nil:
		return SweepJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SweepJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return SweepJobReasonUniqueViolation
	default:
		return SweepJobReasonUnknown
	}
}
