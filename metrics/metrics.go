package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "op_tester"
)

var nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

// Metricer is what the scheduler, the coverage recorder and the service
// report to.
type Metricer interface {
	RecordError(label string)
	RecordErrorDetails(label string, err error)
	RecordJobStarted()
	RecordJobFinished(status string, duration time.Duration)
	RecordRunning(n int)
	RecordCoverageRecorded(runs int)
	RecordSuite(runID string, result string, total, passed, failed int, duration time.Duration)
}

// Metrics registers every collector on a caller-supplied registry so tests
// and several testers in one process do not collide.
type Metrics struct {
	log log.Logger

	errorsTotal    *prometheus.CounterVec
	jobsStarted    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsRunning    prometheus.Gauge
	coverageRuns   prometheus.Gauge
	suiteResults   *prometheus.GaugeVec
	suiteTotal     *prometheus.GaugeVec
	suitePassed    *prometheus.GaugeVec
	suiteFailed    *prometheus.GaugeVec
	suiteDurations *prometheus.GaugeVec
}

var _ Metricer = (*Metrics)(nil)

func New(registry prometheus.Registerer, logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.New()
	}
	factory := promauto.With(registry)
	return &Metrics{
		log: logger,
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "errors_total",
			Help:      "Count of errors",
		}, []string{
			"error",
		}),
		jobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_started_total",
			Help:      "Number of test jobs spawned",
		}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_finished_total",
			Help:      "Number of test jobs finished, by outcome",
		}, []string{
			"status",
		}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of test jobs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{
			"status",
		}),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_running",
			Help:      "Number of test jobs currently running",
		}),
		coverageRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "coverage_runs",
			Help:      "Number of runs in the coverage store",
		}),
		suiteResults: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "suite_results",
			Help:      "Result of test suites",
		}, []string{
			"run_id",
			"result",
		}),
		suiteTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "suite_jobs_total",
			Help:      "Number of jobs in a suite run",
		}, []string{
			"run_id",
		}),
		suitePassed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "suite_jobs_passed",
			Help:      "Number of passed jobs in a suite run",
		}, []string{
			"run_id",
		}),
		suiteFailed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "suite_jobs_failed",
			Help:      "Number of failed jobs in a suite run",
		}, []string{
			"run_id",
		}),
		suiteDurations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "suite_duration_seconds",
			Help:      "Duration of suite runs",
		}, []string{
			"run_id",
		}),
	}
}

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func (m *Metrics) RecordError(label string) {
	m.log.Debug("metric inc", "m", "errors_total", "error", label)
	m.errorsTotal.WithLabelValues(label).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func (m *Metrics) RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	m.RecordError(fmt.Sprintf("%s.%s", label, errToLabel(err)))
}

func (m *Metrics) RecordJobStarted() {
	m.jobsStarted.Inc()
	m.jobsRunning.Inc()
}

func (m *Metrics) RecordJobFinished(status string, duration time.Duration) {
	m.jobsRunning.Dec()
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordRunning(n int) {
	m.jobsRunning.Set(float64(n))
}

func (m *Metrics) RecordCoverageRecorded(runs int) {
	m.coverageRuns.Set(float64(runs))
}

func (m *Metrics) RecordSuite(runID string, result string, total, passed, failed int, duration time.Duration) {
	m.suiteResults.WithLabelValues(runID, result).Set(1)
	m.suiteTotal.WithLabelValues(runID).Set(float64(total))
	m.suitePassed.WithLabelValues(runID).Set(float64(passed))
	m.suiteFailed.WithLabelValues(runID).Set(float64(failed))
	m.suiteDurations.WithLabelValues(runID).Set(duration.Seconds())
}

type noopMetrics struct{}

// NoopMetrics discards everything.
var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordError(string)                                        {}
func (noopMetrics) RecordErrorDetails(string, error)                          {}
func (noopMetrics) RecordJobStarted()                                         {}
func (noopMetrics) RecordJobFinished(string, time.Duration)                   {}
func (noopMetrics) RecordRunning(int)                                         {}
func (noopMetrics) RecordCoverageRecorded(int)                                {}
func (noopMetrics) RecordSuite(string, string, int, int, int, time.Duration) {}
