package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return New(registry, log.NewLogger(log.DiscardHandler())), registry
}

// gatherValue returns the value of the single series of name matching label.
func gatherValue(t *testing.T, registry *prometheus.Registry, name string, labelValue string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue != "" && !hasLabelValue(m, labelValue) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, labelValue)
	return 0
}

func hasLabelValue(m *dto.Metric, value string) bool {
	for _, l := range m.GetLabel() {
		if l.GetValue() == value {
			return true
		}
	}
	return false
}

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "nil error",
			err:  nil,
		},
		{
			name: "simple error",
			err:  errors.New("test error"),
		},
		{
			name: "error with special chars",
			err:  errors.New("test@error#123"),
		},
		{
			name: "error with multiple spaces",
			err:  errors.New("test   error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errToLabel(tt.err)
			validLabelRegex := regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
			assert.Regexp(t, validLabelRegex, result)
		})
	}
}

func TestRecordErrorDetails(t *testing.T) {
	m, registry := newTestMetrics(t)
	m.RecordErrorDetails("store", errors.New("lock unavailable"))
	m.RecordErrorDetails("store", nil)

	assert.Equal(t, 1.0, gatherValue(t, registry, "op_tester_errors_total", "store.lock_unavailable"))
}

func TestJobMetrics(t *testing.T) {
	m, registry := newTestMetrics(t)

	m.RecordJobStarted()
	m.RecordJobStarted()
	assert.Equal(t, 2.0, gatherValue(t, registry, "op_tester_jobs_running", ""))

	m.RecordJobFinished("pass", 20*time.Millisecond)
	assert.Equal(t, 1.0, gatherValue(t, registry, "op_tester_jobs_running", ""))
	assert.Equal(t, 2.0, gatherValue(t, registry, "op_tester_jobs_started_total", ""))
	assert.Equal(t, 1.0, gatherValue(t, registry, "op_tester_jobs_finished_total", "pass"))
	assert.Equal(t, 1.0, gatherValue(t, registry, "op_tester_job_duration_seconds", "pass"))

	m.RecordSuite("run-1", "fail", 3, 2, 1, time.Second)
	assert.Equal(t, 3.0, gatherValue(t, registry, "op_tester_suite_jobs_total", "run-1"))
	assert.Equal(t, 1.0, gatherValue(t, registry, "op_tester_suite_jobs_failed", "run-1"))

	m.RecordCoverageRecorded(4)
	assert.Equal(t, 4.0, gatherValue(t, registry, "op_tester_coverage_runs", ""))
}

func TestSeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		newTestMetrics(t)
		newTestMetrics(t)
	})
}

func TestNoopMetrics(t *testing.T) {
	require.NotPanics(t, func() {
		NoopMetrics.RecordJobStarted()
		NoopMetrics.RecordJobFinished("pass", time.Second)
		NoopMetrics.RecordErrorDetails("x", errors.New("y"))
	})
}
