package tester

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-tester/scheduler"
)

func TestNewSuiteResult(t *testing.T) {
	tests := []struct {
		name     string
		statuses []scheduler.Status
		want     scheduler.Status
		stats    SuiteStats
	}{
		{name: "empty", want: scheduler.StatusPass},
		{
			name:     "all pass",
			statuses: []scheduler.Status{scheduler.StatusPass, scheduler.StatusPass},
			want:     scheduler.StatusPass,
			stats:    SuiteStats{Total: 2, Passed: 2},
		},
		{
			name:     "pass and skip",
			statuses: []scheduler.Status{scheduler.StatusPass, scheduler.StatusSkip},
			want:     scheduler.StatusPass,
			stats:    SuiteStats{Total: 2, Passed: 1, Skipped: 1},
		},
		{
			name:     "all skip",
			statuses: []scheduler.Status{scheduler.StatusSkip},
			want:     scheduler.StatusSkip,
			stats:    SuiteStats{Total: 1, Skipped: 1},
		},
		{
			name: "abnormal and timeout fail",
			statuses: []scheduler.Status{
				scheduler.StatusPass, scheduler.StatusAbnormal, scheduler.StatusTimeout, scheduler.StatusError,
			},
			want:  scheduler.StatusFail,
			stats: SuiteStats{Total: 4, Passed: 1, Failed: 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]scheduler.Result, len(tt.statuses))
			for i, s := range tt.statuses {
				results[i] = scheduler.Result{Status: s}
			}
			r := newSuiteResult("run", results, time.Second)
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.stats, r.Stats)
		})
	}
}

func TestSuiteResultString(t *testing.T) {
	r := newSuiteResult("run", []scheduler.Result{{Status: scheduler.StatusFail}}, 1500*time.Millisecond)
	assert.Equal(t, "suite fail: 1 jobs, 0 passed, 1 failed, 0 skipped in 1.5s", r.String())
}

func TestExtractKeyErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		res  scheduler.Result
		want string
	}{
		{name: "pass", res: scheduler.Result{Status: scheduler.StatusPass, Output: "panic: not shown"}},
		{name: "spawn error", res: scheduler.Result{Status: scheduler.StatusError, Err: errors.New("no such file")}, want: "no such file"},
		{name: "timeout", res: scheduler.Result{Status: scheduler.StatusTimeout}, want: "timed out"},
		{name: "cancelled", res: scheduler.Result{Status: scheduler.StatusCancelled}, want: "cancelled"},
		{
			name: "panic",
			res:  scheduler.Result{Status: scheduler.StatusAbnormal, Output: "start\npanic: nil map\ngoroutine 1\n"},
			want: "panic: nil map",
		},
		{
			name: "assertion in stderr with colors",
			res:  scheduler.Result{Status: scheduler.StatusFail, ErrorOutput: "\x1b[31massertion failed: x != y\x1b[0m\n"},
			want: "assertion failed: x != y",
		},
		{
			name: "last line",
			res:  scheduler.Result{Status: scheduler.StatusFail, Output: "one\ntwo\n\n"},
			want: "two",
		},
		{name: "no output", res: scheduler.Result{Status: scheduler.StatusFail}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractKeyErrorMessage(tt.res))
		})
	}
}

func TestTailLines(t *testing.T) {
	assert.Equal(t, []string{"c", "d"}, tailLines("a\nb\n\nc\r\n\x1b[1md\x1b[0m\n", 2))
	assert.Equal(t, []string{"a"}, tailLines("a", 5))
	assert.Empty(t, tailLines("", 5))
}

func TestRelativeTo(t *testing.T) {
	assert.Equal(t, "pkg/a.go", relativeTo("/src", "/src/pkg/a.go"))
	assert.Equal(t, "/other/a.go", relativeTo("/src", "/other/a.go"))
	assert.Equal(t, "/src/a.go", relativeTo("", "/src/a.go"))
	assert.Equal(t, "/src/a.go", relativeTo("/src/a.go", "/src/a.go"))
}

func TestGetResultString(t *testing.T) {
	assert.Equal(t, "✓ pass", getResultString(scheduler.StatusPass))
	assert.Equal(t, "- skip", getResultString(scheduler.StatusSkip))
	assert.Equal(t, "✗ fail", getResultString(scheduler.StatusFail))
	assert.Equal(t, "✗ timeout", getResultString(scheduler.StatusTimeout))
}
