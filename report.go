package tester

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-tester/scheduler"
)

// failureTailLines is how much of a failed job's output is printed.
const failureTailLines = 20

// SuiteStats counts job outcomes.
type SuiteStats struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

// SuiteResult is the outcome of one run of the manifest.
type SuiteResult struct {
	RunID    string
	Status   scheduler.Status
	Results  []scheduler.Result
	Stats    SuiteStats
	Duration time.Duration
}

// newSuiteResult fails the suite if any job failed, skips it if every job
// skipped and passes it otherwise.
func newSuiteResult(runID string, results []scheduler.Result, duration time.Duration) *SuiteResult {
	r := &SuiteResult{
		RunID:    runID,
		Status:   scheduler.StatusPass,
		Results:  results,
		Duration: duration,
	}
	for _, res := range results {
		r.Stats.Total++
		switch {
		case res.Status == scheduler.StatusPass:
			r.Stats.Passed++
		case res.Status == scheduler.StatusSkip:
			r.Stats.Skipped++
		default:
			r.Stats.Failed++
		}
	}
	switch {
	case r.Stats.Failed > 0:
		r.Status = scheduler.StatusFail
	case r.Stats.Total > 0 && r.Stats.Skipped == r.Stats.Total:
		r.Status = scheduler.StatusSkip
	}
	return r
}

func (r *SuiteResult) String() string {
	return fmt.Sprintf("suite %s: %d jobs, %d passed, %d failed, %d skipped in %s",
		r.Status, r.Stats.Total, r.Stats.Passed, r.Stats.Failed, r.Stats.Skipped, formatDuration(r.Duration))
}

// printResultsTable prints one row per job to the configured output.
func (t *tester) printResultsTable() {
	t.log.Info("Printing results...")
	tw := table.NewWriter()
	tw.SetOutputMirror(t.config.Out)
	tw.SetTitle(fmt.Sprintf("Test Results (%s)", formatDuration(t.result.Duration)))

	tw.AppendHeader(table.Row{
		"ID", "File", "Duration", "Exit", "Status", "Error",
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "ID", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "File", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Exit", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, res := range t.result.Results {
		tw.AppendRow(table.Row{
			res.ID,
			filepath.Base(res.File),
			formatDuration(res.Duration),
			res.ExitCode.String(),
			getResultString(res.Status),
			extractKeyErrorMessage(res),
		})
	}

	switch t.result.Status {
	case scheduler.StatusPass:
		tw.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case scheduler.StatusSkip:
		tw.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		tw.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	tw.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d passed, %d failed, %d skipped", t.result.Stats.Passed, t.result.Stats.Failed, t.result.Stats.Skipped),
		formatDuration(t.result.Duration),
		t.result.Stats.Total,
		getResultString(t.result.Status),
		"",
	})
	tw.Render()
}

// printFailures prints the command line and the tail of the output of every
// failed job.
func (t *tester) printFailures() {
	for _, res := range t.result.Results {
		if !res.Status.Failed() {
			continue
		}
		fmt.Fprintf(t.config.Out, "\n--- %s %s (%s)\n", strings.ToUpper(string(res.Status)), res.ID, formatDuration(res.Duration))
		if res.CommandLine != "" {
			fmt.Fprintf(t.config.Out, "    $ %s\n", res.CommandLine)
		}
		if res.Err != nil {
			fmt.Fprintf(t.config.Out, "    %v\n", res.Err)
		}
		for _, line := range tailLines(res.Output+res.ErrorOutput, failureTailLines) {
			fmt.Fprintf(t.config.Out, "    %s\n", line)
		}
	}
}

// printCoverageTable prints per-file coverage of the suite summary.
func (t *tester) printCoverageTable() {
	summary := t.store.Summary()
	files := summary.ExecutedFiles()
	if len(files) == 0 {
		return
	}
	root, err := t.store.SourceRoot()
	if err != nil && t.config.SourceRoot != "" {
		t.log.Warn("Source root is unavailable, printing absolute paths", "root", t.config.SourceRoot, "error", err)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(t.config.Out)
	tw.SetTitle(fmt.Sprintf("Coverage (%d runs)", t.store.Len()))
	tw.AppendHeader(table.Row{"File", "Tested", "Lines", "Covered"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "File", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Tested", Align: text.AlignRight},
		{Name: "Lines", Align: text.AlignRight},
		{Name: "Covered", Align: text.AlignRight},
	})
	for _, file := range files {
		st := summary.FileStats(file)
		tw.AppendRow(table.Row{relativeTo(root, file), st.Tested, st.Total, formatPercent(st.Percent())})
	}
	total := summary.Stats()
	tw.AppendFooter(table.Row{"TOTAL", total.Tested, total.Total, formatPercent(total.Percent())})
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

// extractKeyErrorMessage picks the most telling line of a job's output for
// the results table.
func extractKeyErrorMessage(res scheduler.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	switch res.Status {
	case scheduler.StatusPass, scheduler.StatusSkip:
		return ""
	case scheduler.StatusTimeout:
		return "timed out"
	case scheduler.StatusCancelled:
		return "cancelled"
	}

	out := stripansi.Strip(res.Output + "\n" + res.ErrorOutput)
	for _, marker := range []string{"panic:", "assertion failed", "Error:", "FAIL"} {
		if idx := strings.Index(out, marker); idx != -1 {
			line, _, _ := strings.Cut(out[idx:], "\n")
			return strings.TrimSpace(line)
		}
	}
	if lines := tailLines(out, 1); len(lines) > 0 {
		return lines[0]
	}
	return ""
}

// tailLines returns the last n non-empty lines with ANSI escapes removed.
func tailLines(s string, n int) []string {
	var lines []string
	for _, line := range strings.Split(stripansi.Strip(s), "\n") {
		if line = strings.TrimRight(line, "\r \t"); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func relativeTo(root, file string) string {
	if root == "" {
		return file
	}
	if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
		return rel
	}
	return file
}

// getResultString returns a string representing the job result
func getResultString(status scheduler.Status) string {
	switch status {
	case scheduler.StatusPass:
		return "✓ pass"
	case scheduler.StatusSkip:
		return "- skip"
	case scheduler.StatusFail:
		return "✗ fail"
	default:
		return "✗ " + string(status)
	}
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}
