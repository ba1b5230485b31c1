// Package scheduler drives many test jobs from a single goroutine by
// round-robin polling, enforcing a concurrency limit and per-job timeouts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-tester/job"
	"github.com/ethereum-optimism/infra/op-tester/metrics"
)

const DefaultConcurrency = 8

// Task is one job to run.
type Task struct {
	Config job.Config
	// Timeout overrides the scheduler default for this task when non-zero.
	Timeout time.Duration
}

// Result is the outcome of one Task. Results are index-aligned with the tasks
// given to Run.
type Result struct {
	ID          string
	File        string
	CommandLine string
	Status      Status
	ExitCode    job.ExitCode
	Output      string
	ErrorOutput string
	Headers     map[string]string
	Duration    time.Duration
	TimedOut    bool
	Killed      bool
	// Err is set when the job could not be created or spawned.
	Err error
}

type Config struct {
	Log         log.Logger
	Metrics     metrics.Metricer
	Progress    ProgressIndicator
	Concurrency int
	// Timeout applies to tasks without their own. Zero disables it.
	Timeout time.Duration
	// CollectErrors captures stderr of every job.
	CollectErrors bool
	PollInterval  time.Duration
	JobOptions    []job.Option
}

type Scheduler struct {
	log      log.Logger
	metrics  metrics.Metricer
	progress ProgressIndicator
	tracer   trace.Tracer

	concurrency  int
	timeout      time.Duration
	mode         job.Mode
	pollInterval time.Duration
	jobOptions   []job.Option
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		progress:     cfg.Progress,
		tracer:       otel.Tracer("test scheduler"),
		concurrency:  cfg.Concurrency,
		timeout:      cfg.Timeout,
		mode:         job.ModeAsync,
		pollInterval: cfg.PollInterval,
		jobOptions:   cfg.JobOptions,
	}
	if s.log == nil {
		s.log = log.New()
	}
	s.log = s.log.New("component", "scheduler")
	if s.metrics == nil {
		s.metrics = metrics.NoopMetrics
	}
	if s.progress == nil {
		s.progress = NewNoOpProgressIndicator()
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.pollInterval <= 0 {
		s.pollInterval = job.PollInterval
	}
	if cfg.CollectErrors {
		s.mode |= job.ModeCollectErrors
	}
	return s
}

type liveJob struct {
	index    int
	job      *job.Job
	span     trace.Span
	deadline time.Time
	timedOut bool
}

// Run executes every task and returns their results. The loop starts jobs up
// to the concurrency limit, polls live jobs round-robin, kills jobs past their
// deadline and sleeps one poll interval whenever a sweep made no progress.
//
// When ctx is cancelled every live job is killed and reaped, tasks not yet
// started are reported as cancelled, and ctx.Err() is returned along with the
// results.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) ([]Result, error) {
	results := make([]Result, len(tasks))
	s.progress.StartSuite(len(tasks))
	defer s.progress.CompleteSuite()

	s.log.Info("Starting test jobs", "jobs", len(tasks), "concurrency", s.concurrency)

	next := 0
	var live []*liveJob
	for next < len(tasks) || len(live) > 0 {
		if err := ctx.Err(); err != nil {
			s.abort(live, tasks, next, results)
			return results, err
		}

		progressed := false
		for len(live) < s.concurrency && next < len(tasks) {
			if lj := s.start(ctx, next, tasks[next], results); lj != nil {
				live = append(live, lj)
			}
			next++
			progressed = true
		}

		now := time.Now()
		kept := live[:0]
		for _, lj := range live {
			if lj.job.Poll() == job.StateFinished {
				s.finish(lj, results)
				progressed = true
				continue
			}
			if !lj.deadline.IsZero() && !lj.timedOut && now.After(lj.deadline) {
				s.log.Warn("Job timed out", "id", lj.job.ID(), "file", lj.job.File(), "elapsed", lj.job.Duration())
				lj.timedOut = true
				if err := lj.job.Kill(); err != nil {
					s.log.Error("Failed to kill job", "id", lj.job.ID(), "err", err)
				}
				progressed = true
			}
			kept = append(kept, lj)
		}
		live = kept
		s.metrics.RecordRunning(len(live))

		if !progressed {
			select {
			case <-ctx.Done():
			case <-time.After(s.pollInterval):
			}
		}
	}

	s.log.Info("Finished test jobs", "jobs", len(tasks))
	return results, nil
}

func (s *Scheduler) start(ctx context.Context, index int, task Task, results []Result) *liveJob {
	j, err := job.New(task.Config, s.jobOptions...)
	if err != nil {
		results[index] = Result{
			ID:     task.Config.ID,
			File:   task.Config.File,
			Status: StatusError,
			Err:    err,
		}
		s.metrics.RecordErrorDetails("job_config", err)
		s.log.Error("Invalid job", "file", task.Config.File, "err", err)
		return nil
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("job %s", task.Config.File))
	span.SetAttributes(
		attribute.String("job.id", j.ID()),
		attribute.String("job.file", j.File()),
	)

	s.progress.StartJob(j.ID(), j.File())
	if err := j.Start(ctx, s.mode); err != nil {
		results[index] = Result{
			ID:          j.ID(),
			File:        j.File(),
			CommandLine: j.CommandLine(),
			Status:      StatusError,
			ExitCode:    j.ExitCode(),
			Err:         err,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		span.End()
		s.metrics.RecordErrorDetails("job_spawn", err)
		s.progress.CompleteJob(j.ID(), StatusError)
		return nil
	}
	s.metrics.RecordJobStarted()

	lj := &liveJob{index: index, job: j, span: span}
	timeout := task.Timeout
	if timeout == 0 {
		timeout = s.timeout
	}
	if timeout > 0 {
		lj.deadline = time.Now().Add(timeout)
	}
	return lj
}

func (s *Scheduler) finish(lj *liveJob, results []Result) {
	j := lj.job
	status := Classify(j.ExitCode())
	if lj.timedOut {
		status = StatusTimeout
	}
	stderr, _ := j.ErrorOutput()

	results[lj.index] = Result{
		ID:          j.ID(),
		File:        j.File(),
		CommandLine: j.CommandLine(),
		Status:      status,
		ExitCode:    j.ExitCode(),
		Output:      j.Output(),
		ErrorOutput: stderr,
		Headers:     j.Headers(),
		Duration:    j.Duration(),
		TimedOut:    lj.timedOut,
		Killed:      j.Killed(),
	}

	lj.span.SetAttributes(
		attribute.Int("job.exit_code", int(j.ExitCode())),
		attribute.String("job.status", string(status)),
	)
	if status.Failed() {
		lj.span.SetStatus(codes.Error, string(status))
	}
	lj.span.End()

	s.metrics.RecordJobFinished(string(status), j.Duration())
	s.progress.CompleteJob(j.ID(), status)
	s.log.Debug("Job finished", "id", j.ID(), "file", j.File(), "status", status, "exitCode", j.ExitCode(), "duration", j.Duration())
}

// abort kills and reaps live jobs and marks unstarted tasks cancelled.
func (s *Scheduler) abort(live []*liveJob, tasks []Task, next int, results []Result) {
	s.log.Warn("Scheduler cancelled", "live", len(live), "unstarted", len(tasks)-next)
	for _, lj := range live {
		if err := lj.job.Kill(); err != nil {
			s.log.Error("Failed to kill job", "id", lj.job.ID(), "err", err)
		}
	}
	for _, lj := range live {
		if err := lj.job.Wait(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("Failed to reap job", "id", lj.job.ID(), "err", err)
		}
		s.finish(lj, results)
	}
	for i := next; i < len(tasks); i++ {
		results[i] = Result{
			ID:       tasks[i].Config.ID,
			File:     tasks[i].Config.File,
			Status:   StatusCancelled,
			ExitCode: job.CodeNone,
		}
	}
	s.metrics.RecordRunning(0)
}
