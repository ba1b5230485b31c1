// Package tester runs a manifest of external test programs through the
// polling scheduler and folds the coverage they report into a shared store.
package tester

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ethereum-optimism/infra/op-tester/coverage"
	"github.com/ethereum-optimism/infra/op-tester/exitcodes"
	"github.com/ethereum-optimism/infra/op-tester/flags"
	"github.com/ethereum-optimism/infra/op-tester/job"
	"github.com/ethereum-optimism/infra/op-tester/manifest"
	"github.com/ethereum-optimism/infra/op-tester/metrics"
	"github.com/ethereum-optimism/infra/op-tester/scheduler"
	"github.com/ethereum-optimism/infra/op-tester/service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const (
	// EnvRunID carries the run identifier of a job.
	EnvRunID = "OP_TESTER_RUN_ID"
	// EnvCoverProfile is where a job writes its Go cover profile.
	EnvCoverProfile = "OP_TESTER_COVERPROFILE"
)

// tester implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &tester{}

// plannedJob is a manifest entry with its run identifier fixed.
type plannedJob struct {
	id      string
	entry   manifest.Job
	profile string
}

type tester struct {
	ctx      context.Context
	config   *Config
	version  string
	log      log.Logger
	manifest *manifest.Manifest
	jobs     []plannedJob

	registry *prometheus.Registry
	metrics  metrics.Metricer
	service  *service.Service

	locker      coverage.Locker
	redisClient *redis.Client
	store       *coverage.Store
	profileDir  string

	result *SuiteResult

	running atomic.Bool
	done    chan struct{}

	shutdownCallback func(error)
}

// New loads the manifest and prepares the coverage locker. Nothing is
// spawned until Start.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*tester, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		config.Log = log.New()
	}
	if config.Out == nil {
		config.Out = os.Stdout
	}

	config.Log.Debug("Creating tester with config",
		"manifest", config.Manifest,
		"coverageStore", config.CoverageStore,
		"concurrency", config.Concurrency,
		"timeout", config.Timeout)

	m, err := manifest.Load(config.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	registry := opmetrics.NewRegistry()
	t := &tester{
		ctx:              ctx,
		config:           config,
		version:          version,
		log:              config.Log,
		manifest:         m,
		jobs:             planJobs(m),
		registry:         registry,
		metrics:          metrics.New(registry, config.Log),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}
	t.service = service.New(service.Config{
		Log:         config.Log,
		HealthzAddr: config.HealthzAddr,
		Metrics:     config.MetricsConfig,
		Registry:    registry,
		Metricer:    t.metrics,
	})

	if config.CoverageStore != "" {
		if err := t.initLocker(); err != nil {
			return nil, err
		}
	}
	config.Log.Info("tester.New: loaded manifest", "jobs", len(t.jobs))
	return t, nil
}

func planJobs(m *manifest.Manifest) []plannedJob {
	jobs := make([]plannedJob, len(m.Jobs))
	for i, entry := range m.Jobs {
		id := entry.ID
		if id == "" {
			id = uuid.New().String()
		}
		jobs[i] = plannedJob{id: id, entry: entry}
	}
	return jobs
}

func (t *tester) initLocker() error {
	switch t.config.CoverageLocker {
	case "", flags.LockerFile:
		t.locker = coverage.NewFileLocker(t.config.CoverageStore)
	case flags.LockerRedis:
		opts, err := redis.ParseURL(t.config.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		t.redisClient = redis.NewClient(opts)
		t.locker = coverage.NewRedisLocker(t.redisClient, coverage.RedisLockName(t.config.CoverageStore))
	default:
		return fmt.Errorf("unknown coverage locker %q", t.config.CoverageLocker)
	}
	return nil
}

// Start runs the suite once, prints the results and signals shutdown.
// Start implements the cliapp.Lifecycle interface.
func (t *tester) Start(ctx context.Context) error {
	t.ctx = ctx
	t.done = make(chan struct{})
	t.running.Store(true)

	if err := t.service.Start(ctx); err != nil {
		return NewRuntimeError(err)
	}

	t.log.Info("Starting op-tester", "jobs", len(t.jobs), "version", t.version)
	result, err := t.runSuite(ctx)
	if err != nil {
		t.log.Error("Runtime error running suite", "error", err)
		return NewRuntimeError(err)
	}
	t.result = result

	t.printResultsTable()
	t.printFailures()
	if t.store != nil {
		t.printCoverageTable()
	}
	t.metrics.RecordSuite(result.RunID, string(result.Status), result.Stats.Total, result.Stats.Passed, result.Stats.Failed, result.Duration)
	t.log.Info("Suite completed", "run_id", result.RunID, "status", result.Status, "duration", result.Duration)

	if result.Status.Failed() {
		t.log.Warn("Suite completed with failures, returning exit code", "code", exitcodes.TestFailure)
		return NewTestFailureError(result.String())
	}

	go func() {
		t.shutdownCallback(nil)
	}()
	return nil
}

// runSuite prepares the coverage store, runs every job and records their
// cover profiles.
func (t *tester) runSuite(ctx context.Context) (*SuiteResult, error) {
	if t.config.CoverageStore != "" {
		if err := t.openStore(ctx); err != nil {
			return nil, err
		}
		defer os.RemoveAll(t.profileDir)
	}

	tasks := t.buildTasks()

	var progress scheduler.ProgressIndicator
	if t.config.ShowProgress {
		progress = scheduler.NewConsoleProgressIndicator(t.log, t.config.ProgressInterval)
	}
	sched := scheduler.New(scheduler.Config{
		Log:           t.log,
		Metrics:       t.metrics,
		Progress:      progress,
		Concurrency:   t.config.Concurrency,
		Timeout:       t.config.Timeout,
		CollectErrors: t.config.CollectStderr,
		JobOptions: []job.Option{
			job.WithLogger(t.log),
			job.WithOutputLimit(t.config.OutputLimit),
		},
	})

	runID := uuid.New().String()
	start := time.Now()
	results, runErr := sched.Run(ctx, tasks)
	duration := time.Since(start)

	if t.store != nil {
		if err := t.recordCoverage(ctx, results); err != nil {
			return nil, err
		}
	}
	if runErr != nil {
		return nil, fmt.Errorf("suite interrupted: %w", runErr)
	}
	return newSuiteResult(runID, results, duration), nil
}

func (t *tester) openStore(ctx context.Context) error {
	if err := coverage.Init(t.config.CoverageStore); err != nil {
		return fmt.Errorf("failed to initialize coverage store: %w", err)
	}

	expected := make([]coverage.Run, len(t.jobs))
	for i, pj := range t.jobs {
		expected[i] = coverage.Run{ID: pj.id, File: pj.entry.File, Args: pj.entry.Arguments().Render()}
	}
	opts := []coverage.Option{coverage.WithLocker(t.locker), coverage.WithLogger(t.log)}
	if t.config.SourceRoot != "" {
		opts = append(opts, coverage.WithSourceRoot(t.config.SourceRoot))
	}
	store, err := coverage.Open(ctx, t.config.CoverageStore, expected, opts...)
	if err != nil {
		return fmt.Errorf("failed to open coverage store: %w", err)
	}
	t.store = store

	dir, err := os.MkdirTemp("", "op-tester-profiles-")
	if err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	t.profileDir = dir
	for i := range t.jobs {
		t.jobs[i].profile = filepath.Join(dir, t.jobs[i].id+".cover")
	}
	return nil
}

func (t *tester) buildTasks() []scheduler.Task {
	tasks := make([]scheduler.Task, len(t.jobs))
	for i, pj := range t.jobs {
		env := t.manifest.Environment(pj.entry)
		env[EnvRunID] = pj.id
		if pj.profile != "" {
			env[EnvCoverProfile] = pj.profile
		}
		lookup := func(name string) string {
			if v, ok := env[name]; ok {
				return v
			}
			return os.Getenv(name)
		}

		timeout := pj.entry.Timeout
		if timeout == 0 {
			timeout = t.manifest.Timeout
		}
		tasks[i] = scheduler.Task{
			Config: job.Config{
				ID:          pj.id,
				Interpreter: t.manifest.Interpreter,
				File:        pj.entry.File,
				Args:        pj.entry.Arguments().Expand(lookup),
				Env:         env,
			},
			Timeout: timeout,
		}
	}
	return tasks
}

// recordCoverage stores the cover profile of every job that wrote one, then
// reloads the store to pick up runs recorded by the jobs themselves.
func (t *tester) recordCoverage(ctx context.Context, results []scheduler.Result) error {
	for i, res := range results {
		profile := t.jobs[i].profile
		if _, err := os.Stat(profile); err != nil {
			t.log.Debug("No cover profile written", "id", res.ID)
			continue
		}
		rc, err := coverage.FromProfileFile(profile)
		if err != nil {
			t.metrics.RecordErrorDetails("coverage_profile", err)
			t.log.Warn("Ignoring unreadable cover profile", "id", res.ID, "err", err)
			continue
		}
		if t.config.SourceRoot != "" {
			if rc, err = coverage.ResolveProfilePaths(rc, t.config.SourceRoot); err != nil {
				return fmt.Errorf("failed to resolve cover profile paths: %w", err)
			}
		}
		if err := t.store.RecordRun(ctx, res.ID, rc); err != nil {
			t.metrics.RecordErrorDetails("coverage_record", err)
			return fmt.Errorf("failed to record coverage of %s: %w", res.ID, err)
		}
	}
	if err := t.store.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload coverage store: %w", err)
	}
	t.metrics.RecordCoverageRecorded(t.store.Len())
	return nil
}

// Stop implements the cliapp.Lifecycle interface.
func (t *tester) Stop(ctx context.Context) error {
	t.log.Info("Stopping op-tester")

	if !t.running.Load() {
		t.log.Debug("Service already stopped, nothing to do")
		return nil
	}
	t.running.Store(false)
	close(t.done)

	var result error
	if err := t.service.Shutdown(ctx); err != nil {
		result = errors.Join(result, err)
	}
	if t.redisClient != nil {
		if err := t.redisClient.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	t.log.Info("op-tester stopped successfully")
	return result
}

// Stopped implements the cliapp.Lifecycle interface.
func (t *tester) Stopped() bool {
	return !t.running.Load()
}
