package tester

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-tester/flags"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// Config holds the application configuration
type Config struct {
	Manifest         string        // Absolute path of the job manifest
	CoverageStore    string        // Absolute path of the coverage store, empty disables coverage
	CoverageLocker   string        // flags.LockerFile or flags.LockerRedis
	RedisURL         string        // Redis server for the redis locker
	SourceRoot       string        // Module directory for cover profile paths, may be empty
	Concurrency      int           // Maximum number of jobs running at once
	Timeout          time.Duration // Default per-job timeout, overridden by the manifest
	CollectStderr    bool          // Capture stderr of every job
	OutputLimit      int           // Bytes kept per stream and job
	ShowProgress     bool          // Periodically log running jobs
	ProgressInterval time.Duration // Interval between progress reports
	HealthzAddr      string        // Address of /healthz, empty disables it
	MetricsConfig    opmetrics.CLIConfig
	Out              io.Writer // Where result tables are printed
	Log              log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	manifestPath, err := filepath.Abs(ctx.String(flags.Manifest.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for manifest '%s': %w", ctx.String(flags.Manifest.Name), err)
	}

	var storePath string
	if p := ctx.String(flags.CoverageStore.Name); p != "" {
		storePath, err = filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for coverage store '%s': %w", p, err)
		}
	}

	var sourceRoot string
	if p := ctx.String(flags.SourceRoot.Name); p != "" {
		sourceRoot, err = filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for source root '%s': %w", p, err)
		}
	}

	concurrency := ctx.Int(flags.Concurrency.Name)
	if concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	timeout := ctx.Duration(flags.Timeout.Name)
	if timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative, got %s", timeout)
	}
	outputLimit := ctx.Int(flags.OutputLimit.Name)
	if outputLimit < 0 {
		return nil, fmt.Errorf("output limit cannot be negative, got %d", outputLimit)
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	return &Config{
		Manifest:         manifestPath,
		CoverageStore:    storePath,
		CoverageLocker:   ctx.String(flags.CoverageLocker.Name),
		RedisURL:         ctx.String(flags.RedisURL.Name),
		SourceRoot:       sourceRoot,
		Concurrency:      concurrency,
		Timeout:          timeout,
		CollectStderr:    ctx.Bool(flags.CollectStderr.Name),
		OutputLimit:      outputLimit,
		ShowProgress:     ctx.Bool(flags.ShowProgress.Name),
		ProgressInterval: ctx.Duration(flags.ProgressInterval.Name),
		HealthzAddr:      ctx.String(flags.HealthzAddr.Name),
		MetricsConfig:    metricsCfg,
		Out:              os.Stdout,
		Log:              log,
	}, nil
}
