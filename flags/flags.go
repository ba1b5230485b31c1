package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-tester/scheduler"
)

const EnvVarPrefix = "OP_TESTER"

const (
	LockerFile  = "file"
	LockerRedis = "redis"
)

var (
	Manifest = &cli.StringFlag{
		Name:    "manifest",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:   "Path to the job manifest (eg. 'tests.yaml' or 'tests.toml')",
	}
	CoverageStore = &cli.StringFlag{
		Name:    "coverage-store",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_STORE"),
		Usage:   "Path to the coverage store file. Coverage is not recorded when empty.",
	}
	CoverageLocker = &cli.StringFlag{
		Name:    "coverage-locker",
		Value:   LockerFile,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_LOCKER"),
		Usage:   "Lock guarding coverage store updates: 'file' or 'redis'",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REDIS_URL"),
		Usage:   "Redis URL used by the redis coverage locker (eg. 'redis://localhost:6379/0')",
	}
	SourceRoot = &cli.StringFlag{
		Name:    "source-root",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SOURCE_ROOT"),
		Usage:   "Module directory used to resolve cover profile paths and list source files",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   scheduler.DefaultConcurrency,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Maximum number of jobs running at once",
	}
	Timeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT"),
		Usage:   "Default per-job timeout (e.g. '30s'). Set to 0 to use the manifest value or no timeout.",
	}
	CollectStderr = &cli.BoolFlag{
		Name:    "collect-stderr",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COLLECT_STDERR"),
		Usage:   "Capture the standard error of every job",
	}
	OutputLimit = &cli.IntFlag{
		Name:    "output-limit",
		Value:   1 << 20,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT_LIMIT"),
		Usage:   "Bytes of output kept per stream and job. 0 keeps everything.",
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PROGRESS"),
		Usage:   "Periodically log which jobs are still running",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress reports when --show-progress is set",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Address of the /healthz endpoint (eg. '0.0.0.0:8080'). Disabled when empty.",
	}
)

var requiredFlags = []cli.Flag{
	Manifest,
}

var optionalFlags = []cli.Flag{
	CoverageStore,
	CoverageLocker,
	RedisURL,
	SourceRoot,
	Concurrency,
	Timeout,
	CollectStderr,
	OutputLimit,
	ShowProgress,
	ProgressInterval,
	HealthzAddr,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	switch locker := ctx.String(CoverageLocker.Name); locker {
	case LockerFile:
	case LockerRedis:
		if ctx.String(RedisURL.Name) == "" {
			return fmt.Errorf("flag %s is required with --%s=%s", RedisURL.Name, CoverageLocker.Name, LockerRedis)
		}
	default:
		return fmt.Errorf("unknown coverage locker %q", locker)
	}
	return opflags.CheckRequiredXor(ctx)
}
