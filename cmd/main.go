package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	tester "github.com/ethereum-optimism/infra/op-tester"
	"github.com/ethereum-optimism/infra/op-tester/exitcodes"
	"github.com/ethereum-optimism/infra/op-tester/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err != nil {
			cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
		}
	}

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-tester"
	app.Usage = "Concurrent external test runner with coverage aggregation"
	app.Description = "op-tester runs the jobs of a manifest concurrently and merges the coverage they report"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.Commands = []*cli.Command{coverageCommand()}
	return app
}

// exitCode maps an application error onto the process exit code.
func exitCode(err error) int {
	var exitErr cli.ExitCoder
	switch {
	case err == nil:
		return exitcodes.Success
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case tester.IsRuntimeError(err):
		return exitcodes.RuntimeErr
	case tester.IsTestFailureError(err):
		return exitcodes.TestFailure
	}
	// For other unspecified errors, default to exit code 1
	return exitcodes.TestFailure
}

func setupLogging(ctx *cli.Context) log.Logger {
	logCfg := oplog.ReadCLIConfig(ctx)
	l := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(l.Handler())
	oplog.SetupDefaults()
	return l
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	l := setupLogging(ctx)

	cfg, err := tester.NewConfig(ctx, l)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, tester.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Out = ctx.App.Writer

	cfg.Log.Debug("Config", "config", cfg)

	t, err := tester.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, tester.NewRuntimeError(fmt.Errorf("failed to create tester: %w", err))
	}
	return t, nil
}
