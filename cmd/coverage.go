package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-tester/coverage"
	"github.com/ethereum-optimism/infra/op-tester/flags"
	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

var (
	runIDFlag = &cli.StringFlag{
		Name:    "id",
		EnvVars: opservice.PrefixEnvVar(flags.EnvVarPrefix, "RUN_ID"),
		Usage:   "Run identifier to record coverage under",
	}
	profileFlag = &cli.StringFlag{
		Name:    "profile",
		EnvVars: opservice.PrefixEnvVar(flags.EnvVarPrefix, "COVERPROFILE"),
		Usage:   "Go cover profile to record",
	}
	reportFlag = &cli.StringFlag{
		Name:    "report",
		EnvVars: opservice.PrefixEnvVar(flags.EnvVarPrefix, "LINE_REPORT"),
		Usage:   "JSON line report to record: {\"file\": {\"line\": status}} with statuses -2, -1 or 1",
	}
	fileFlag = &cli.StringFlag{
		Name:  "file",
		Usage: "Source file to query",
	}
	lineFlag = &cli.IntFlag{
		Name:  "line",
		Usage: "Line number to query",
	}
	extFlag = &cli.StringSliceFlag{
		Name:  "ext",
		Value: cli.NewStringSlice(coverage.DefaultSourceExtensions...),
		Usage: "Source file extensions to list",
	}
)

// storeFlags are shared by every coverage subcommand.
func storeFlags(extra ...cli.Flag) []cli.Flag {
	shared := cliapp.ProtectFlags([]cli.Flag{
		flags.CoverageStore,
		flags.CoverageLocker,
		flags.RedisURL,
		flags.SourceRoot,
	})
	return append(shared, extra...)
}

func coverageCommand() *cli.Command {
	return &cli.Command{
		Name:  "coverage",
		Usage: "Inspect and maintain coverage stores",
		Subcommands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create or truncate a coverage store",
				Flags:  storeFlags(),
				Action: coverageInit,
			},
			{
				Name:   "record",
				Usage:  "Record the coverage of one run from a cover profile or a line report",
				Flags:  storeFlags(runIDFlag, profileFlag, reportFlag),
				Action: coverageRecord,
			},
			{
				Name:   "summary",
				Usage:  "Print per-file coverage of all recorded runs",
				Flags:  storeFlags(),
				Action: coverageSummary,
			},
			{
				Name:   "covered-by",
				Usage:  "List the runs that executed a line",
				Flags:  storeFlags(fileFlag, lineFlag),
				Action: coverageCoveredBy,
			},
			{
				Name:      "merge",
				Usage:     "Record every run of the given stores into the coverage store",
				ArgsUsage: "<store>...",
				Flags:     storeFlags(),
				Action:    coverageMerge,
			},
			{
				Name:   "sources",
				Usage:  "List the source files below the source root",
				Flags:  storeFlags(extFlag),
				Action: coverageSources,
			},
		},
	}
}

func storePath(ctx *cli.Context) (string, error) {
	p := ctx.String(flags.CoverageStore.Name)
	if p == "" {
		return "", fmt.Errorf("flag %s is required", flags.CoverageStore.Name)
	}
	return filepath.Abs(p)
}

// newLocker builds the configured locker. The returned close function
// releases the redis client, if any.
func newLocker(ctx *cli.Context, path string) (coverage.Locker, func() error, error) {
	switch locker := ctx.String(flags.CoverageLocker.Name); locker {
	case "", flags.LockerFile:
		return coverage.NewFileLocker(path), func() error { return nil }, nil
	case flags.LockerRedis:
		opts, err := redis.ParseURL(ctx.String(flags.RedisURL.Name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return coverage.NewRedisLocker(client, coverage.RedisLockName(path)), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown coverage locker %q", locker)
	}
}

// openStore opens the store named by the flags with the configured locker.
func openStore(ctx *cli.Context) (*coverage.Store, func() error, error) {
	path, err := storePath(ctx)
	if err != nil {
		return nil, nil, err
	}
	locker, closeLocker, err := newLocker(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	opts := []coverage.Option{coverage.WithLocker(locker), coverage.WithLogger(setupLogging(ctx))}
	if root := ctx.String(flags.SourceRoot.Name); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, nil, errors.Join(err, closeLocker())
		}
		opts = append(opts, coverage.WithSourceRoot(abs))
	}
	store, err := coverage.Open(ctx.Context, path, nil, opts...)
	if err != nil {
		return nil, nil, errors.Join(err, closeLocker())
	}
	return store, closeLocker, nil
}

func coverageInit(ctx *cli.Context) error {
	path, err := storePath(ctx)
	if err != nil {
		return err
	}
	if err := coverage.Init(path); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "initialized %s\n", path)
	return nil
}

func readLineReport(path string) (*coverage.RunCoverage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read line report: %w", err)
	}
	var report map[string]map[int]int
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode line report %s: %w", path, err)
	}
	return coverage.FromLineReport(report)
}

func coverageRecord(ctx *cli.Context) (err error) {
	id := ctx.String(runIDFlag.Name)
	if id == "" {
		return fmt.Errorf("flag %s is required", runIDFlag.Name)
	}
	profile, report := ctx.String(profileFlag.Name), ctx.String(reportFlag.Name)
	if (profile == "") == (report == "") {
		return fmt.Errorf("exactly one of --%s and --%s is required", profileFlag.Name, reportFlag.Name)
	}

	var rc *coverage.RunCoverage
	if profile != "" {
		if rc, err = coverage.FromProfileFile(profile); err != nil {
			return err
		}
		if root := ctx.String(flags.SourceRoot.Name); root != "" {
			if rc, err = coverage.ResolveProfilePaths(rc, root); err != nil {
				return err
			}
		}
	} else if rc, err = readLineReport(report); err != nil {
		return err
	}

	path, err := storePath(ctx)
	if err != nil {
		return err
	}
	locker, closeLocker, err := newLocker(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeLocker())
	}()
	if err := coverage.Record(ctx.Context, path, id, rc, locker); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "recorded %s: %d tested lines\n", id, rc.CountTestedLines())
	return nil
}

func coverageSummary(ctx *cli.Context) (err error) {
	store, closeLocker, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeLocker())
	}()

	summary := store.Summary()
	root, err := store.SourceRoot()
	if err != nil {
		// A derived root is best effort; a configured one must exist.
		if ctx.String(flags.SourceRoot.Name) != "" {
			return err
		}
		root = ""
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(ctx.App.Writer)
	tw.SetTitle(fmt.Sprintf("Coverage of %s (%d runs)", store.Path(), store.Len()))
	tw.AppendHeader(table.Row{"File", "Tested", "Lines", "Covered"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "File", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Tested", Align: text.AlignRight},
		{Name: "Lines", Align: text.AlignRight},
		{Name: "Covered", Align: text.AlignRight},
	})
	for _, file := range summary.ExecutedFiles() {
		st := summary.FileStats(file)
		name := file
		if rel, err := filepath.Rel(root, file); root != "" && err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
			name = rel
		}
		tw.AppendRow(table.Row{name, st.Tested, st.Total, fmt.Sprintf("%.1f%%", st.Percent())})
	}
	total := summary.Stats()
	tw.AppendFooter(table.Row{"TOTAL", total.Tested, total.Total, fmt.Sprintf("%.1f%%", total.Percent())})
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func coverageCoveredBy(ctx *cli.Context) (err error) {
	file, line := ctx.String(fileFlag.Name), ctx.Int(lineFlag.Name)
	if file == "" || line <= 0 {
		return fmt.Errorf("flags %s and %s are required", fileFlag.Name, lineFlag.Name)
	}
	store, closeLocker, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeLocker())
	}()

	for _, id := range store.CoveredBy(file, line) {
		fmt.Fprintln(ctx.App.Writer, id)
	}
	return nil
}

func coverageMerge(ctx *cli.Context) (err error) {
	srcs := ctx.Args().Slice()
	if len(srcs) == 0 {
		return errors.New("at least one source store is required")
	}
	path, err := storePath(ctx)
	if err != nil {
		return err
	}
	locker, closeLocker, err := newLocker(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeLocker())
	}()
	if err := coverage.MergeStores(ctx.Context, path, srcs, locker); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "merged %d stores into %s\n", len(srcs), path)
	return nil
}

func coverageSources(ctx *cli.Context) (err error) {
	store, closeLocker, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeLocker())
	}()

	files, err := store.SourceFiles(ctx.StringSlice(extFlag.Name))
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(ctx.App.Writer, f)
	}
	return nil
}
