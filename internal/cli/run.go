package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"github.com/omnicloud/beaconcheck/internal/dsl"
	"github.com/omnicloud/beaconcheck/internal/interpreter"
	"github.com/omnicloud/beaconcheck/internal/plugins/beacon"
	"github.com/omnicloud/beaconcheck/internal/results"
)

const (
	defaultSuiteFile = "beaconcheck.yaml"

	resultsDriverEnv = "BEACONCHECK_RESULTS_DRIVER"
	resultsDSNEnv    = "BEACONCHECK_RESULTS_DSN"
	temporalHostEnv  = "TEMPORAL_HOST"
)

// suiteExecutor runs one rendered suite and reports its aggregated result.
type suiteExecutor func(ctx context.Context, suite dsl.Suite, runID string) (interpreter.SuiteResult, error)

type runOptions struct {
	vars          map[string]string
	varFile       string
	envFile       string
	temporalHost  string
	resultsDriver string
	resultsDSN    string
	timeout       time.Duration
	test          string

	// executor replaces the in-process or Temporal executor when set.
	executor suiteExecutor
}

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [files, directories or globs...]",
		Short: "Run beacon test suites",
		Long: `Run one or more beacon test suites. Arguments may be suite files,
directories (searched recursively for .yaml and .yml files) or globs such as
tests/**/*.yaml. Without arguments ` + defaultSuiteFile + ` in the current directory is run.

Tests run in-process unless --temporal points at a Temporal frontend, in which
case each suite is executed by a beaconcheck worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.temporalHost == "" {
				opts.temporalHost = os.Getenv(temporalHostEnv)
			}
			if opts.resultsDriver == "" {
				opts.resultsDriver = os.Getenv(resultsDriverEnv)
			}
			if opts.resultsDSN == "" {
				opts.resultsDSN = os.Getenv(resultsDSNEnv)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSuites(ctx, cmd.OutOrStdout(), args, opts)
		},
	}

	cmd.Flags().StringToStringVarP(&opts.vars, "var", "v", nil, "Set variables (can be used multiple times: --var key=value --var nested.key=value)")
	cmd.Flags().StringVar(&opts.varFile, "var-file", "", "Load variables from YAML file")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Load environment variables from a .env file (system environment wins)")
	cmd.Flags().StringVar(&opts.temporalHost, "temporal", "", "Temporal frontend host:port; runs suites on a worker instead of in-process (env "+temporalHostEnv+")")
	cmd.Flags().StringVar(&opts.resultsDriver, "results-driver", "", "Results database driver: sqlite, postgres, pgx, mysql or sqlserver (env "+resultsDriverEnv+")")
	cmd.Flags().StringVar(&opts.resultsDSN, "results-dsn", "", "Results database DSN; results are only stored when set (env "+resultsDSNEnv+")")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Override the timeout of every test")
	cmd.Flags().StringVarP(&opts.test, "test", "t", "", "Only run the test with this name")

	return cmd
}

func runSuites(ctx context.Context, out io.Writer, args []string, opts *runOptions) error {
	files, err := expandPaths(args)
	if err != nil {
		return err
	}

	env := map[string]string{}
	if opts.envFile != "" {
		if env, err = loadEnvFile(opts.envFile); err != nil {
			return err
		}
		applied, err := setEnvironmentVariables(env)
		if err != nil {
			return err
		}
		Logger.Debug("loaded env file", "path", opts.envFile, "applied", applied)
	}

	vars := opts.vars
	if opts.varFile != "" {
		fileVars, err := loadVarFile(opts.varFile)
		if err != nil {
			return err
		}
		vars = mergeVars(fileVars, opts.vars)
	}

	suites := make([]dsl.Suite, 0, len(files))
	for _, file := range files {
		suite, err := loadSuite(file, vars, env, opts)
		if err != nil {
			return err
		}
		suites = append(suites, suite)
	}

	exec := opts.executor
	if exec == nil {
		var closeExec func()
		if exec, closeExec, err = newExecutor(opts.temporalHost); err != nil {
			return err
		}
		defer closeExec()
	}

	var store *results.Store
	if opts.resultsDSN != "" {
		driver := opts.resultsDriver
		if driver == "" {
			driver = "sqlite"
		}
		if store, err = results.Open(ctx, driver, opts.resultsDSN); err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	summary := make([]interpreter.SuiteResult, 0, len(suites))
	for _, suite := range suites {
		runID := uuid.NewString()
		Logger.Info("running suite", "suite", suite.Name, "tests", len(suite.Tests), "run_id", runID)

		res, err := exec(ctx, suite, runID)
		if err != nil {
			return fmt.Errorf("suite %q: %w", suite.Name, err)
		}
		printSuiteResult(out, res)
		summary = append(summary, res)

		if store != nil {
			if err := store.Record(ctx, res); err != nil {
				Logger.Error("failed to record results", "suite", suite.Name, "run_id", runID, "error", err)
			}
		}
	}

	return printFinalSummary(out, summary)
}

func loadSuite(path string, vars, env map[string]string, opts *runOptions) (dsl.Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return dsl.Suite{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	suite, err := dsl.ValidateYAML(data)
	if err != nil {
		return dsl.Suite{}, fmt.Errorf("%s: %w", path, err)
	}

	suite, err = dsl.RenderSuite(suite, vars, env)
	if err != nil {
		return dsl.Suite{}, fmt.Errorf("%s: %w", path, err)
	}

	if opts.test != "" {
		test, ok := suite.FindTest(opts.test)
		if !ok {
			return dsl.Suite{}, fmt.Errorf("%s: no test named %q", path, opts.test)
		}
		suite.Tests = []dsl.Test{test}
	}
	if opts.timeout > 0 {
		for i := range suite.Tests {
			suite.Tests[i].Timeout = opts.timeout.String()
		}
	}
	return suite, nil
}

// newExecutor returns the in-process executor, or one that starts SuiteWorkflow
// on temporalHost when it is set.
func newExecutor(temporalHost string) (suiteExecutor, func(), error) {
	if temporalHost == "" {
		plugin := &beacon.BeaconPlugin{Logger: Logger}
		return func(ctx context.Context, suite dsl.Suite, runID string) (interpreter.SuiteResult, error) {
			return interpreter.RunLocal(ctx, suite, runID, plugin.RunTest), nil
		}, func() {}, nil
	}

	Logger.Debug("connecting to temporal", "host", temporalHost)
	c, err := client.Dial(client.Options{
		HostPort: temporalHost,
		Logger:   log.NewStructuredLogger(Logger),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to temporal at %s: %w", temporalHost, err)
	}

	return func(ctx context.Context, suite dsl.Suite, runID string) (interpreter.SuiteResult, error) {
		var res interpreter.SuiteResult
		run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        "beaconcheck-" + runID,
			TaskQueue: interpreter.TaskQueue,
		}, interpreter.SuiteWorkflow, suite, runID)
		if err != nil {
			return res, fmt.Errorf("failed to start workflow: %w", err)
		}
		Logger.Debug("workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID())

		if err := run.Get(ctx, &res); err != nil {
			return res, fmt.Errorf("workflow failed: %s", interpreter.ExtractCleanError(err))
		}
		return res, nil
	}, c.Close, nil
}

// expandPaths resolves files, directories and doublestar globs to a
// de-duplicated list of suite files, in argument order.
func expandPaths(args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{defaultSuiteFile}
	}

	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		path = filepath.Clean(path)
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, arg := range args {
		if isGlob(arg) {
			matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("invalid glob %q: %w", arg, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no suite files match %q", arg)
			}
			for _, m := range matches {
				add(m)
			}
			continue
		}

		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to access %s: %w", arg, err)
		}
		if !info.IsDir() {
			add(arg)
			continue
		}

		pattern := filepath.Join(escapeGlob(arg), "**", "*.{yaml,yml}")
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no suite files found in %s", arg)
		}
		for _, m := range matches {
			add(m)
		}
	}
	return files, nil
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func escapeGlob(s string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`, "{", `\{`)
	return r.Replace(s)
}

func printSuiteResult(w io.Writer, res interpreter.SuiteResult) {
	for _, t := range res.Tests {
		if t.Passed {
			_, _ = color.New(color.FgGreen).Fprintf(w, "✓ %s", t.Test)
		} else {
			_, _ = color.New(color.FgRed, color.Bold).Fprintf(w, "✗ %s", t.Test)
		}
		_, _ = fmt.Fprintf(w, " %s\n", color.New(color.Faint).Sprintf("(%s, %s)", res.Suite, t.Duration.Round(time.Millisecond)))

		for _, m := range t.Met {
			_, _ = fmt.Fprintf(w, "    %s %s %s\n", color.GreenString("met"), m.Label, color.New(color.Faint).Sprint(m.Method))
		}
		for _, u := range t.Unmet {
			_, _ = fmt.Fprintf(w, "    %s %s\n", color.RedString("unmet"), u)
		}
		if t.Error != "" {
			_, _ = fmt.Fprintf(w, "    %s %s\n", color.MagentaString("error"), t.Error)
		}
	}
}

// printFinalSummary prints totals and returns an error when any test failed.
func printFinalSummary(w io.Writer, runs []interpreter.SuiteResult) error {
	passedSuites, passedTests, failedTests := 0, 0, 0
	for _, r := range runs {
		if r.OK() {
			passedSuites++
		}
		passedTests += r.Passed
		failedTests += r.Failed
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "%s\n", color.New(color.Bold).Sprint("Summary"))
	_, _ = fmt.Fprintf(w, "%s Passed Suites: %d\n", color.GreenString("✓"), passedSuites)
	_, _ = fmt.Fprintf(w, "%s Failed Suites: %d\n", color.RedString("✗"), len(runs)-passedSuites)
	_, _ = fmt.Fprintf(w, "%s Passed Tests: %d\n", color.GreenString("✓"), passedTests)
	_, _ = fmt.Fprintf(w, "%s Failed Tests: %d\n", color.RedString("✗"), failedTests)

	if passedSuites != len(runs) {
		return fmt.Errorf("%d of %d suite(s) failed", len(runs)-passedSuites, len(runs))
	}
	return nil
}
