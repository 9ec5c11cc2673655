package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/omnicloud/beaconcheck/internal/browser/cdp"
	"github.com/omnicloud/beaconcheck/internal/browser/sessionfile"
	"github.com/omnicloud/beaconcheck/internal/dsl"
	"github.com/omnicloud/beaconcheck/internal/expect"
	"github.com/omnicloud/beaconcheck/internal/scenario"
)

type watchOptions struct {
	ws       string
	session  string
	endpoint string
	file     string
	test     string
	match    string
	timeout  time.Duration
	vars     map[string]string
}

// watchPlan is what a watch waits for.
type watchPlan struct {
	name         string
	endpoint     string
	expectations []expect.Expectation
	timeout      time.Duration
}

// NewWatchCmd creates the watch command
func NewWatchCmd() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Wait for beacons in a browser you drive yourself",
		Long: `Attach to a running Chrome over the DevTools protocol and wait until the
expectations of a suite test are met while the page is driven by hand or by
another tool. Without --file the storefront expectations are used.

Examples:
  beaconcheck browser start --session demo
  beaconcheck watch --session demo --match myshopify.com
  beaconcheck watch --ws ws://127.0.0.1:9222 --file storefront.yaml --test storefront`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			plan, err := buildWatchPlan(opts)
			if err != nil {
				return err
			}
			ws, err := resolveWSEndpoint(ctx, opts)
			if err != nil {
				return err
			}
			return runWatch(ctx, cmd.OutOrStdout(), ws, opts.match, plan)
		},
	}

	cmd.Flags().StringVar(&opts.ws, "ws", "", "DevTools websocket URL of the browser, e.g. ws://127.0.0.1:9222")
	cmd.Flags().StringVar(&opts.session, "session", "", "Attach to a browser started with 'beaconcheck browser start --session <id>'")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Collect endpoint substring (defaults to the test endpoint)")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Suite file to take expectations from")
	cmd.Flags().StringVarP(&opts.test, "test", "t", "", "Test within --file (defaults to the first test)")
	cmd.Flags().StringVar(&opts.match, "match", "", "Attach to the first tab whose URL contains this string")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "How long to wait (defaults to the test timeout)")
	cmd.Flags().StringToStringVarP(&opts.vars, "var", "v", nil, "Set variables used when rendering --file")
	cmd.MarkFlagsMutuallyExclusive("ws", "session")

	return cmd
}

func buildWatchPlan(opts *watchOptions) (watchPlan, error) {
	plan := watchPlan{
		name:         "storefront",
		endpoint:     scenario.DefaultCollectEndpoint,
		expectations: scenario.StorefrontExpectations(),
		timeout:      dsl.DefaultTimeout,
	}

	if opts.file != "" {
		suite, err := loadSuite(opts.file, opts.vars, nil, &runOptions{test: opts.test})
		if err != nil {
			return watchPlan{}, err
		}
		test := suite.Tests[0]
		if plan.timeout, err = test.TimeoutDuration(); err != nil {
			return watchPlan{}, err
		}
		if plan.expectations, err = test.BuildExpectations(); err != nil {
			return watchPlan{}, err
		}
		plan.name = test.Name
		plan.endpoint = test.Endpoint
	} else if opts.test != "" {
		return watchPlan{}, errors.New("--test requires --file")
	}

	if opts.endpoint != "" {
		plan.endpoint = opts.endpoint
	}
	if opts.timeout > 0 {
		plan.timeout = opts.timeout
	}
	return plan, nil
}

func resolveWSEndpoint(ctx context.Context, opts *watchOptions) (string, error) {
	if opts.ws != "" {
		return opts.ws, nil
	}
	if opts.session == "" {
		return "", errors.New("either --ws or --session is required")
	}
	s, err := sessionfile.Read(ctx, opts.session)
	if err != nil {
		return "", err
	}
	return s.WSEndpoint, nil
}

func runWatch(ctx context.Context, out io.Writer, ws, match string, plan watchPlan) error {
	tab, err := cdp.Attach(ctx, ws, match)
	if err != nil {
		return err
	}
	defer tab.Close()

	Logger.Info("watching for beacons", "test", plan.name, "tab", tab.URL, "endpoint", plan.endpoint, "expectations", len(plan.expectations), "timeout", plan.timeout.String())

	wait := expect.Listen(cdp.NewSource(tab.Ctx), plan.endpoint, plan.expectations,
		expect.WithLogger(Logger.With("test", plan.name)),
		expect.WithResolveHook(func(r expect.Resolution) {
			_, _ = fmt.Fprintf(out, "%s %s %s\n", color.GreenString("met"), r.Label, color.New(color.Faint).Sprint(r.Method+" "+r.URL))
		}),
	)

	waitCtx, cancel := context.WithTimeout(ctx, plan.timeout)
	defer cancel()

	if err := wait.Wait(waitCtx); err != nil {
		for _, u := range wait.Unmet() {
			_, _ = fmt.Fprintf(out, "%s %s\n", color.RedString("unmet"), u)
		}
		return fmt.Errorf("test %q: %w", plan.name, err)
	}

	_, _ = fmt.Fprintf(out, "%s all %d expectation(s) met\n", color.GreenString("✓"), len(plan.expectations))
	return nil
}
