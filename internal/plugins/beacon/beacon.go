// Package beacon runs one suite test: it opens a browser page, listens for
// beacons on the test endpoint, performs the test steps and waits until every
// expectation is met or the test times out.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/log"

	"github.com/omnicloud/beaconcheck/internal/browser/pw"
	"github.com/omnicloud/beaconcheck/internal/dsl"
	"github.com/omnicloud/beaconcheck/internal/expect"
	"github.com/omnicloud/beaconcheck/internal/plugins"
)

const PluginType = "beacon"

func init() {
	plugins.RegisterPlugin(&BeaconPlugin{})
}

// Opener opens a page for a test. The returned close func releases the page
// and everything behind it.
type Opener func(ctx context.Context, cfg dsl.BrowserConfig, launchTimeout time.Duration) (playwright.Page, func() error, error)

type BeaconPlugin struct {
	// Open defaults to LaunchPlaywright.
	Open Opener
	// Logger receives matcher output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Result is what a beacon activity reports for one test.
type Result struct {
	Test     string              `json:"test"`
	RunID    string              `json:"run_id"`
	Passed   bool                `json:"passed"`
	Met      []expect.Resolution `json:"met"`
	Unmet    []string            `json:"unmet,omitempty"`
	Error    string              `json:"error,omitempty"`
	Started  time.Time           `json:"started"`
	Duration time.Duration       `json:"duration"`
}

func (bp *BeaconPlugin) GetType() string {
	return PluginType
}

// Activity expects params "test" (a dsl.Test or its JSON form) and "run_id".
func (bp *BeaconPlugin) Activity(ctx context.Context, p map[string]interface{}) (interface{}, error) {
	test, err := parseTest(p["test"])
	if err != nil {
		return nil, err
	}
	runID, _ := p["run_id"].(string)

	return bp.RunTest(ctx, test, runID)
}

func parseTest(raw interface{}) (dsl.Test, error) {
	switch t := raw.(type) {
	case dsl.Test:
		return t, nil
	case *dsl.Test:
		if t == nil {
			return dsl.Test{}, fmt.Errorf("test is required")
		}
		return *t, nil
	case nil:
		return dsl.Test{}, fmt.Errorf("test is required")
	}

	blob, err := json.Marshal(raw)
	if err != nil {
		return dsl.Test{}, fmt.Errorf("invalid test parameter: %w", err)
	}
	var test dsl.Test
	if err := json.Unmarshal(blob, &test); err != nil {
		return dsl.Test{}, fmt.Errorf("test parameter could not be parsed: %w", err)
	}
	return test, nil
}

// RunTest runs test in a fresh page. A test whose expectations are not met
// within its timeout, or whose steps fail, yields a failed Result and a nil
// error. Errors are reserved for a test that cannot be started.
func (bp *BeaconPlugin) RunTest(ctx context.Context, test dsl.Test, runID string) (*Result, error) {
	logger := getLogger(ctx)

	timeout, err := test.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	exps, err := test.BuildExpectations()
	if err != nil {
		return nil, err
	}

	open := bp.Open
	if open == nil {
		open = LaunchPlaywright
	}
	page, closePage, err := open(ctx, test.Browser, timeout)
	if err != nil {
		return nil, fmt.Errorf("test %q: %w", test.Name, err)
	}
	defer func() {
		if err := closePage(); err != nil {
			logger.Warn("failed to close browser", "test", test.Name, "error", err)
		}
	}()

	result := &Result{Test: test.Name, RunID: runID, Started: time.Now()}
	testCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slogger := bp.Logger
	if slogger == nil {
		slogger = slog.Default()
	}
	wait := expect.Listen(pw.NewSource(page), test.Endpoint, exps,
		expect.WithLogger(slogger.With("test", test.Name)),
		expect.WithResolveHook(func(r expect.Resolution) {
			logger.Info("expectation met", "test", test.Name, "expectation", r.Label, "url", r.URL)
		}),
	)
	defer wait.Close()

	logger.Info("running beacon test", "test", test.Name, "endpoint", test.Endpoint, "timeout", timeout.String())

	var runErr error
	for i, step := range test.Steps {
		logger.Debug("performing step", "test", test.Name, "step", step.DisplayName())
		if err := pw.Perform(testCtx, page, step, timeout); err != nil {
			runErr = fmt.Errorf("step %d (%s): %w", i, step.DisplayName(), err)
			break
		}
	}
	if runErr == nil {
		runErr = wait.Wait(testCtx)
	}

	result.Duration = time.Since(result.Started)
	result.Met = wait.Resolutions()
	result.Unmet = wait.Unmet()
	result.Passed = runErr == nil

	if runErr != nil {
		var unmet *expect.UnmetError
		if errors.As(runErr, &unmet) && errors.Is(runErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("timed out after %s waiting for %d expectation(s)", timeout, len(unmet.Unmet))
		}
		result.Error = runErr.Error()
		logger.Error("beacon test failed", "test", test.Name, "error", result.Error, "unmet", result.Unmet)
	} else {
		logger.Info("beacon test passed", "test", test.Name, "duration", result.Duration.String())
	}

	return result, nil
}

// LaunchPlaywright launches the configured browser and opens one page.
func LaunchPlaywright(_ context.Context, cfg dsl.BrowserConfig, launchTimeout time.Duration) (playwright.Page, func() error, error) {
	rt, err := pw.Launch(pw.LaunchOptions{
		Browser:  cfg.Type,
		Headless: cfg.IsHeadless(),
		SlowMo:   time.Duration(cfg.SlowMoMS) * time.Millisecond,
		Args:     cfg.Args,
		Timeout:  launchTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	page, err := rt.NewPage()
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	return page, rt.Close, nil
}

func getLogger(ctx context.Context) log.Logger {
	if activity.IsActivity(ctx) {
		return activity.GetLogger(ctx)
	}
	return log.NewStructuredLogger(slog.Default())
}
