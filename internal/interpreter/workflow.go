package interpreter

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/omnicloud/beaconcheck/internal/dsl"
	"github.com/omnicloud/beaconcheck/internal/plugins/beacon"
)

const (
	TaskQueue = "beacon-tests"
	// activityGrace covers browser launch and teardown on top of the test timeout.
	activityGrace = 2 * time.Minute
)

// SuiteWorkflow runs every test of suite as a beacon activity, one after the
// other. A failing test does not stop the suite; the workflow only fails when
// the suite itself is unusable.
func SuiteWorkflow(ctx workflow.Context, suite dsl.Suite, runID string) (SuiteResult, error) {
	logger := workflow.GetLogger(ctx)
	result := newSuiteResult(suite.Name, runID, workflow.Now(ctx))

	if len(suite.Tests) == 0 {
		return result, fmt.Errorf("suite %q has no tests", suite.Name)
	}

	for _, test := range suite.Tests {
		logger.Info(fmt.Sprintf("Running test %q", test.Name))

		opts, err := activityOptions(test)
		if err != nil {
			result.add(failedResult(test.Name, runID, err))
			continue
		}
		actx := workflow.WithActivityOptions(ctx, opts)

		params := map[string]interface{}{
			"test":   test,
			"run_id": runID,
		}
		var res beacon.Result
		if err := workflow.ExecuteActivity(actx, beacon.PluginType, params).Get(actx, &res); err != nil {
			logger.Error(fmt.Sprintf("Test %q could not run", test.Name), "error", err)
			result.add(failedResult(test.Name, runID, err))
			continue
		}

		if res.Passed {
			logger.Info(fmt.Sprintf("Test %q PASSED", test.Name))
		} else {
			logger.Warn(fmt.Sprintf("Test %q FAILED", test.Name), "unmet", res.Unmet, "error", res.Error)
		}
		result.add(res)
	}

	result.Duration = workflow.Now(ctx).Sub(result.Started)
	return result, nil
}

// activityOptions gives a beacon activity its test timeout plus a grace period
// and a single attempt; a beacon run is not idempotent.
func activityOptions(test dsl.Test) (workflow.ActivityOptions, error) {
	timeout, err := test.TimeoutDuration()
	if err != nil {
		return workflow.ActivityOptions{}, err
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout + activityGrace,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}, nil
}

// TestRunner runs one test outside Temporal.
type TestRunner func(ctx context.Context, test dsl.Test, runID string) (*beacon.Result, error)

// RunLocal runs suite in-process with the same aggregation as SuiteWorkflow.
func RunLocal(ctx context.Context, suite dsl.Suite, runID string, run TestRunner) SuiteResult {
	result := newSuiteResult(suite.Name, runID, time.Now())
	for _, test := range suite.Tests {
		if err := ctx.Err(); err != nil {
			result.add(failedResult(test.Name, runID, err))
			continue
		}
		res, err := run(ctx, test, runID)
		if err != nil {
			result.add(failedResult(test.Name, runID, err))
			continue
		}
		result.add(*res)
	}
	result.Duration = time.Since(result.Started)
	return result
}
