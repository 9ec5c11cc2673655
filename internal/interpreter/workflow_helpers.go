package interpreter

import (
	"strings"
	"time"

	"github.com/omnicloud/beaconcheck/internal/plugins/beacon"
)

// ExtractCleanError returns the error message without the activity header and
// the repeated wrapping Temporal adds to activity failures.
func ExtractCleanError(err error) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()
	// activity error (type: beacon, scheduledEventID: 5, ...): <cause>
	if strings.HasPrefix(errMsg, activityErrorPrefix) {
		if idx := strings.Index(errMsg, "): "); idx != -1 {
			errMsg = errMsg[idx+3:]
		}
	}

	for _, marker := range wrapMarkers {
		if idx := strings.Index(errMsg, marker); idx != -1 {
			errMsg = errMsg[:idx]
		}
	}
	return strings.TrimSpace(errMsg)
}

const activityErrorPrefix = "activity error ("

var wrapMarkers = []string{
	" (type: wrapError, retryable: true):",
	" (type: wrapError, retryable: false):",
}

// SuiteResult aggregates the beacon results of one run of a suite.
type SuiteResult struct {
	Suite    string          `json:"suite"`
	RunID    string          `json:"run_id"`
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
	Tests    []beacon.Result `json:"tests"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
}

func newSuiteResult(suite, runID string, started time.Time) SuiteResult {
	return SuiteResult{Suite: suite, RunID: runID, Started: started}
}

func (r *SuiteResult) add(res beacon.Result) {
	r.Tests = append(r.Tests, res)
	if res.Passed {
		r.Passed++
	} else {
		r.Failed++
	}
}

// OK reports whether every test passed.
func (r SuiteResult) OK() bool {
	return r.Failed == 0 && len(r.Tests) > 0
}

func failedResult(test, runID string, err error) beacon.Result {
	return beacon.Result{
		Test:  test,
		RunID: runID,
		Error: ExtractCleanError(err),
	}
}
