package results

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/beaconcheck/internal/expect"
	"github.com/omnicloud/beaconcheck/internal/interpreter"
	"github.com/omnicloud/beaconcheck/internal/plugins/beacon"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func suiteResult(runID string, started time.Time) interpreter.SuiteResult {
	return interpreter.SuiteResult{
		Suite:    "storefront",
		RunID:    runID,
		Started:  started,
		Duration: 42 * time.Second,
		Passed:   1,
		Failed:   1,
		Tests: []beacon.Result{
			{
				Test:     "home",
				Passed:   true,
				Met:      []expect.Resolution{{Index: 0, Name: "home pageview", Label: "home pageview", Method: "GET"}},
				Duration: 3 * time.Second,
			},
			{
				Test:  "search",
				Unmet: []string{"search string"},
				Error: "timed out after 1m0s waiting for 1 expectation(s)",
			},
		},
	}
}

func TestRecordAndRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, suiteResult("run-1", started)))
	require.NoError(t, store.Record(ctx, suiteResult("run-2", started.Add(time.Hour))))

	runs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)
	assert.Equal(t, started, runs[1].Started())
	assert.Equal(t, int64(42000), runs[1].DurationMS)
	assert.Equal(t, 1, runs[1].Passed)
	assert.Equal(t, 1, runs[1].Failed)

	runs, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	beacons, err := store.Beacons(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, beacons, 2)
	assert.Equal(t, "home", beacons[0].Test)
	assert.True(t, beacons[0].Passed)
	assert.False(t, beacons[1].Passed)
	assert.Contains(t, beacons[1].Error, "timed out")

	var met []expect.Resolution
	require.NoError(t, json.Unmarshal([]byte(beacons[0].Met), &met))
	assert.Equal(t, "home pageview", met[0].Label)

	var unmet []string
	require.NoError(t, json.Unmarshal([]byte(beacons[1].Unmet), &unmet))
	assert.Equal(t, []string{"search string"}, unmet)
}

func TestRecordRejectsDuplicateRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, suiteResult("run-1", time.Now())))
	assert.Error(t, store.Record(ctx, suiteResult("run-1", time.Now())))

	beacons, err := store.Beacons(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, beacons, 2, "the failed insert is rolled back")

	assert.Error(t, store.Record(ctx, interpreter.SuiteResult{}))
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestNormalizeDriver(t *testing.T) {
	for in, want := range map[string]string{
		"sqlite3":    "sqlite",
		"SQLite":     "sqlite",
		"postgresql": "postgres",
		"pgx":        "pgx",
		"mysql":      "mysql",
		"mssql":      "sqlserver",
	} {
		got, err := NormalizeDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeDriver("oracle")
	assert.Error(t, err)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), "sqlite", "")
	assert.EqualError(t, err, "results dsn is required")
}
