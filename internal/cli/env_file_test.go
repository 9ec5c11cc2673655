package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("valid env file", func(t *testing.T) {
		path := writeFile(t, ".env", `# store credentials
BEACONCHECK_STORE_PASSWORD=hunter2
COLLECT=https://staging.omnicloud.tech/collect

export EXPORTED=yes
EMPTY_VALUE=
QUOTED_VALUE="value with spaces"
SINGLE_QUOTED='single quoted value'
MISMATCHED="half'
`)

		env, err := loadEnvFile(path)
		require.NoError(t, err)

		assert.Equal(t, map[string]string{
			"BEACONCHECK_STORE_PASSWORD": "hunter2",
			"COLLECT":                    "https://staging.omnicloud.tech/collect",
			"EXPORTED":                   "yes",
			"EMPTY_VALUE":                "",
			"QUOTED_VALUE":               "value with spaces",
			"SINGLE_QUOTED":              "single quoted value",
			"MISMATCHED":                 `"half'`,
		}, env)
	})

	t.Run("invalid format", func(t *testing.T) {
		path := writeFile(t, ".env", "VALID_KEY=value\nINVALID_LINE_NO_EQUALS\n")
		_, err := loadEnvFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid line 2")
	})

	t.Run("empty key", func(t *testing.T) {
		path := writeFile(t, ".env", "VALID=value\n=empty_key_value\n")
		_, err := loadEnvFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty key at line 2")
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open env file")
	})
}

func TestSetEnvironmentVariablesKeepsSystemEnv(t *testing.T) {
	t.Setenv("BEACONCHECK_TEST_PRESET", "system")
	t.Setenv("BEACONCHECK_TEST_NEW", "")
	require.NoError(t, os.Unsetenv("BEACONCHECK_TEST_NEW"))
	t.Cleanup(func() { _ = os.Unsetenv("BEACONCHECK_TEST_NEW") })

	applied, err := setEnvironmentVariables(map[string]string{
		"BEACONCHECK_TEST_PRESET": "file",
		"BEACONCHECK_TEST_NEW":    "file",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"BEACONCHECK_TEST_NEW"}, applied)
	assert.Equal(t, "system", os.Getenv("BEACONCHECK_TEST_PRESET"))
	assert.Equal(t, "file", os.Getenv("BEACONCHECK_TEST_NEW"))
}

func TestLoadVarFile(t *testing.T) {
	path := writeFile(t, "vars.yaml", `
store: https://shop.example
search:
  term: toy
  page: 2
empty:
`)

	vars, err := loadVarFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"store":       "https://shop.example",
		"search.term": "toy",
		"search.page": "2",
		"empty":       "",
	}, vars)

	_, err = loadVarFile(writeFile(t, "bad.yaml", "- not\n- a map\n"))
	assert.Error(t, err)
}

func TestMergeVars(t *testing.T) {
	file := map[string]string{"store": "file", "term": "toy"}
	cli := map[string]string{"store": "cli"}

	merged := mergeVars(file, cli)
	assert.Equal(t, map[string]string{"store": "cli", "term": "toy"}, merged)
	assert.Equal(t, "file", file["store"])
}
