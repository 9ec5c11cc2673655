package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmd(t *testing.T) {
	cmd := NewVersionCmd()
	assert.Equal(t, "version", cmd.Use)
	assert.Contains(t, cmd.Short, "version")
	assert.False(t, cmd.HasSubCommands())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ignored"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "beaconcheck "+Version+"\n", out.String())
}

func TestVersionFormat(t *testing.T) {
	require.NotEmpty(t, Version)
	assert.True(t, strings.HasPrefix(Version, "v"), "version should start with v, got %s", Version)
}

func TestRootCmdSubcommands(t *testing.T) {
	root := NewRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "validate", "watch", "browser", "version"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestDebugFlagSetsLogLevel(t *testing.T) {
	t.Setenv(LogEnv, "")

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--debug", "version"})
	require.NoError(t, root.Execute())

	assert.True(t, Logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
