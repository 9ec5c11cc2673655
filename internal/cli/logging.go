package cli

import (
	"log/slog"
	"os"
	"strings"
)

const LogEnv = "BEACONCHECK_LOG"

// Logger is the global logger instance
var Logger = slog.Default()

// InitLogging sets Logger and the slog default from BEACONCHECK_LOG.
func InitLogging() {
	level := new(slog.LevelVar)
	level.Set(parseLevel(os.Getenv(LogEnv)))

	Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	slog.SetDefault(Logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
