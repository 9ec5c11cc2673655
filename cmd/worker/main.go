package main

import (
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/omnicloud/beaconcheck/internal/cli"
	"github.com/omnicloud/beaconcheck/internal/interpreter"
	"github.com/omnicloud/beaconcheck/internal/plugins"

	// Import plugins to trigger auto-registration
	_ "github.com/omnicloud/beaconcheck/internal/plugins/beacon"
)

func main() {
	cli.InitLogging()
	logger := cli.Logger

	temporalHost := os.Getenv("TEMPORAL_HOST")
	if temporalHost == "" {
		logger.Error("TEMPORAL_HOST environment variable is not set")
		os.Exit(1)
	}

	logger.Debug("connecting to temporal", "host", temporalHost)
	c, err := client.Dial(client.Options{
		HostPort: temporalHost,
		Logger:   log.NewStructuredLogger(logger),
	})
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	logger.Debug("creating worker for task queue", "queue", interpreter.TaskQueue)
	// one browser per activity; keep concurrent launches bounded
	w := worker.New(c, interpreter.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 4,
	})

	w.RegisterWorkflow(interpreter.SuiteWorkflow)
	plugins.RegisterAllWithTemporal(w)

	logger.Info("starting worker", "queue", interpreter.TaskQueue, "plugins", len(plugins.GetRegisteredPlugins()))
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
