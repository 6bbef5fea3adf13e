// Command arbor is the task orchestrator CLI and runtime. A human (or a
// parent task) creates tasks with `arbor spawn`; each task runs as its
// own `arbor run <task_id>` process coordinated through Redis.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arborworks/arbor/internal/config"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "arbor",
		Short:         "Hierarchical task orchestrator for Bedrock Converse agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("ARBOR_CONFIG"), "path to YAML config")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (debug|info|warn|error)")

	root.AddCommand(
		newRunCommand(),
		newSpawnCommand(),
		newSendCommand(),
		newStatusCommand(),
		newTranscriptCommand(),
		newKillCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}
