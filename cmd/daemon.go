package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/flowcap/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the flowcap daemon in foreground",
	Long: `Run the flowcap daemon in foreground.

The daemon will:
  1. Load configuration from the config file (FLOWCAP_* env overrides apply)
  2. Initialize logging
  3. Open the capture session and enable flow metering, export and encryption
  4. Serve Prometheus metrics and, if configured, push OTLP metrics
  5. Start the control socket for the CLI
  6. Handle SIGTERM/SIGINT for graceful shutdown and SIGHUP for log reload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	d, err := daemon.New(configFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
