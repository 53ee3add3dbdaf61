package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/flowcap/internal/core"
	"firestige.xyz/flowcap/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the flowcap daemon",
	Long: `Stop the flowcap daemon gracefully.

The shutdown request is sent over the control socket. The daemon stops
capture, exports the remaining flows and exits. If the socket is
unreachable, SIGTERM is sent to the process named in the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout(), stopPIDFile, daemon.SignalStop)
	},
}

var stopPIDFile string

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/flowcap.pid", "PID file path")
}

func runStop(ctx context.Context, client DaemonClient, out io.Writer, pidFile string,
	signalStop func(string, time.Duration) error) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}
	if !errors.Is(err, core.ErrDaemonNotRunning) {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	if err := signalStop(pidFile, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped (SIGTERM)")
	return nil
}
