package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/flowcap/pkg/capture"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show capture statistics",
	Long: `Query the flowcap daemon for session counters.

Shows packet, byte, drop and flow counters. With --watch the output is
refreshed every interval together with per-second rates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsJSON {
			return runStatsJSON(cmd.Context(), newClient(), cmd.OutOrStdout())
		}
		return runStats(cmd.Context(), newClient(), cmd.OutOrStdout(), statsWatch, statsInterval)
	},
}

var (
	statsWatch    bool
	statsJSON     bool
	statsInterval time.Duration
)

func init() {
	statsCmd.Flags().BoolVarP(&statsWatch, "watch", "w", false, "refresh continuously")
	statsCmd.Flags().DurationVarP(&statsInterval, "interval", "i", time.Second, "refresh interval for --watch")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print raw JSON")
}

func runStats(ctx context.Context, client DaemonClient, out io.Writer, watch bool, interval time.Duration) error {
	meter := capture.NewRateMeter()
	st, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}
	capture.PrintStats(out, st, meter.Update(st), true)
	if !watch {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := client.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to query stats: %w", err)
			}
			fmt.Fprint(out, "\033[H\033[2J")
			capture.PrintStats(out, st, meter.Update(st), true)
		}
	}
}

func runStatsJSON(ctx context.Context, client DaemonClient, out io.Writer) error {
	st, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
