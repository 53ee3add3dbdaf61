package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client DaemonClient, out io.Writer) error {
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to query status: %w", err)
	}

	t := tablewriter.NewWriter(out)
	t.SetAutoWrapText(false)
	t.AppendBulk([][]string{
		{"Session", st.ID},
		{"State", string(st.Session)},
		{"Interface", st.Iface},
		{"Backend", st.Backend},
		{"Uptime", st.Uptime},
		{"Flow metering", onOff(st.Flow)},
		{"Flow export", onOff(st.Export)},
		{"Encryption", onOff(st.Crypto)},
		{"PID", fmt.Sprintf("%d", st.PID)},
	})
	t.Render()
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
