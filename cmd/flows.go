package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"firestige.xyz/flowcap/internal/control"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List live flow records",
	Long: `List the live flow records of the running session, largest first.

Requires flow metering to be enabled in the daemon configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlows(cmd.Context(), newClient(), cmd.OutOrStdout(), flowsLimit)
	},
}

var flowsLimit int

func init() {
	flowsCmd.Flags().IntVarP(&flowsLimit, "limit", "n", 20, "maximum flows to show (0 for all)")
}

func runFlows(ctx context.Context, client DaemonClient, out io.Writer, limit int) error {
	res, err := client.Flows(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}
	renderFlows(out, res.Flows)
	fmt.Fprintf(out, "%d of %d flows\n", len(res.Flows), res.Total)
	return nil
}

func renderFlows(out io.Writer, flows []control.FlowEntry) {
	t := tablewriter.NewWriter(out)
	t.SetHeader([]string{"Source", "Destination", "Proto", "Pkts Fwd", "Pkts Rev", "Bytes Fwd", "Bytes Rev", "Flags", "State"})
	t.SetAutoWrapText(false)
	t.SetRowLine(false)

	for _, f := range flows {
		t.Append([]string{
			endpoint(f.SrcIP, f.SrcPort),
			endpoint(f.DstIP, f.DstPort),
			protoName(f.Protocol),
			strconv.FormatUint(f.PacketsFwd, 10),
			strconv.FormatUint(f.PacketsRev, 10),
			strconv.FormatUint(f.BytesFwd, 10),
			strconv.FormatUint(f.BytesRev, 10),
			tcpFlags(f.TCPFlags),
			f.State,
		})
	}
	t.Render()
}

func endpoint(ip string, port uint16) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip + ":" + strconv.Itoa(int(port))
	}
	return netip.AddrPortFrom(addr, port).String()
}

func protoName(p uint8) string {
	switch p {
	case 1:
		return "icmp"
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 58:
		return "icmpv6"
	case 132:
		return "sctp"
	default:
		return strconv.Itoa(int(p))
	}
}

// tcpFlags renders a flag union in FSRPAUEC order.
func tcpFlags(f uint8) string {
	const names = "FSRPAUEC"
	if f == 0 {
		return "-"
	}
	out := make([]byte, 0, len(names))
	for i := 0; i < len(names); i++ {
		if f&(1<<i) != 0 {
			out = append(out, names[i])
		}
	}
	return string(out)
}
