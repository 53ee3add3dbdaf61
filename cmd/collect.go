package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"firestige.xyz/flowcap/internal/export"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Receive and print NetFlow v9 / IPFIX datagrams",
	Long: `Run a minimal collector: listen for NetFlow v9 or IPFIX datagrams on UDP
and print each decoded flow record. Useful for checking an exporter.

Examples:
  flowcap collect --listen :2055
  flowcap collect --listen 127.0.0.1:4739 --count 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := net.ListenPacket("udp", collectListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", collectListen, err)
		}
		defer conn.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", conn.LocalAddr())
		return runCollect(ctx, conn, cmd.OutOrStdout(), collectCount)
	},
}

var (
	collectListen string
	collectCount  int
)

func init() {
	collectCmd.Flags().StringVarP(&collectListen, "listen", "l", ":2055", "UDP listen address")
	collectCmd.Flags().IntVarP(&collectCount, "count", "n", 0, "exit after this many datagrams (0 runs until interrupted)")
}

// runCollect prints datagrams read from conn until ctx is done or count
// datagrams have been printed.
func runCollect(ctx context.Context, conn net.PacketConn, out io.Writer, count int) error {
	buf := make([]byte, 65535)
	for n := 0; count <= 0 || n < count; {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		size, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		d, err := export.Decode(buf[:size])
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", from, err)
			continue
		}
		printDatagram(out, from, d)
		n++
	}
	return nil
}

func printDatagram(out io.Writer, from net.Addr, d *export.Datagram) {
	format := "netflow9"
	if d.Version == 10 {
		format = "ipfix"
	}
	fmt.Fprintf(out, "%s %s seq=%d domain=%d records=%d exported=%s\n",
		from, format, d.Sequence, d.Domain, len(d.Records), d.ExportTime.UTC().Format(time.RFC3339))
	if d.Unknown > 0 {
		fmt.Fprintf(out, "  %d data set(s) without template skipped\n", d.Unknown)
	}
	if len(d.Records) == 0 {
		return
	}

	t := tablewriter.NewWriter(out)
	t.SetHeader([]string{"Source", "Destination", "Proto", "Packets", "Bytes", "Flags", "Duration", "End"})
	t.SetAutoWrapText(false)
	for _, r := range d.Records {
		dur := time.Duration(r.LastSeenNs - r.FirstSeenNs)
		t.Append([]string{
			endpoint(r.Tuple.SrcIP.String(), r.Tuple.SrcPort),
			endpoint(r.Tuple.DstIP.String(), r.Tuple.DstPort),
			protoName(r.Tuple.Protocol),
			strconv.FormatUint(r.Packets(), 10),
			strconv.FormatUint(r.Bytes(), 10),
			tcpFlags(r.TCPFlags),
			dur.String(),
			r.EndReason.String(),
		})
	}
	t.Render()
}
