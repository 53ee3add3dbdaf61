// Package cmd implements the flowcap CLI using cobra.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowcap",
	Short: "flowcap - packet capture and flow metering engine",
	Long: `flowcap captures packets from a network interface through one of several
backends (AF_PACKET, libpcap, PF_RING, XDP, DPDK), meters them into
bidirectional flow records and exports expired flows as NetFlow v9 or IPFIX.

The daemon is controlled locally over a Unix domain socket.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/flowcap/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/flowcap.sock",
		"daemon socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(flowsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(collectCmd)
}
