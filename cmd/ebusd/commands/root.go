// Package commands implements the ebusd command-line interface: a thin
// cobra tree around the long-running "serve" command that wires every
// collaborator in internal/ around the protocol core in ebus/.
package commands

import (
	"github.com/spf13/cobra"
)

// Version, Commit and Date are set from main via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ebusd",
	Short: "Network-attached bridge and bus participant for the eBUS field bus",
	Long: `ebusd bridges a 2400-baud half-duplex eBUS serial line to TCP clients on
the local network, and optionally drives an autonomous bus participant that
schedules reads, decodes values and publishes them to a message broker.`,
}

// Execute runs the command tree, returning the first error encountered.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default: /etc/ebusd/ebusd.yaml or ./ebusd.yaml)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}
