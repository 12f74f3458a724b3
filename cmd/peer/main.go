// Command wildmesh-peer runs one mesh participant and inspects what it wrote.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wildmesh-peer",
	Short: "Peer-to-peer entity authority and replication node",
	Long: `wildmesh-peer joins a gossip mesh of peers, agrees with them on which peer
simulates each wildlife/NPC entity, and mirrors everything else.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(adminCmd)
}
