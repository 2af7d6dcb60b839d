package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loomsync",
		Short: "Workspace-scoped real-time sync relay",
		Long: `Loomsync relays opaque CRDT updates between the live clients of a
workspace and persists them for history replay.

  • WebSocket relay with per-workspace fanout
  • Durable update log on PostgreSQL, SQLite, or Redis
  • History replay for joining clients
  • Admin API for stats, pruning, and purging
  • Optional S3 archival of pruned history`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		pruneCmd(),
		statsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
