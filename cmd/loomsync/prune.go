package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomsync/loomsync/pkg/store"
)

func pruneCmd() *cobra.Command {
	opts := &serveOptions{}
	var workspaceID string
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete a workspace's stored updates older than a cutoff",
		Long: `Delete update records older than --days from the durable log.

Run against the same backend the relay uses. Archival to S3 is not
applied here; use the relay's admin API when archival matters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceID == "" {
				return fmt.Errorf("--workspace is required")
			}
			if days < 0 {
				return fmt.Errorf("--days must be non-negative")
			}

			ctx := context.Background()
			log, err := openLog(ctx, opts)
			if err != nil {
				return err
			}
			defer log.Close()

			updates := store.New(log, store.WithLogger(newLogger(opts.logLevel)))
			defer updates.Close()

			removed, err := updates.Prune(ctx, workspaceID, time.Duration(days)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}

			fmt.Printf("removed %d records from workspace %s\n", removed, workspaceID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.backend, "backend", "memory", "update log backend (memory|sqlite|postgres|redis)")
	flags.StringVar(&opts.dsn, "dsn", "", "backend connection string")
	flags.StringVar(&opts.table, "table", "", "SQL table name override")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	flags.StringVar(&workspaceID, "workspace", "", "workspace to prune")
	flags.IntVar(&days, "days", 30, "retention window in days")

	return cmd
}
