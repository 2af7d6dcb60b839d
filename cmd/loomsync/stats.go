package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	opts := &serveOptions{}
	var workspaceID string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a workspace's stored update footprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceID == "" {
				return fmt.Errorf("--workspace is required")
			}

			ctx := context.Background()
			log, err := openLog(ctx, opts)
			if err != nil {
				return err
			}
			defer log.Close()

			count, bytes, err := log.CountRecords(ctx, workspaceID)
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}

			fmt.Printf("workspace %s\n", workspaceID)
			fmt.Printf("  records: %d\n", count)
			fmt.Printf("  bytes:   %d\n", bytes)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.backend, "backend", "memory", "update log backend (memory|sqlite|postgres|redis)")
	flags.StringVar(&opts.dsn, "dsn", "", "backend connection string")
	flags.StringVar(&opts.table, "table", "", "SQL table name override")
	flags.StringVar(&workspaceID, "workspace", "", "workspace to inspect")

	return cmd
}
