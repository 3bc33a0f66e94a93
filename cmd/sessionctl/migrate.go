package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func migrateCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the session table and its index",
		Long: `Create the session table and the index on its timestamp column if
they do not exist. Safe to run concurrently from several hosts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.env.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			opts.logger.Info("session schema ready", "driver", opts.env.Driver, "table", store.Table())
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum time to wait for the database")

	return cmd
}
