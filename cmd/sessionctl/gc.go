package main

import (
	"context"
	"time"

	"github.com/Morditux/sqlsession"
	"github.com/spf13/cobra"
)

func gcCmd(opts *options) *cobra.Command {
	var (
		maxLifetime string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete sessions idle for longer than the maximum lifetime",
		Long: `Delete every session whose last write or touch is older than
--max-lifetime, measured on the database clock. Suitable for cron when
request-driven collection is disabled (session.gc_probability=0).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxLifetime == "" {
				maxLifetime = opts.env.GCMaxLifetime
			}
			lifetime, err := sqlsession.ParseLifetime(maxLifetime)
			if err != nil {
				return err
			}
			if lifetime <= 0 {
				lifetime = 1440 * time.Second
			}

			store, err := opts.env.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := store.SweepExpired(ctx, lifetime); err != nil {
				return err
			}
			opts.logger.Info("expired sessions removed", "table", store.Table(), "max_lifetime", lifetime)
			return nil
		},
	}

	cmd.Flags().StringVar(&maxLifetime, "max-lifetime", "", `idle time after which a session is removed, e.g. "1440", "24m" or "+2 hours" (env SQLSESSION_GC_MAXLIFETIME, default 1440s)`)
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "maximum time for the sweep")

	return cmd
}
