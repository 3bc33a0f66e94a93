package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/Morditux/sqlsession"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

// options are the settings shared by every subcommand: SQLSESSION_*
// variables, overridden by flags.
type options struct {
	env    *sqlsession.EnvConfig
	logger *slog.Logger

	driver    string
	dsn       string
	table     string
	logLevel  string
	logFormat string
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:     "sessionctl",
		Short:   "Manage SQL-backed HTTP sessions",
		Version: version,
		Long: `sessionctl operates the session tables used by sqlsession.

Connection settings come from SQLSESSION_* environment variables and
can be overridden with flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", "", "database driver: postgres, mysql or sqlite (env SQLSESSION_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "database DSN (env SQLSESSION_DSN)")
	rootCmd.PersistentFlags().StringVar(&opts.table, "table", "", "session table name (env SQLSESSION_TABLE)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (env SQLSESSION_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "text or json (env SQLSESSION_LOG_FORMAT)")

	rootCmd.AddCommand(
		migrateCmd(opts),
		gcCmd(opts),
		serveCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (o *options) load(cmd *cobra.Command) error {
	env, err := sqlsession.LoadEnvConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("driver") {
		env.Driver = o.driver
	}
	if flags.Changed("dsn") {
		env.DSN = o.dsn
	}
	if flags.Changed("table") {
		env.Table = o.table
	}
	if flags.Changed("log-level") {
		env.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		env.LogFormat = o.logFormat
	}

	logger, err := env.NewLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	o.env = env
	o.logger = logger
	return nil
}
