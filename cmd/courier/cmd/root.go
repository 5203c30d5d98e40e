// Package cmd implements the courier command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"courier/cmd/internal/app"
)

// Version is set at build time.
var Version = "dev"

type rootOptions struct {
	logLevel  string
	logFormat string
}

// Execute runs the root command with os.Args and reports errors on stderr.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		return err
	}
	return nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "courier",
		Short: "Zero-knowledge print file broker",
		Long: `courier stores client-side encrypted print files for owners.

Users upload ciphertext encrypted to an owner's public key; owners list,
fetch and destroy their files. The server never sees plaintext.

Configuration is read from COURIER_* environment variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides COURIER_LOG_LEVEL")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (json, pretty); overrides COURIER_LOG_FORMAT")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newReconcileCmd(opts),
		newFallbackCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads the environment and applies flag overrides.
func (o *rootOptions) load() (app.Config, *slog.Logger) {
	cfg := app.LoadConfig()
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	return cfg, app.NewLogger(cfg.LogLevel, cfg.LogFormat)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
