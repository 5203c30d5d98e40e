package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"courier/cmd/internal/app"
	"courier/cmd/internal/migrations"
	"courier/cmd/internal/pgstore"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(fn func(ctx context.Context, pool *pgxpool.Pool, schema string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, _ := opts.load()
			if cfg.DatabaseURL == "" {
				return errors.New("COURIER_DATABASE_URL is required")
			}
			if !pgstore.ValidIdent(cfg.DBSchema) {
				return fmt.Errorf("COURIER_DB_SCHEMA %q is not a valid identifier", cfg.DBSchema)
			}
			pool, err := app.NewDBPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return fn(cmd.Context(), pool, cfg.DBSchema)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  run(migrations.Up),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE:  run(migrations.Down),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(func(ctx context.Context, pool *pgxpool.Pool, schema string) error {
					v, err := migrations.Version(ctx, pool, schema)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", schema, v)
					return nil
				})(cmd, args)
			},
		},
	)
	return cmd
}
