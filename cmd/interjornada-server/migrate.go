package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/interjornada/server/internal/db"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts, seed, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&seed, "seed-dev", false, "insert the development employees (dev env only)")

	return cmd
}

func runMigrate(ctx context.Context, opts *rootOptions, seed bool, out io.Writer) error {
	// Opening the database applies pending migrations.
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if seed {
		if a.cfg.Env != "dev" {
			return fmt.Errorf("--seed-dev refused in env %q", a.cfg.Env)
		}
		if err := seedDev(ctx, a); err != nil {
			return err
		}
	}

	v, err := db.Version(ctx, a.db)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d (%s)\n", v, a.cfg.DBPath)
	return nil
}

func seedDev(ctx context.Context, a *app) error {
	if err := db.SeedDev(ctx, a.db, db.SeedDevOptions{}); err != nil {
		return fmt.Errorf("seed dev: %w", err)
	}
	a.logger.Printf("dev seed applied")
	return nil
}
