// Command migrate applies or rolls back the embedded schema migrations
// against DATABASE_URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nithinbarath/billing-system/internal/config"
	"github.com/nithinbarath/billing-system/internal/logger"
	pgstore "github.com/nithinbarath/billing-system/internal/store/postgres"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the billing database schema",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (defaults to DATABASE_URL)")

	run := func(fn func(m *pgstore.Migrator) error) error {
		m, err := openMigrator(databaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		return fn(m)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return run(func(m *pgstore.Migrator) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return run(func(m *pgstore.Migrator) error { return m.Down() })
			},
		},
		&cobra.Command{
			Use:   "steps N",
			Short: "Apply N migrations, or roll back when N is negative",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				n, err := parseSteps(args[0])
				if err != nil {
					return err
				}
				return run(func(m *pgstore.Migrator) error { return m.Steps(n) })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return run(func(m *pgstore.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(c.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Record VERSION as applied without running it",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil || version < 0 {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return run(func(m *pgstore.Migrator) error { return m.Force(version) })
			},
		},
	)
	return cmd
}

func parseSteps(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid step count %q", raw)
	}
	if n == 0 {
		return 0, errors.New("step count must not be zero")
	}
	return n, nil
}

func openMigrator(databaseURL string) (*pgstore.Migrator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if databaseURL == "" {
		databaseURL = cfg.DatabaseURL
	}
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: "console", Output: "stderr"})
	if err != nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return pgstore.NewMigrator(ctx, databaseURL, log)
}
