package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/tenancy"
)

var (
	migrateTarget string
	migrateAll    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to database targets",
	Long:  "Apply the embedded schema migrations to one named target (--target) or to every target in the tenant directory (--all).",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (migrateTarget == "") == !migrateAll {
			return errors.New("exactly one of --target or --all is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, sync, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer sync()

		directory, err := tenancy.LoadDirectory(cfg.TenancyConfigPath)
		if err != nil {
			return err
		}

		targets := directory.Targets()
		if !migrateAll {
			target, ok := directory.Target(migrateTarget)
			if !ok {
				return fmt.Errorf("unknown database target %q", migrateTarget)
			}
			targets = []tenancy.Target{target}
		}

		dialer := tenancy.NewSQLDialer(logger, poolConfig(cfg), newMigrator(cfg, logger))
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		var errs []error
		for _, target := range targets {
			conn, err := dialer.Dial(ctx, target)
			if err != nil {
				logger.WithError(err).WithField("target", target.Name).Error("Migration failed")
				errs = append(errs, fmt.Errorf("%s: %w", target.Name, err))
				continue
			}
			_ = conn.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", target.Name)
		}
		return errors.Join(errs...)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTarget, "target", "", "Name of the database target to migrate")
	migrateCmd.Flags().BoolVar(&migrateAll, "all", false, "Migrate every database target")
}
