package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	for _, direction := range []string{"up", "down"} {
		short := "Apply all pending migrations"
		if direction == "down" {
			short = "Revert the most recent migration"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := loadConfig()
				if err != nil {
					return err
				}
				dbCfg := cfg.Database.Connection()
				if err := database.Migrate(dbCfg, direction); err != nil {
					return err
				}
				v, dirty, err := database.MigrationVersion(dbCfg)
				if err != nil {
					return err
				}
				log.Info().Str("direction", direction).Uint("version", v).Bool("dirty", dirty).Msg("Migration complete")
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			v, dirty, err := database.MigrationVersion(cfg.Database.Connection())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	})

	return cmd
}
