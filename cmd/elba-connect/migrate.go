package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/elba-security/elba-connect/internal/config"
	"github.com/elba-security/elba-connect/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:         "migrate",
	Short:       "Run database migrations",
	Args:        cobra.NoArgs,
	Annotations: structuredLogAnnotations(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOptionalElba()
		if err != nil {
			return err
		}
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		slog.Info("migrations applied successfully")
		return nil
	},
}
