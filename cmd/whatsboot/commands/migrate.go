package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/database"
)

// newMigrateCmd creates the `whatsboot migrate` command.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending schema migrations to the configured database.

Examples:
  whatsboot migrate
  whatsboot migrate --target 2`,
		RunE: runMigrate,
	}
	cmd.Flags().Int("target", 0, "migrate up to this version (0 = latest)")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	target, _ := cmd.Flags().GetInt("target")

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	hubCfg := cfg.Database
	hubCfg.AutoMigrate = false
	hub, err := database.NewHub(ctx, hubCfg, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer hub.Close()

	if err := hub.Migrate(ctx, target); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date.\n", hubCfg.Effective().Backend)
	return nil
}
