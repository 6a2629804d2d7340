package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/database"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/store"
)

// newChannelsCmd creates the `whatsboot channels` command group.
func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect provisioned channels",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List channels bound to tenants and whether credentials exist",
		RunE:  runChannelsList,
	})
	return cmd
}

func runChannelsList(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	cfg = cfg.Effective()
	logger := newLogger(cmd, cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	hub, err := database.NewHub(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer hub.Close()

	records, err := store.New(hub, logger).ListChannels(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No channels provisioned.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tTENANT\tCREDENTIALS\tCREATED")
	for _, rec := range records {
		creds := "missing"
		if _, err := os.Stat(filepath.Join(cfg.Session.AuthDir, rec.Number)); err == nil {
			creds = "present"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", rec.Number, rec.TenantID, creds, rec.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
