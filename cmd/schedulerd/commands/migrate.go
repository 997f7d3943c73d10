package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates the `schedulerd migrate` command. Opening a
// backend already applies its schema and stamps schema_version (spec.md
// §6), so this command is mostly a named, explicit entry point operators
// can run before `serve` in a deploy pipeline, mirroring Hub.Migrate's
// role as a standalone step rather than an implicit side effect.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema for the configured backend",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cmd, cfg)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	logger.Info("schema applied", "backend", cfg.Backend)
	fmt.Fprintf(cmd.OutOrStdout(), "schema applied for backend %q\n", cfg.Backend)
	return nil
}
