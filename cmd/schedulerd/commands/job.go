package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cronicorn/scheduler/internal/clock"
	"github.com/cronicorn/scheduler/internal/jobsmgr"
)

// newJobCmd groups operator-facing Job lifecycle subcommands over
// JobsManager (spec.md §3, §4.9).
func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create and manage jobs",
	}
	cmd.AddCommand(newJobCreateCmd(), newJobArchiveCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new job for a user",
		RunE:  runJobCreate,
	}
	cmd.Flags().String("user", "", "owning user id (required)")
	cmd.Flags().String("name", "", "job name (required)")
	cmd.Flags().String("description", "", "job description")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runJobCreate(cmd *cobra.Command, _ []string) error {
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

	userID, _ := cmd.Flags().GetString("user")
	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")

	mgr := jobsmgr.New(b.jobs, nil, clock.Real{})
	job, err := mgr.CreateJob(ctx, userID, name, description)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created job %s\n", job.ID)
	return nil
}

func newJobArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <job-id>",
		Short: "Archive a job (its endpoints stop being claimable)",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobArchive,
	}
	cmd.Flags().String("user", "", "owning user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runJobArchive(cmd *cobra.Command, args []string) error {
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

	userID, _ := cmd.Flags().GetString("user")
	mgr := jobsmgr.New(b.jobs, nil, clock.Real{})
	if err := mgr.ArchiveJob(ctx, args[0], userID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archived job %s\n", args[0])
	return nil
}
