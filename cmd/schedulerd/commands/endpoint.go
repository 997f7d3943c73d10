package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronicorn/scheduler/internal/clock"
	"github.com/cronicorn/scheduler/internal/jobsmgr"
	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
)

// newEndpointCmd groups operator-facing JobEndpoint maintenance
// subcommands over JobsManager (spec.md §4.9), mirroring the
// `devclaw schedule` command group structure (list/pause/resume as
// thin wrappers over one manager).
func newEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Inspect and manage job endpoints",
	}
	cmd.AddCommand(
		newEndpointListCmd(),
		newEndpointPauseCmd(),
		newEndpointResumeCmd(),
		newEndpointArchiveCmd(),
	)
	return cmd
}

func newEndpointListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints under a job",
		RunE:  runEndpointList,
	}
	cmd.Flags().String("job", "", "job id (required)")
	cmd.Flags().String("user", "", "owning user id (required)")
	cmd.Flags().Bool("archived", false, "include archived endpoints")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runEndpointList(cmd *cobra.Command, _ []string) error {
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

	jobID, _ := cmd.Flags().GetString("job")
	userID, _ := cmd.Flags().GetString("user")
	archived, _ := cmd.Flags().GetBool("archived")

	if _, err := b.jobs.GetJob(ctx, jobID, userID); err != nil {
		return err
	}
	endpoints, err := b.jobs.ListEndpointsByJob(ctx, jobID, repo.ListOptions{IncludeArchived: archived})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, ep := range endpoints {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\tnext=%s\tfailures=%d\n",
			ep.ID, ep.Name, ep.Method, ep.URL, ep.NextRunAt.Format(time.RFC3339), ep.FailureCount)
	}
	return nil
}

func newEndpointPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <endpoint-id>",
		Short: "Pause an endpoint, optionally until a given RFC3339 time",
		Args:  cobra.ExactArgs(1),
		RunE:  runEndpointPause,
	}
	cmd.Flags().String("until", "", "RFC3339 timestamp to resume at (omit to pause indefinitely)")
	return cmd
}

func runEndpointPause(cmd *cobra.Command, args []string) error {
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

	mgr := jobsmgr.New(b.jobs, nil, clock.Real{})

	var until *time.Time
	if raw, _ := cmd.Flags().GetString("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
		until = &t
	} else {
		forever := model.FarFuture
		until = &forever
	}
	if err := mgr.PauseEndpoint(ctx, args[0], until); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "paused %s\n", args[0])
	return nil
}

func newEndpointResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <endpoint-id>",
		Short: "Resume a paused endpoint immediately",
		Args:  cobra.ExactArgs(1),
		RunE:  runEndpointResume,
	}
}

func runEndpointResume(cmd *cobra.Command, args []string) error {
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

	mgr := jobsmgr.New(b.jobs, nil, clock.Real{})
	if err := mgr.PauseEndpoint(ctx, args[0], nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
	return nil
}

func newEndpointArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <endpoint-id>",
		Short: "Archive an endpoint, removing it from claim eligibility",
		Args:  cobra.ExactArgs(1),
		RunE:  runEndpointArchive,
	}
}

func runEndpointArchive(cmd *cobra.Command, args []string) error {
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

	if err := b.jobs.ArchiveEndpoint(ctx, args[0], clock.Real{}.Now()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", args[0])
	return nil
}
