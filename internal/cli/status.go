package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/fmueller/voxqueue/internal/store"
	"github.com/fmueller/voxqueue/internal/worker"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

func newStatusCmd(app *appState) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status <file-id>",
		Short: "Show the latest job for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.status(cmd.Context(), args[0], all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Show every job for the file, newest first")
	return cmd
}

func (a *appState) status(ctx context.Context, fileID string, all bool) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if all {
		found, err := st.FindByFileID(ctx, fileID)
		if err != nil {
			return fmt.Errorf("find jobs: %w", err)
		}
		if len(found) == 0 {
			return fmt.Errorf("no jobs for file %s", fileID)
		}
		return a.printJSON(found)
	}

	job, err := st.FindLatestByFileID(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no jobs for file %s", fileID)
	}
	if err != nil {
		return fmt.Errorf("find job: %w", err)
	}
	return a.printJSON(job)
}

func newRetryCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.retry(cmd.Context(), args[0])
		},
	}
}

func (a *appState) retry(ctx context.Context, jobID string) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.Requeue(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("job not found: %s", jobID)
	case errors.Is(err, domain.ErrInvalidTransition):
		current, getErr := st.Get(ctx, jobID)
		if getErr != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		return fmt.Errorf("job %s is %s; only failed jobs can be retried", jobID, current.Status)
	case err != nil:
		return fmt.Errorf("requeue job: %w", err)
	}

	a.log().Info("job requeued", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return a.printJSON(job)
}

func newRecoverCmd(app *appState) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail jobs left processing by a worker that stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("older-than") {
				olderThan = app.cfg.Worker.JobTimeout
			}
			return app.recover(cmd.Context(), olderThan)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", worker.DefaultJobTimeout, "Only fail jobs started at least this long ago")
	return cmd
}

func (a *appState) recover(ctx context.Context, olderThan time.Duration) error {
	if olderThan < 0 {
		return fmt.Errorf("older-than must not be negative, got %s", olderThan)
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recovered, err := worker.RecoverStale(ctx, st, time.Now().Add(-olderThan), a.log().Named("worker"))
	if err != nil {
		return err
	}
	return a.printJSON(map[string]int{"recovered": recovered})
}
