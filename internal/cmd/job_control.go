package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/internal/observability"
	"github.com/3leaps/gotap/pkg/uws"
)

var jobPhaseCmd = &cobra.Command{
	Use:   "phase <job> <RUN|ABORT>",
	Short: "Start or abort a job",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobPhase,
}

var jobDestructionCmd = &cobra.Command{
	Use:   "destruction <job> <time>",
	Short: "Set when the service destroys a job",
	Long: `Set a job's destruction time. The time is RFC 3339
(2026-01-02T15:04:05Z) or a duration from now (48h).`,
	Args: cobra.ExactArgs(2),
	RunE: runJobDestruction,
}

var jobDurationCmd = &cobra.Command{
	Use:   "duration <job> <limit>",
	Short: "Set a job's execution time limit",
	Long: `Set a job's execution duration limit, in seconds (600) or as a
duration (10m). Zero means unlimited.`,
	Args: cobra.ExactArgs(2),
	RunE: runJobDuration,
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete <job>",
	Short: "Delete a job on the service",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobDelete,
}

var jobDeleteForget bool

func init() {
	jobCmd.AddCommand(jobPhaseCmd)
	jobCmd.AddCommand(jobDestructionCmd)
	jobCmd.AddCommand(jobDurationCmd)
	jobCmd.AddCommand(jobDeleteCmd)

	jobDeleteCmd.Flags().BoolVar(&jobDeleteForget, "forget", false, "Also remove the local job record")
}

func runJobPhase(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	phase := strings.ToUpper(strings.TrimSpace(args[1]))
	if phase != uws.PhaseRun && phase != uws.PhaseAbort {
		return exitError(foundry.ExitInvalidArgument, "Invalid phase", fmt.Errorf("want RUN or ABORT, got %q", args[1]))
	}

	s, err := openJob(args[0])
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.job.PostPhase(ctx, phase); err != nil {
		return serviceError(ctx, "Failed to post phase", err)
	}
	observability.CLILogger.Info("Posted phase", zap.String("job_url", s.job.URL()), zap.String("phase", phase))
	return nil
}

// parseDestruction accepts an RFC 3339 time or a duration from now.
func parseDestruction(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 time or duration, got %q", s)
	}
	return now.Add(d), nil
}

// parseDurationSeconds accepts whole seconds or a Go duration.
func parseDurationSeconds(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("duration must be >= 0")
		}
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("want seconds or duration, got %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0")
	}
	return int64(d / time.Second), nil
}

func runJobDestruction(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	at, err := parseDestruction(args[1], time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid destruction time", err)
	}

	s, err := openJob(args[0])
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.job.PostDestruction(ctx, at); err != nil {
		return serviceError(ctx, "Failed to set destruction time", err)
	}
	observability.CLILogger.Info("Set destruction time",
		zap.String("job_url", s.job.URL()),
		zap.String("destruction", uws.FormatTime(at)))
	return nil
}

func runJobDuration(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	secs, err := parseDurationSeconds(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid execution duration", err)
	}

	s, err := openJob(args[0])
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.job.PostExecutionDuration(ctx, secs); err != nil {
		return serviceError(ctx, "Failed to set execution duration", err)
	}
	observability.CLILogger.Info("Set execution duration",
		zap.String("job_url", s.job.URL()),
		zap.Int64("seconds", secs))
	return nil
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openJob(args[0])
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.job.Delete(ctx); err != nil {
		s.tracker.SetError(err)
		return serviceError(ctx, "Failed to delete job", err)
	}
	s.tracker.SetDeleted()

	if jobDeleteForget {
		id := s.tracker.Record().ID
		s.close()
		if err := s.store.Remove(id); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to remove job record", err)
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted: %s\n", s.job.URL())
	return nil
}
