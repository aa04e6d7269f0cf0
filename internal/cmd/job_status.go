package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gotap/pkg/uws"
)

var jobStatusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Read and show a job's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobWaitCmd = &cobra.Command{
	Use:   "wait <job>",
	Short: "Wait for a job to finish",
	Long: `Wait for a job to reach a terminal phase.

On UWS 1.1 services the wait blocks on the service; otherwise the status is
polled at poll.interval. A completed job prints its result URL. An aborted
or failed job exits non-zero with the service's error message.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobWait,
}

var jobWaitTimeout time.Duration

func init() {
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobWaitCmd)

	jobWaitCmd.Flags().DurationVar(&jobWaitTimeout, "timeout", 0, "Give up after this long (0 = no limit)")
}

type statusView struct {
	JobID             string            `yaml:"job_id"`
	Phase             string            `yaml:"phase"`
	Stage             string            `yaml:"stage"`
	RunID             string            `yaml:"run_id,omitempty"`
	Owner             string            `yaml:"owner,omitempty"`
	Version           string            `yaml:"uws_version,omitempty"`
	Quote             string            `yaml:"quote,omitempty"`
	Started           string            `yaml:"started,omitempty"`
	Ended             string            `yaml:"ended,omitempty"`
	Destruction       string            `yaml:"destruction,omitempty"`
	ExecutionDuration int64             `yaml:"execution_duration"`
	Parameters        map[string]string `yaml:"parameters,omitempty"`
	Results           []resultView      `yaml:"results,omitempty"`
	Error             string            `yaml:"error,omitempty"`
}

type resultView struct {
	ID       string `yaml:"id"`
	Href     string `yaml:"href"`
	MimeType string `yaml:"mime_type,omitempty"`
	Size     int64  `yaml:"size,omitempty"`
}

func newStatusView(info *uws.JobInfo) statusView {
	v := statusView{
		JobID:             info.JobID,
		Phase:             info.Phase,
		Stage:             uws.StageForPhase(info.Phase).String(),
		RunID:             info.RunID,
		Owner:             info.OwnerID,
		Version:           info.Version,
		Quote:             formatOptionalTime(info.QuoteTime),
		Started:           formatOptionalTime(info.StartTime),
		Ended:             formatOptionalTime(info.EndTime),
		Destruction:       formatOptionalTime(info.Destruction),
		ExecutionDuration: info.ExecutionDuration,
	}
	if len(info.Parameters) > 0 {
		v.Parameters = make(map[string]string, len(info.Parameters))
		for _, p := range info.Parameters {
			v.Parameters[p.ID] = p.Value
		}
	}
	for _, r := range info.Results {
		v.Results = append(v.Results, resultView{ID: r.ID, Href: r.Href, MimeType: r.MimeType, Size: r.Size})
	}
	if info.Error != nil {
		v.Error = info.Error.Message
	}
	return v
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return uws.FormatTime(t)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return enc.Close()
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openJob(args[0])
	if err != nil {
		return err
	}
	defer s.close()

	info, err := s.job.ReadStatus(ctx)
	if err != nil {
		return serviceError(ctx, "Failed to read job status", err)
	}
	return writeYAML(cmd.OutOrStdout(), newStatusView(info))
}

func runJobWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openJob(args[0])
	if err != nil {
		return err
	}
	defer s.close()

	resultURL, err := waitForResult(ctx, s, jobWaitTimeout)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "phase: %s\nresult_url: %s\n", s.job.LastPhase(), resultURL)
	return nil
}
