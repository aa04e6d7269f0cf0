package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gotap/pkg/jobregistry"
)

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs",
	Long: `List local job records, newest first. Phases are as last observed;
run 'gotap job status' to refresh one.`,
	Args: cobra.NoArgs,
	RunE: runJobList,
}

var jobPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove records of old finished or deleted jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobPrune,
}

var (
	jobListYAML    bool
	jobPruneMaxAge time.Duration
	jobPruneDryRun bool
)

func init() {
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobPruneCmd)

	jobListCmd.Flags().BoolVar(&jobListYAML, "yaml", false, "Output full records as YAML")
	jobPruneCmd.Flags().DurationVar(&jobPruneMaxAge, "max-age", 168*time.Hour, "Remove records that ended longer ago than this")
	jobPruneCmd.Flags().BoolVar(&jobPruneDryRun, "dry-run", false, "Show how many records would be removed")
}

func runJobList(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	store, err := newJobStore(cfg)
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job records", err)
	}

	out := cmd.OutOrStdout()
	if jobListYAML {
		if err := jobregistry.ExportYAML(out, jobs); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		return nil
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tNAME\tPHASE\tCREATED\tJOB URL")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(j.ID),
			orDash(j.Name),
			orDash(listPhase(j)),
			j.CreatedAt.UTC().Format(time.RFC3339),
			j.JobURL)
	}
	return nil
}

func runJobPrune(cmd *cobra.Command, _ []string) error {
	if jobPruneMaxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age value", fmt.Errorf("max-age must be > 0"))
	}
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	store, err := newJobStore(cfg)
	if err != nil {
		return err
	}

	n, err := store.Prune(time.Now().Add(-jobPruneMaxAge), jobPruneDryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to prune job records", err)
	}
	verb := "Removed"
	if jobPruneDryRun {
		verb = "Would remove"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d job record(s)\n", verb, n)
	return nil
}

func listPhase(r jobregistry.JobRecord) string {
	if r.Deleted() {
		return "DELETED"
	}
	return r.Phase
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
