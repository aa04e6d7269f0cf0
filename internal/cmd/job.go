package cmd

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/internal/config"
	"github.com/3leaps/gotap/internal/observability"
	"github.com/3leaps/gotap/pkg/auth"
	"github.com/3leaps/gotap/pkg/jobregistry"
	"github.com/3leaps/gotap/pkg/uws"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and manage asynchronous TAP jobs",
	Long: `Submit and manage asynchronous (UWS) jobs.

Every job submitted or inspected is recorded locally so later commands can
refer to it by record id, id prefix, remote job id or job URL.

Example:
  gotap job submit -p QUERY="SELECT TOP 10 * FROM tap_schema.tables" --run
  gotap job wait 3f2a
  gotap job result 3f2a -o result.vot
  gotap job delete 3f2a`,
}

func init() {
	rootCmd.AddCommand(jobCmd)
}

// jobSession is a job handle whose phase changes are recorded locally.
type jobSession struct {
	cfg     *config.Config
	conn    *auth.Connector
	job     *uws.Job
	tracker *jobregistry.Tracker
	store   *jobregistry.Store
}

func (s *jobSession) close() {
	s.tracker.Stop()
}

// openJob resolves ref against the local records. An unknown http(s) URL
// is adopted as a new record.
func openJob(ref string) (*jobSession, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	store, err := newJobStore(cfg)
	if err != nil {
		return nil, err
	}
	conn := newConnector(cfg)
	client := newUWSClient(cfg, conn)

	ref = strings.TrimRight(strings.TrimSpace(ref), "/")
	var job *uws.Job
	rec, err := store.Resolve(ref)
	switch {
	case err == nil:
		job = client.Job(rec.JobURL)
	case errors.Is(err, jobregistry.ErrNotFound) && isHTTPURL(ref):
		job = client.Job(ref)
		rec = jobregistry.NewRecord(job, parentURL(ref), "", nil, nil)
		observability.CLILogger.Debug("Adopting job", zap.String("job_url", ref), zap.String("id", rec.ID))
	default:
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}

	tr, err := jobregistry.Track(store, rec, job, observability.CLILogger)
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to write job record", err)
	}
	return &jobSession{cfg: cfg, conn: conn, job: job, tracker: tr, store: store}, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// parentURL returns the job list URL a job URL belongs to.
func parentURL(jobURL string) string {
	i := strings.Index(jobURL, "://")
	if i < 0 {
		return path.Dir(jobURL)
	}
	return jobURL[:i+3] + path.Dir(jobURL[i+3:])
}

// serviceError maps a failed service interaction to an exit error.
func serviceError(ctx context.Context, message string, err error) error {
	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, message+" (cancelled)", err)
	}
	var ipe *uws.IllegalPhaseError
	if errors.As(err, &ipe) {
		return exitError(foundry.ExitInvalidArgument, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

// waitForResult waits for the job to finish and records the outcome.
func waitForResult(ctx context.Context, s *jobSession, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	observability.CLILogger.Info("Waiting for job",
		zap.String("job_url", s.job.URL()),
		zap.Duration("poll_interval", s.cfg.Poll.Interval))

	resultURL, err := s.job.WaitForResultURL(ctx, s.cfg.Poll.Interval)
	if err != nil {
		s.tracker.SetError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", exitError(foundry.ExitExternalServiceUnavailable, "Timed out waiting for job", err)
		}
		return "", serviceError(ctx, "Job did not complete", err)
	}
	s.tracker.SetResult(resultURL)
	return resultURL, nil
}
