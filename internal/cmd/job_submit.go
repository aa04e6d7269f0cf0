package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gotap/internal/observability"
	"github.com/3leaps/gotap/pkg/form"
	"github.com/3leaps/gotap/pkg/jobregistry"
	"github.com/3leaps/gotap/pkg/uws"
)

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a job",
	Long: `Create an asynchronous job from parameters and optional table uploads.

Parameters come from a YAML params file (a flat mapping) and from --param
flags, which win. Any --upload switches the request to multipart and sets
UPLOAD unless it is given explicitly.

The job is created PENDING. Use --run to start it and --wait to block until
it finishes and print the result URL.

Example:
  gotap job submit -p LANG=ADQL -p QUERY="SELECT * FROM t" --run
  gotap job submit --params-file query.yaml --upload mine=targets.vot --wait`,
	Args: cobra.NoArgs,
	RunE: runJobSubmit,
}

var (
	jobSubmitEndpoint     string
	jobSubmitParams       []string
	jobSubmitParamsFile   string
	jobSubmitUploads      []string
	jobSubmitName         string
	jobSubmitRun          bool
	jobSubmitWait         bool
	jobSubmitTimeout      time.Duration
	jobSubmitDeleteOnExit bool
)

func init() {
	jobCmd.AddCommand(jobSubmitCmd)

	jobSubmitCmd.Flags().StringVar(&jobSubmitEndpoint, "endpoint", "", "Job list URL (default <service url>/async)")
	jobSubmitCmd.Flags().StringArrayVarP(&jobSubmitParams, "param", "p", nil, "Job parameter NAME=VALUE (repeatable)")
	jobSubmitCmd.Flags().StringVarP(&jobSubmitParamsFile, "params-file", "f", "", "YAML file of job parameters")
	jobSubmitCmd.Flags().StringArrayVar(&jobSubmitUploads, "upload", nil, "Table upload NAME=PATH (repeatable)")
	jobSubmitCmd.Flags().StringVar(&jobSubmitName, "name", "", "Local name for the job record")
	jobSubmitCmd.Flags().BoolVar(&jobSubmitRun, "run", false, "Start the job after creating it")
	jobSubmitCmd.Flags().BoolVar(&jobSubmitWait, "wait", false, "Start the job and wait for it to finish")
	jobSubmitCmd.Flags().DurationVar(&jobSubmitTimeout, "timeout", 0, "Give up waiting after this long (0 = no limit)")
	jobSubmitCmd.Flags().BoolVar(&jobSubmitDeleteOnExit, "delete-on-exit", false, "Delete the job when gotap exits")
}

func runJobSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	endpoint := strings.TrimSpace(jobSubmitEndpoint)
	if endpoint == "" {
		base, err := serviceURL(cfg)
		if err != nil {
			return err
		}
		endpoint = base + "/async"
	}

	params, err := collectParams(jobSubmitParamsFile, jobSubmitParams)
	if err != nil {
		return err
	}
	streams, names, err := parseUploads(jobSubmitUploads)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		if _, ok := params["UPLOAD"]; !ok {
			params["UPLOAD"] = uploadParam(names)
		}
	}

	store, err := newJobStore(cfg)
	if err != nil {
		return err
	}
	conn := newConnector(cfg)
	client := newUWSClient(cfg, conn)

	job, err := client.CreateJob(ctx, endpoint, params, streams)
	if err != nil {
		if uws.IsRejected(err) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Job rejected by service", err)
		}
		return serviceError(ctx, "Failed to create job", err)
	}

	rec := jobregistry.NewRecord(job, endpoint, jobSubmitName, params, names)
	tr, err := jobregistry.Track(store, rec, job, observability.CLILogger)
	if err != nil {
		job.AttemptDelete(ctx)
		return exitError(foundry.ExitFileWriteError, "Failed to write job record", err)
	}
	s := &jobSession{cfg: cfg, conn: conn, job: job, tracker: tr, store: store}
	defer s.close()

	if jobSubmitDeleteOnExit || cfg.Jobs.DeleteOnExit {
		job.SetDeleteOnExit(true)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "id: %s\njob_url: %s\n", rec.ID, job.URL())

	if !jobSubmitRun && !jobSubmitWait {
		return nil
	}
	if err := job.Start(ctx); err != nil {
		return serviceError(ctx, "Failed to start job", err)
	}
	observability.CLILogger.Info("Started job", zap.String("job_url", job.URL()), zap.String("id", rec.ID))
	if !jobSubmitWait {
		return nil
	}

	resultURL, err := waitForResult(ctx, s, jobSubmitTimeout)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "phase: %s\nresult_url: %s\n", job.LastPhase(), resultURL)
	return nil
}

// collectParams merges the params file with NAME=VALUE flags. Flags win.
func collectParams(file string, flags []string) (map[string]string, error) {
	params := map[string]string{}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, exitError(foundry.ExitFileNotFound, "Params file not found", err)
			}
			return nil, exitError(foundry.ExitFileReadError, "Failed to read params file", err)
		}
		fromFile, err := parseParamsYAML(b)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid params file", err)
		}
		for k, v := range fromFile {
			params[k] = v
		}
	}
	for _, kv := range flags {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid --param value", fmt.Errorf("want NAME=VALUE, got %q", kv))
		}
		params[name] = value
	}
	return params, nil
}

// parseParamsYAML reads a flat mapping of parameter names to scalars.
func parseParamsYAML(b []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case map[string]any, []any:
			return nil, fmt.Errorf("parameter %q: value must be a scalar", k)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// parseUploads turns NAME=PATH pairs into stream parameters.
func parseUploads(specs []string) (map[string]form.StreamParam, []string, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	streams := make(map[string]form.StreamParam, len(specs))
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		name, p, ok := strings.Cut(spec, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || p == "" {
			return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid --upload value", fmt.Errorf("want NAME=PATH, got %q", spec))
		}
		if _, dup := streams[name]; dup {
			return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid --upload value", fmt.Errorf("duplicate upload name %q", name))
		}
		if _, err := os.Stat(p); err != nil {
			return nil, nil, exitError(foundry.ExitFileNotFound, "Upload file not found", err)
		}
		streams[name] = form.FileParam{Path: p, ContentType: uploadContentType(p)}
		names = append(names, name)
	}
	sort.Strings(names)
	return streams, names, nil
}

func uploadContentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".vot", ".xml":
		return "application/x-votable+xml"
	case ".csv":
		return "text/csv"
	default:
		return ""
	}
}

// uploadParam builds the TAP UPLOAD value referencing inline parts.
func uploadParam(names []string) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+",param:"+n)
	}
	return strings.Join(parts, ";")
}
