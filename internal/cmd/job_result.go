package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/internal/observability"
)

var jobResultCmd = &cobra.Command{
	Use:   "result <job>",
	Short: "Download a job's result",
	Long: `Download the primary result of a job, waiting for it to finish if
needed. The result is written to stdout unless --output is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobResult,
}

var jobResultOutput string

func init() {
	jobCmd.AddCommand(jobResultCmd)

	jobResultCmd.Flags().StringVarP(&jobResultOutput, "output", "o", "", "Write the result to this file")
}

func runJobResult(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openJob(args[0])
	if err != nil {
		return err
	}
	defer s.close()

	resultURL := s.tracker.Record().ResultURL
	if resultURL == "" {
		if resultURL, err = waitForResult(ctx, s, 0); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid result URL", err)
	}
	resp, err := s.conn.Do(req)
	if err != nil {
		return serviceError(ctx, "Failed to fetch result", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch result", fmt.Errorf("GET %s: %s", resultURL, resp.Status))
	}

	var w io.Writer = cmd.OutOrStdout()
	if jobResultOutput != "" {
		f, err := os.Create(jobResultOutput)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Result download cancelled", ctx.Err())
		}
		return exitError(foundry.ExitFileWriteError, "Failed to write result", err)
	}
	observability.CLILogger.Info("Downloaded result",
		zap.String("result_url", resultURL),
		zap.Int64("bytes", n),
		zap.String("content_type", resp.Header.Get("Content-Type")))
	return nil
}
