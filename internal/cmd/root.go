// Package cmd implements the gotap command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/internal/config"
	"github.com/3leaps/gotap/internal/observability"
	"github.com/3leaps/gotap/pkg/uws"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// exitHookTimeout bounds the deletes run at exit.
const exitHookTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "gotap",
	Short: "Client for IVO Table Access Protocol services",
	Long: `gotap talks to TAP services: it submits and manages asynchronous
(UWS) jobs and browses table metadata.

Configuration is read from gotap.yaml in the working directory or the user
config dir, GOTAP_* environment variables and a .env file.

Example:
  gotap job submit --url https://tap.example/tap --param QUERY="SELECT TOP 5 * FROM ivoa.obscore" --wait
  gotap meta tables --url https://tap.example/tap --match 'ivoa.*'
  gotap auth status --url https://tap.example/tap`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

var (
	rootURL        string
	rootToken      string
	rootConfigFile string
	rootLogLevel   string
	rootLogProfile string
	rootJobsDir    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootURL, "url", "u", "", "TAP service base URL (overrides service.url)")
	rootCmd.PersistentFlags().StringVar(&rootToken, "token", "", "Bearer token (overrides auth.token)")
	rootCmd.PersistentFlags().StringVar(&rootConfigFile, "config", "", "Config file (default gotap.yaml in . or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&rootLogProfile, "log-profile", "", "Log profile: structured or console")
	rootCmd.PersistentFlags().StringVar(&rootJobsDir, "jobs-dir", "", "Directory for local job records")
}

// flagOverrides returns config overrides for the persistent flags that
// were set on the command line.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	put := func(flag, section, key, value string) {
		if !cmd.Flags().Changed(flag) {
			return
		}
		m, ok := overrides[section].(map[string]any)
		if !ok {
			m = map[string]any{}
			overrides[section] = m
		}
		m[key] = value
	}
	put("url", "service", "url", rootURL)
	put("token", "auth", "token", rootToken)
	put("log-level", "logging", "level", rootLogLevel)
	put("log-profile", "logging", "profile", rootLogProfile)
	put("jobs-dir", "jobs", "dir", rootJobsDir)
	return overrides
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	if rootConfigFile != "" {
		if _, err := os.Stat(rootConfigFile); err != nil {
			return exitError(foundry.ExitFileNotFound, "Config file not found", err)
		}
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", rootConfigFile); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --config value", err)
		}
	}

	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Loaded configuration",
		zap.String("config_file", cfg.ConfigFile),
		zap.String("service_url", cfg.Service.URL))
	return nil
}

// Execute runs the command line with args and returns the process exit
// code. Interrupts cancel the running command; delete-on-exit hooks run
// before returning.
func Execute(ctx context.Context, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)

	hookCtx, cancel := context.WithTimeout(context.Background(), exitHookTimeout)
	uws.RunExitHooks(hookCtx)
	cancel()
	observability.Sync()

	if err != nil {
		_, _ = fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return exitCode(err)
	}
	return 0
}

// exitCodeError carries the process exit code for a failed command.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New("failed")
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// exitCode returns the code carried by err, or 1.
func exitCode(err error) int {
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
