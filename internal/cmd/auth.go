package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/gotap/pkg/auth"
	"github.com/3leaps/gotap/pkg/tapkit"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Inspect authentication",
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who the service thinks you are",
	Long: `Check the configured credentials against the service and show the
identity it reports. Credentials come from auth.token (bearer) or
auth.username and auth.password (basic); with neither the check is
anonymous.`,
	Args: cobra.NoArgs,
	RunE: runAuthStatus,
}

var authStatusLogin bool

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authStatusCmd)

	authStatusCmd.Flags().BoolVar(&authStatusLogin, "login", false, "Re-apply configured credentials before checking")
}

func runAuthStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer m.close()

	st, err := acquireSync(ctx, func(h tapkit.ResultHandler[auth.Status]) {
		m.kit.AcquireAuthStatus(h, authStatusLogin)
	})
	out := cmd.OutOrStdout()
	if errors.Is(err, auth.ErrUnauthorized) {
		_, _ = fmt.Fprintf(out, "authenticated: false\nerror: %v\n", err)
		return nil
	}
	if err != nil {
		return serviceError(ctx, "Failed to check authentication", err)
	}

	_, _ = fmt.Fprintf(out, "authenticated: %t\n", st.Authenticated)
	_, _ = fmt.Fprintf(out, "method: %s\n", st.Method)
	if st.Identity != "" {
		_, _ = fmt.Fprintf(out, "identity: %s\n", st.Identity)
	}
	if !st.Expires.IsZero() {
		_, _ = fmt.Fprintf(out, "expires: %s\n", st.Expires.UTC().Format(time.RFC3339))
	}
	return nil
}
