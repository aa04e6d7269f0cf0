package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/gotap/internal/config"
	"github.com/3leaps/gotap/internal/observability"
	"github.com/3leaps/gotap/pkg/auth"
	"github.com/3leaps/gotap/pkg/eventloop"
	"github.com/3leaps/gotap/pkg/form"
	"github.com/3leaps/gotap/pkg/jobregistry"
	"github.com/3leaps/gotap/pkg/tapkit"
	"github.com/3leaps/gotap/pkg/uws"
)

// currentConfig returns the configuration loaded for this invocation.
func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Configuration not loaded", fmt.Errorf("no configuration"))
	}
	return cfg, nil
}

// serviceURL returns the configured service URL after checking it is an
// absolute http(s) URL.
func serviceURL(cfg *config.Config) (string, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.Service.URL), "/")
	if raw == "" {
		return "", exitError(foundry.ExitInvalidArgument, "No service URL", fmt.Errorf("set --url, service.url or GOTAP_URL"))
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid service URL", fmt.Errorf("%q is not an absolute http(s) URL", raw))
	}
	return raw, nil
}

func newConnector(cfg *config.Config) *auth.Connector {
	p := auth.FromCredentials(cfg.Auth.Token, cfg.Auth.Username, cfg.Auth.Password)
	return auth.NewConnector(p, cfg.HTTP.Timeout, observability.CLILogger)
}

func newUWSClient(cfg *config.Config, conn *auth.Connector) *uws.Client {
	limit := cfg.Upload.MemoryLimit
	return uws.NewClient(conn, uws.Config{
		Version:   cfg.Service.UWSVersion,
		BlockWait: cfg.Poll.BlockWait,
		Upload: form.Strategy{
			ChunkSize: cfg.Upload.ChunkSize,
			NewStore:  func() form.ByteStore { return form.NewSpoolStore(limit) },
		},
	}, observability.CLILogger)
}

func newJobStore(cfg *config.Config) (*jobregistry.Store, error) {
	dir, err := cfg.JobsDir()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Cannot locate job records", err)
	}
	return jobregistry.NewStore(dir), nil
}

func newService(cfg *config.Config, base string, conn *auth.Connector) *tapkit.HTTPService {
	return &tapkit.HTTPService{
		URL:         base,
		ResourceURL: cfg.Service.ResourceURL,
		Connector:   conn,
		Login: func(context.Context) (auth.Provider, error) {
			return auth.FromCredentials(cfg.Auth.Token, cfg.Auth.Username, cfg.Auth.Password), nil
		},
		Logger: observability.CLILogger,
	}
}

func newKit(cfg *config.Config, svc tapkit.Service, loop eventloop.Poster) *tapkit.Kit {
	return tapkit.New(svc, loop, tapkit.Config{
		QueueLimit:         cfg.Meta.QueueLimit,
		RateLimit:          cfg.Meta.RateLimit,
		AcquireConcurrency: cfg.Meta.AcquireConcurrency,
	}, observability.CLILogger)
}
