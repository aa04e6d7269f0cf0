package tapkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gotap/pkg/auth"
	"github.com/3leaps/gotap/pkg/tapmeta"
)

// ErrNoResource indicates no registry record location is configured.
var ErrNoResource = errors.New("no registry record configured for service")

// Service supplies the remote reads a Kit schedules.
type Service interface {
	// MetaReader returns the reader used for all metadata fetches. It is
	// called once and the result shared until auth status is re-acquired.
	MetaReader(ctx context.Context) (tapmeta.Reader, error)

	Capability(ctx context.Context) (*tapmeta.Capability, error)
	Resource(ctx context.Context) (*tapmeta.Resource, error)

	// AuthStatus reports the caller's identity at the service. forceLogin
	// asks for fresh credentials first.
	AuthStatus(ctx context.Context, forceLogin bool) (auth.Status, error)
}

// HTTPService is a Service backed by a TAP service's VOSI endpoints.
type HTTPService struct {
	// URL is the TAP service base URL.
	URL string

	// ResourceURL locates the service's registry record. Optional.
	ResourceURL string

	Connector *auth.Connector

	// Login supplies new credentials when a login is forced. Optional.
	Login func(ctx context.Context) (auth.Provider, error)

	Logger *zap.Logger
}

func (s *HTTPService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *HTTPService) MetaReader(context.Context) (tapmeta.Reader, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("service URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("service URL %q: not an http(s) URL", s.URL)
	}
	return tapmeta.NewTablesetReader(s.Connector, s.URL, s.logger()), nil
}

func (s *HTTPService) Capability(ctx context.Context) (*tapmeta.Capability, error) {
	return tapmeta.ReadCapability(ctx, s.Connector, s.URL)
}

func (s *HTTPService) Resource(ctx context.Context) (*tapmeta.Resource, error) {
	if s.ResourceURL == "" {
		return nil, ErrNoResource
	}
	return tapmeta.ReadResource(ctx, s.Connector, s.ResourceURL)
}

// AuthStatus checks against the capabilities endpoint with a HEAD request.
func (s *HTTPService) AuthStatus(ctx context.Context, forceLogin bool) (auth.Status, error) {
	if forceLogin && s.Login != nil {
		p, err := s.Login(ctx)
		if err != nil {
			return auth.Status{}, fmt.Errorf("login: %w", err)
		}
		s.Connector.SetProvider(p)
	}
	target := strings.TrimRight(s.URL, "/") + "/capabilities"
	return s.Connector.Check(ctx, target, true)
}
