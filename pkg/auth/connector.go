package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuthenticatedHeader is set by VO services to the caller's identity.
const AuthenticatedHeader = "X-VO-Authenticated"

// ErrUnauthorized indicates the service refused the supplied credentials.
var ErrUnauthorized = errors.New("unauthorized")

// DefaultTimeout bounds the wait for response headers when no timeout is
// configured.
const DefaultTimeout = 5 * time.Minute

// Connector sends requests with credentials from a Provider.
//
// Redirects are returned to the caller rather than followed, since UWS
// signals success with 303 responses.
type Connector struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu       sync.RWMutex
	provider Provider
}

// NewConnector creates a Connector. A nil provider means Anonymous.
//
// timeout bounds how long the service may take to send response headers
// once the request is written. Request and response bodies are not
// limited, so long uploads and result downloads can run to completion.
func NewConnector(p Provider, timeout time.Duration, logger *zap.Logger) *Connector {
	if p == nil {
		p = Anonymous{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &Connector{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: "gotap",
		logger:    logger,
		provider:  p,
	}
}

// Provider returns the current credentials provider.
func (c *Connector) Provider() Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider
}

// SetProvider replaces the credentials used for later requests.
func (c *Connector) SetProvider(p Provider) {
	if p == nil {
		p = Anonymous{}
	}
	c.mu.Lock()
	c.provider = p
	c.mu.Unlock()
	c.logger.Debug("Credentials changed", zap.String("method", p.Name()))
}

// Do authorizes and sends req.
func (c *Connector) Do(req *http.Request) (*http.Response, error) {
	p := c.Provider()
	if err := p.Authorize(req); err != nil {
		return nil, fmt.Errorf("%s auth: %w", p.Name(), err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.client.Do(req)
}

// Status reports the caller's authentication state at a service.
type Status struct {
	Authenticated bool
	Identity      string
	Method        string
	Expires       time.Time
}

// Check requests target and reports the identity the service recognised.
// head selects a HEAD request instead of GET.
//
// The identity comes from the X-VO-Authenticated response header, falling
// back to the subject of a JWT bearer token. A 401 or 403 response yields
// ErrUnauthorized.
func (c *Connector) Check(ctx context.Context, target string, head bool) (Status, error) {
	method := http.MethodGet
	if head {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return Status{}, fmt.Errorf("auth check: %w", err)
	}

	p := c.Provider()
	resp, err := c.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("auth check %s: %w", target, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	st := Status{Method: p.Name()}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return st, fmt.Errorf("auth check %s: %w (%s)", target, ErrUnauthorized, resp.Status)
	}

	st.Identity = resp.Header.Get(AuthenticatedHeader)
	if b, ok := p.(Bearer); ok {
		if claims, err := b.Claims(); err == nil {
			if st.Identity == "" {
				st.Identity = claims.Subject
			}
			st.Expires = claims.Expires
		} else {
			c.logger.Debug("Bearer token is not a readable JWT", zap.Error(err))
		}
	}
	st.Authenticated = st.Identity != ""

	c.logger.Debug("Auth status",
		zap.String("url", target),
		zap.String("method", st.Method),
		zap.Bool("authenticated", st.Authenticated))
	return st, nil
}
