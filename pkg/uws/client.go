// Package uws drives remote jobs on IVOA Universal Worker Service endpoints.
//
// A Client submits jobs and wraps known job URLs; a Job tracks one remote
// job: its last status snapshot, phase watchers, the wait loop and deletion.
package uws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gotap/pkg/form"
)

// DefaultBlockWait is the WAIT value sent on blocking status reads.
const DefaultBlockWait = 60 * time.Second

// Doer sends HTTP requests. The client must not follow redirects, since
// UWS reports success with 303 responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	// Version is the UWS version the service is known to speak. When empty
	// the version attribute of the job document decides.
	Version string

	// BlockWait bounds each blocking status read on UWS 1.1 services.
	BlockWait time.Duration

	// Upload selects how multipart submissions are sent.
	Upload form.Strategy

	// Reader parses job documents. Nil selects XMLStatusReader.
	Reader StatusReader

	// Hooks receives delete-on-exit registrations. Nil selects DefaultExitHooks.
	Hooks *ExitHooks
}

// Client creates and wraps UWS jobs.
type Client struct {
	http      Doer
	logger    *zap.Logger
	reader    StatusReader
	upload    form.Strategy
	version   string
	blockWait time.Duration
	hooks     *ExitHooks
}

// NewClient creates a Client. A nil doer selects an http.Client that does
// not follow redirects.
func NewClient(doer Doer, cfg Config, logger *zap.Logger) *Client {
	if doer == nil {
		doer = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Reader == nil {
		cfg.Reader = XMLStatusReader{}
	}
	if cfg.BlockWait <= 0 {
		cfg.BlockWait = DefaultBlockWait
	}
	if cfg.Hooks == nil {
		cfg.Hooks = DefaultExitHooks
	}
	if cfg.Upload.ChunkSize == 0 && cfg.Upload.NewStore == nil {
		cfg.Upload = form.DefaultStrategy()
	}
	return &Client{
		http:      doer,
		logger:    logger,
		reader:    cfg.Reader,
		upload:    cfg.Upload,
		version:   cfg.Version,
		blockWait: cfg.BlockWait,
		hooks:     cfg.Hooks,
	}
}

// Job wraps an existing job URL. No request is made.
func (c *Client) Job(jobURL string) *Job {
	return &Job{
		url:      strings.TrimRight(jobURL, "/"),
		client:   c,
		logger:   c.logger.With(zap.String("job_url", jobURL)),
		watchers: make(map[int]Watcher),
	}
}

// CreateJob submits a new job to the endpoint's job list.
//
// String parameters alone are sent URL-encoded; any stream parameter
// switches the body to multipart/form-data. The job is created in the
// PENDING phase and is not started.
func (c *Client) CreateJob(ctx context.Context, endpoint string, params map[string]string, streams map[string]form.StreamParam) (*Job, error) {
	var (
		body        io.ReadCloser
		length      int64
		contentType string
	)
	if len(streams) == 0 {
		encoded := form.EncodeURL(params)
		body = io.NopCloser(bytes.NewReader(encoded))
		length = int64(len(encoded))
		contentType = form.ContentTypeURLEncoded
	} else {
		mp := &form.Multipart{Strings: params, Streams: streams}
		var err error
		body, length, err = c.upload.Body(mp)
		if err != nil {
			return nil, &JobError{Op: "create", URL: endpoint, Err: err}
		}
		contentType = mp.ContentType()
	}
	defer func() { _ = body.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, &JobError{Op: "create", URL: endpoint, Err: err}
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", contentType)

	c.logger.Debug("Submitting job",
		zap.String("endpoint", endpoint),
		zap.Int("params", len(params)),
		zap.Int("streams", len(streams)),
		zap.Int64("content_length", length))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &JobError{Op: "create", URL: endpoint, Err: err}
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusSeeOther:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, &JobError{Op: "create", URL: endpoint, Err: ErrNoLocation}
		}
		jobURL, err := resolve(endpoint, loc)
		if err != nil {
			return nil, &JobError{Op: "create", URL: endpoint, Err: err}
		}
		c.logger.Info("Created job", zap.String("job_url", jobURL))
		return c.Job(jobURL), nil
	case http.StatusForbidden:
		return nil, &JobError{Op: "create", URL: endpoint, Err: &RejectedError{Response: unexpected(req, resp)}}
	default:
		return nil, &JobError{Op: "create", URL: endpoint, Err: unexpected(req, resp)}
	}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse Location %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// unexpected captures the response for diagnosis. The body is read up to
// maxExcerpt bytes.
func unexpected(req *http.Request, resp *http.Response) *UnexpectedResponseError {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxExcerpt))
	return &UnexpectedResponseError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       string(excerpt),
	}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxExcerpt))
	_ = resp.Body.Close()
}
