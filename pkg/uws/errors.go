package uws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Sentinel errors for job operations.
var (
	// ErrRejected indicates the service refused to create the job (HTTP 403).
	ErrRejected = errors.New("job creation rejected")

	// ErrNoLocation indicates a 303 response without a Location header.
	ErrNoLocation = errors.New("303 response without Location header")

	// ErrNoJob indicates a status document with no job element.
	ErrNoJob = errors.New("no job element in status document")

	// ErrAborted indicates the job finished in the ABORTED phase.
	ErrAborted = errors.New("job aborted")
)

// maxExcerpt bounds how much of an unexpected response body is retained.
const maxExcerpt = 4096

// UnexpectedResponseError reports an HTTP status the protocol does not allow
// at that point. The raw response is kept for diagnosis.
type UnexpectedResponseError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       string
}

func (e *UnexpectedResponseError) Error() string {
	msg := fmt.Sprintf("unexpected response to %s %s: %s", e.Method, e.URL, e.Status)
	if body := strings.TrimSpace(e.Body); body != "" {
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		msg += ": " + body
	}
	return msg
}

// RejectedError is returned when the service refuses to create a job
// (HTTP 403). It matches ErrRejected and keeps the response for diagnosis,
// but is not an UnexpectedResponseError.
type RejectedError struct {
	Response *UnexpectedResponseError
}

func (e *RejectedError) Error() string {
	if e.Response == nil {
		return ErrRejected.Error()
	}
	msg := ErrRejected.Error() + ": " + e.Response.Status
	if body := strings.TrimSpace(e.Response.Body); body != "" {
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		msg += ": " + body
	}
	return msg
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// IllegalPhaseError is returned when a job reports a phase that cannot be
// interpreted.
type IllegalPhaseError struct {
	URL   string
	Phase string
}

func (e *IllegalPhaseError) Error() string {
	return fmt.Sprintf("job %s has illegal phase %q", e.URL, e.Phase)
}

// JobFailedError is returned when a job finished in the ERROR phase.
type JobFailedError struct {
	URL     string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s failed", e.URL)
	}
	return fmt.Sprintf("job %s failed: %s", e.URL, e.Message)
}

// JobError wraps job-level errors with context.
type JobError struct {
	// Op is the operation that failed (e.g., "start", "read status").
	Op string

	// URL is the job or endpoint URL.
	URL string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("uws %s: %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}

// IsRejected returns true if the error indicates job creation was refused.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsNoLocation returns true if the error indicates a redirect without Location.
func IsNoLocation(err error) bool {
	return errors.Is(err, ErrNoLocation)
}

// IsUnexpectedResponse returns true if the error carries an unexpected HTTP response.
func IsUnexpectedResponse(err error) bool {
	var ue *UnexpectedResponseError
	return errors.As(err, &ue)
}

// IsTransient returns true for transport failures worth retrying:
// connection reset, host or network unreachable and unknown host.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}
