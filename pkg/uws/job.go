package uws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gotap/pkg/form"
)

// Watcher is called after a status read changes the job phase.
// previous is nil on the first read.
type Watcher func(previous, current *JobInfo)

// Job is a client-side session for one remote UWS job.
//
// The status snapshot is replaced atomically on every successful read and
// may be read from any goroutine. Watchers run on the goroutine that
// performed the read.
type Job struct {
	url    string
	client *Client
	logger *zap.Logger

	info      atomic.Pointer[JobInfo]
	phaseTime atomic.Int64

	deleteAttempted atomic.Bool

	mu          sync.Mutex
	watchers    map[int]Watcher
	nextWatcher int
	unhook      func()
}

// URL returns the job URL.
func (j *Job) URL() string { return j.url }

// JobID returns the job identifier: the one reported by the service if a
// status has been read, else the last path segment of the job URL.
func (j *Job) JobID() string {
	if info := j.info.Load(); info != nil && info.JobID != "" {
		return info.JobID
	}
	u, err := url.Parse(j.url)
	if err != nil {
		return path.Base(j.url)
	}
	return path.Base(u.Path)
}

// LastInfo returns the most recent snapshot, or nil before the first read.
func (j *Job) LastInfo() *JobInfo { return j.info.Load() }

// LastPhase returns the trimmed phase of the last snapshot, or "".
func (j *Job) LastPhase() string {
	if info := j.info.Load(); info != nil {
		return strings.TrimSpace(info.Phase)
	}
	return ""
}

// LastPhaseTime returns when the phase last changed, or the zero time.
func (j *Job) LastPhaseTime() time.Time {
	ns := j.phaseTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// AddWatcher registers fn for phase changes and returns a function that
// removes it.
func (j *Job) AddWatcher(fn Watcher) (remove func()) {
	j.mu.Lock()
	id := j.nextWatcher
	j.nextWatcher++
	j.watchers[id] = fn
	j.mu.Unlock()

	return func() {
		j.mu.Lock()
		delete(j.watchers, id)
		j.mu.Unlock()
	}
}

// Start moves the job to the queue by posting PHASE=RUN.
func (j *Job) Start(ctx context.Context) error {
	return j.PostPhase(ctx, PhaseRun)
}

// Abort stops the job by posting PHASE=ABORT.
func (j *Job) Abort(ctx context.Context) error {
	return j.PostPhase(ctx, PhaseAbort)
}

// PostPhase posts a phase change request.
func (j *Job) PostPhase(ctx context.Context, phase string) error {
	return j.postParams(ctx, "phase", map[string]string{"PHASE": phase})
}

// PostDestruction sets the time after which the service may destroy the job.
func (j *Job) PostDestruction(ctx context.Context, t time.Time) error {
	return j.postParams(ctx, "destruction", map[string]string{"DESTRUCTION": FormatTime(t)})
}

// PostExecutionDuration sets the maximum run time in seconds.
func (j *Job) PostExecutionDuration(ctx context.Context, seconds int64) error {
	return j.postParams(ctx, "executionduration", map[string]string{
		"EXECUTIONDURATION": strconv.FormatInt(seconds, 10),
	})
}

// postParams posts a URL-encoded form to a job sub-resource. The only
// acceptable response is 303.
func (j *Job) postParams(ctx context.Context, sub string, params map[string]string) error {
	target := j.url + "/" + sub
	encoded := form.EncodeURL(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(string(encoded)))
	if err != nil {
		return &JobError{Op: "post " + sub, URL: j.url, Err: err}
	}
	req.Header.Set("Content-Type", form.ContentTypeURLEncoded)

	j.logger.Debug("Posting job parameters", zap.String("resource", sub), zap.ByteString("body", encoded))

	resp, err := j.client.http.Do(req)
	if err != nil {
		return &JobError{Op: "post " + sub, URL: j.url, Err: err}
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusSeeOther {
		return &JobError{Op: "post " + sub, URL: j.url, Err: unexpected(req, resp)}
	}
	return nil
}

// ReadStatus fetches the job document and replaces the snapshot.
func (j *Job) ReadStatus(ctx context.Context) (*JobInfo, error) {
	return j.readStatus(ctx, nil)
}

// readStatusWait performs a UWS 1.1 blocking read: the service may hold
// the response for up to wait while the job remains in phase.
func (j *Job) readStatusWait(ctx context.Context, wait time.Duration, phase string) (*JobInfo, error) {
	q := url.Values{}
	q.Set("WAIT", strconv.Itoa(waitSeconds(wait)))
	if phase != "" {
		q.Set("PHASE", phase)
	}
	return j.readStatus(ctx, q)
}

func (j *Job) readStatus(ctx context.Context, query url.Values) (*JobInfo, error) {
	target := j.url
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &JobError{Op: "read status", URL: j.url, Err: err}
	}

	resp, err := j.client.http.Do(req)
	if err != nil {
		return nil, &JobError{Op: "read status", URL: j.url, Err: err}
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &JobError{Op: "read status", URL: j.url, Err: unexpected(req, resp)}
	}

	info, err := j.client.reader.ReadJobInfo(resp.Body)
	if err != nil {
		return nil, &JobError{Op: "read status", URL: j.url, Err: err}
	}
	j.setInfo(info)
	return info, nil
}

// setInfo swaps the snapshot and notifies watchers iff the trimmed phase
// differs from the previous one.
func (j *Job) setInfo(info *JobInfo) {
	prev := j.info.Swap(info)

	var oldPhase string
	if prev != nil {
		oldPhase = strings.TrimSpace(prev.Phase)
	}
	newPhase := strings.TrimSpace(info.Phase)
	if prev != nil && oldPhase == newPhase {
		return
	}

	j.phaseTime.Store(time.Now().UnixNano())
	if prev != nil && StageForPhase(oldPhase) == StageFinished && StageForPhase(newPhase) != StageFinished {
		j.logger.Warn("Job left a terminal phase",
			zap.String("from", oldPhase),
			zap.String("to", newPhase))
	}
	j.logger.Debug("Job phase changed", zap.String("from", oldPhase), zap.String("to", newPhase))

	j.mu.Lock()
	watchers := make([]Watcher, 0, len(j.watchers))
	for _, w := range j.watchers {
		watchers = append(watchers, w)
	}
	j.mu.Unlock()

	for _, w := range watchers {
		w(prev, info)
	}
}

// WaitForCompletion reads status until the job reaches a terminal phase and
// returns the terminal snapshot. Between reads it blocks on the service
// when it speaks UWS 1.1 or later, otherwise it sleeps for poll.
//
// Connection resets, unreachable hosts and unknown hosts are retried after
// poll. An uninterpretable phase is fatal. Cancelling ctx ends the wait.
func (j *Job) WaitForCompletion(ctx context.Context, poll time.Duration) (*JobInfo, error) {
	info := j.info.Load()
	if info == nil {
		var err error
		if info, err = j.ReadStatus(ctx); err != nil {
			return nil, err
		}
	}

	for {
		phase := strings.TrimSpace(info.Phase)
		switch StageForPhase(phase) {
		case StageFinished:
			return info, nil
		case StageIllegal:
			return nil, &IllegalPhaseError{URL: j.url, Phase: info.Phase}
		case StageUnstarted:
			j.logger.Info("Job not started; waiting", zap.String("phase", phase))
		case StageUnknown:
			j.logger.Info("Job phase unknown; waiting", zap.String("phase", phase))
		case StageRunning:
		}

		var err error
		if info, err = j.reread(ctx, poll, phase); err != nil {
			return nil, err
		}
	}
}

// waitSeconds converts a block duration to the WAIT value, rounding up
// to whole seconds. WAIT=0 would make the read return at once.
func waitSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func (j *Job) reread(ctx context.Context, poll time.Duration, phase string) (*JobInfo, error) {
	for {
		var (
			info *JobInfo
			err  error
		)
		if j.blocking() {
			started := time.Now()
			info, err = j.readStatusWait(ctx, j.client.blockWait, phase)
			// A service may ignore or cap WAIT. Reads that come back early
			// with nothing changed are paced at poll.
			if err == nil && strings.TrimSpace(info.Phase) == phase {
				if err := sleep(ctx, poll-time.Since(started)); err != nil {
					return nil, err
				}
			}
		} else {
			if err := sleep(ctx, poll); err != nil {
				return nil, err
			}
			info, err = j.ReadStatus(ctx)
		}
		if err == nil {
			return info, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !IsTransient(err) {
			return nil, err
		}

		j.logger.Warn("Transient failure reading job status; retrying",
			zap.Duration("after", poll),
			zap.Error(err))
		if err := sleep(ctx, poll); err != nil {
			return nil, err
		}
	}
}

// blocking reports whether status reads may use WAIT. A configured
// version wins over the one in the job document; anything unparseable
// falls back to polling.
func (j *Job) blocking() bool {
	if j.client.version != "" {
		return supportsBlocking(j.client.version)
	}
	if info := j.info.Load(); info != nil {
		return supportsBlocking(info.Version)
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForResultURL waits for completion and returns the URL of the
// primary result. An aborted job yields ErrAborted; a failed job yields a
// *JobFailedError carrying the service's error text.
func (j *Job) WaitForResultURL(ctx context.Context, poll time.Duration) (string, error) {
	info, err := j.WaitForCompletion(ctx, poll)
	if err != nil {
		return "", err
	}

	switch phase := strings.TrimSpace(info.Phase); phase {
	case PhaseCompleted:
		if r, ok := info.Result("result"); ok && r.Href != "" {
			return r.Href, nil
		}
		return j.url + "/results/result", nil
	case PhaseAborted:
		return "", &JobError{Op: "wait", URL: j.url, Err: ErrAborted}
	case PhaseError:
		msg := j.readErrorText(ctx)
		if msg == "" && info.Error != nil {
			msg = info.Error.Message
		}
		return "", &JobFailedError{URL: j.url, Message: msg}
	default:
		return "", &JobError{Op: "wait", URL: j.url, Err: fmt.Errorf("job finished in phase %s", phase)}
	}
}

// readErrorText returns the body of {job}/error, or "" if unavailable.
func (j *Job) readErrorText(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url+"/error", nil)
	if err != nil {
		return ""
	}
	resp, err := j.client.http.Do(req)
	if err != nil {
		j.logger.Debug("Failed to read job error", zap.Error(err))
		return ""
	}
	defer drainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxExcerpt))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Delete destroys the remote job. Only the first call sends a request;
// later calls return nil without contacting the service.
func (j *Job) Delete(ctx context.Context) error {
	if !j.deleteAttempted.CompareAndSwap(false, true) {
		return nil
	}
	j.SetDeleteOnExit(false)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, j.url, nil)
	if err != nil {
		return &JobError{Op: "delete", URL: j.url, Err: err}
	}
	resp, err := j.client.http.Do(req)
	if err != nil {
		return &JobError{Op: "delete", URL: j.url, Err: err}
	}
	defer drainAndClose(resp)

	switch resp.StatusCode {
	case http.StatusSeeOther, http.StatusOK, http.StatusNoContent:
		j.logger.Info("Deleted job")
		return nil
	default:
		return &JobError{Op: "delete", URL: j.url, Err: unexpected(req, resp)}
	}
}

// AttemptDelete deletes the job and logs rather than returns any failure.
func (j *Job) AttemptDelete(ctx context.Context) {
	if err := j.Delete(ctx); err != nil {
		j.logger.Warn("Failed to delete job", zap.Error(err))
	}
}

// DeleteAttempted reports whether Delete has been called.
func (j *Job) DeleteAttempted() bool { return j.deleteAttempted.Load() }

// SetDeleteOnExit arranges for the job to be deleted when the exit hooks
// run. Enabling is a no-op if a hook is already registered or deletion
// has already been attempted.
func (j *Job) SetDeleteOnExit(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !on {
		if j.unhook != nil {
			j.unhook()
			j.unhook = nil
		}
		return
	}
	if j.unhook != nil || j.deleteAttempted.Load() {
		return
	}
	j.unhook = j.client.hooks.Register(j.AttemptDelete)
}

// DeleteOnExit reports whether an exit hook is registered.
func (j *Job) DeleteOnExit() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.unhook != nil
}
