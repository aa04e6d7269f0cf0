package uws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/pkg/form"
	"github.com/3leaps/gotap/pkg/uws/uwstest"
)

const testPoll = time.Millisecond

func newTestClient(cfg Config) *Client {
	if cfg.Hooks == nil {
		cfg.Hooks = &ExitHooks{}
	}
	return NewClient(nil, cfg, zap.NewNop())
}

// scriptedDoer fails chosen calls and forwards the rest.
type scriptedDoer struct {
	next Doer

	mu     sync.Mutex
	calls  int
	failOn map[int]error
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls++
	err := d.failOn[d.calls]
	d.mu.Unlock()
	if err != nil {
		return nil, &url.Error{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	return d.next.Do(req)
}

func (d *scriptedDoer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestCreateJob_URLEncoded(t *testing.T) {
	srv := uwstest.NewServer(t)
	c := newTestClient(Config{})

	job, err := c.CreateJob(context.Background(), srv.Endpoint(), map[string]string{
		"LANG":  "ADQL",
		"QUERY": "SELECT TOP 5 * FROM tap_schema.tables WHERE a='b&c'",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, srv.JobURL("job1"), job.URL())
	assert.Equal(t, "job1", job.JobID())
	assert.Nil(t, job.LastInfo())

	params := srv.Job("job1").Params()
	assert.Equal(t, "ADQL", params["LANG"])
	assert.Equal(t, "SELECT TOP 5 * FROM tap_schema.tables WHERE a='b&c'", params["QUERY"])
}

func TestCreateJob_Multipart(t *testing.T) {
	strategies := map[string]form.Strategy{
		"chunked": {ChunkSize: 32},
		"stored":  {NewStore: func() form.ByteStore { return form.NewMemoryStore() }},
	}
	for name, strategy := range strategies {
		t.Run(name, func(t *testing.T) {
			srv := uwstest.NewServer(t)
			c := newTestClient(Config{Upload: strategy})

			job, err := c.CreateJob(context.Background(), srv.Endpoint(),
				map[string]string{"LANG": "ADQL", "UPLOAD": "t1,param:t1"},
				map[string]form.StreamParam{
					"t1": form.BytesParam{ContentType: "application/x-votable+xml", Data: []byte("<VOTABLE>rows</VOTABLE>")},
				})
			require.NoError(t, err)

			fake := srv.Job(job.JobID())
			require.NotNil(t, fake)
			assert.Equal(t, "ADQL", fake.Params()["LANG"])
			upload, ok := fake.Upload("t1")
			require.True(t, ok)
			assert.Equal(t, "<VOTABLE>rows</VOTABLE>", upload)
		})
	}
}

func TestCreateJob_Errors(t *testing.T) {
	t.Run("200 is unexpected", func(t *testing.T) {
		srv := uwstest.NewServer(t)
		srv.SetCreateStatus(http.StatusOK)

		_, err := newTestClient(Config{}).CreateJob(context.Background(), srv.Endpoint(), map[string]string{"a": "b"}, nil)
		require.Error(t, err)
		assert.True(t, IsUnexpectedResponse(err))
		assert.False(t, IsRejected(err))
		assert.False(t, IsNoLocation(err))

		var ue *UnexpectedResponseError
		require.True(t, errors.As(err, &ue))
		assert.Equal(t, http.StatusOK, ue.StatusCode)
		assert.Contains(t, ue.Body, "refused with 200")
	})

	t.Run("403 is rejected", func(t *testing.T) {
		srv := uwstest.NewServer(t)
		srv.SetCreateStatus(http.StatusForbidden)

		_, err := newTestClient(Config{}).CreateJob(context.Background(), srv.Endpoint(), nil, nil)
		require.Error(t, err)
		assert.True(t, IsRejected(err))
		assert.False(t, IsNoLocation(err))
		assert.False(t, IsUnexpectedResponse(err), "rejection is distinct from other unexpected codes")

		var re *RejectedError
		require.ErrorAs(t, err, &re)
		require.NotNil(t, re.Response)
		assert.Equal(t, http.StatusForbidden, re.Response.StatusCode)
		assert.Contains(t, err.Error(), "refused with 403")
	})

	t.Run("303 without Location", func(t *testing.T) {
		srv := uwstest.NewServer(t)
		srv.SetOmitLocation(true)

		_, err := newTestClient(Config{}).CreateJob(context.Background(), srv.Endpoint(), nil, nil)
		require.Error(t, err)
		assert.True(t, IsNoLocation(err))
		assert.False(t, IsRejected(err))
		assert.False(t, IsUnexpectedResponse(err))
	})
}

func TestJob_WatcherFiresOnlyOnTrimmedPhaseChange(t *testing.T) {
	job := newTestClient(Config{}).Job("http://example.org/async/1")
	job.setInfo(&JobInfo{Phase: "PENDING"})

	var calls []string
	remove := job.AddWatcher(func(prev, cur *JobInfo) {
		calls = append(calls, strings.TrimSpace(prev.Phase)+"->"+strings.TrimSpace(cur.Phase))
	})

	job.setInfo(&JobInfo{Phase: " PENDING\n"})
	assert.Empty(t, calls)

	job.setInfo(&JobInfo{Phase: "EXECUTING"})
	assert.Equal(t, []string{"PENDING->EXECUTING"}, calls)
	assert.False(t, job.LastPhaseTime().IsZero())

	remove()
	job.setInfo(&JobInfo{Phase: "COMPLETED"})
	assert.Len(t, calls, 1)
	assert.Equal(t, "COMPLETED", job.LastPhase())
}

func TestJob_ReadStatus(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.AddJob("q7", "EXECUTING")
	job := newTestClient(Config{}).Job(srv.JobURL("q7"))

	var notified int
	job.AddWatcher(func(prev, cur *JobInfo) {
		assert.Nil(t, prev)
		notified++
	})

	info, err := job.ReadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EXECUTING", info.Phase)
	assert.Equal(t, "q7", info.JobID)
	assert.Same(t, info, job.LastInfo())
	assert.Equal(t, 1, notified)
}

func TestJob_ReadStatusMissingJob(t *testing.T) {
	srv := uwstest.NewServer(t)
	job := newTestClient(Config{}).Job(srv.JobURL("nope"))

	_, err := job.ReadStatus(context.Background())
	require.Error(t, err)
	var ue *UnexpectedResponseError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
}

func TestWaitForCompletion_FourReads(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("w1", "PENDING", "EXECUTING", "EXECUTING", "COMPLETED")
	job := newTestClient(Config{}).Job(srv.JobURL("w1"))

	info, err := job.WaitForCompletion(context.Background(), testPoll)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", info.Phase)
	assert.Equal(t, 4, fake.Reads())
	assert.Equal(t, []string{"", "", "", ""}, fake.Waits())
}

func TestWaitForCompletion_BlockingReads(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.SetVersion("1.1")
	fake := srv.AddJob("w2", "QUEUED", "EXECUTING", "COMPLETED")
	job := newTestClient(Config{BlockWait: 2 * time.Second}).Job(srv.JobURL("w2"))

	info, err := job.WaitForCompletion(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", info.Phase)
	assert.Equal(t, []string{"", "2", "2"}, fake.Waits())
}

func TestWaitForCompletion_VersionFallsBackToPolling(t *testing.T) {
	for _, v := range []string{"1.0", "garbage", ""} {
		t.Run(v, func(t *testing.T) {
			srv := uwstest.NewServer(t)
			srv.SetVersion(v)
			fake := srv.AddJob("w3", "EXECUTING", "COMPLETED")
			job := newTestClient(Config{}).Job(srv.JobURL("w3"))

			_, err := job.WaitForCompletion(context.Background(), testPoll)
			require.NoError(t, err)
			assert.Equal(t, []string{"", ""}, fake.Waits())
		})
	}
}

func TestWaitForCompletion_ConfiguredVersionWins(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("w4", "EXECUTING", "COMPLETED")
	job := newTestClient(Config{Version: "1.1", BlockWait: time.Second}).Job(srv.JobURL("w4"))

	_, err := job.WaitForCompletion(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "1"}, fake.Waits())
}

func TestWaitForCompletion_SubSecondBlockWaitRoundsUp(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("w5", "EXECUTING", "EXECUTING", "COMPLETED")
	job := newTestClient(Config{Version: "1.1", BlockWait: 300 * time.Millisecond}).Job(srv.JobURL("w5"))

	_, err := job.WaitForCompletion(context.Background(), testPoll)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "1", "1"}, fake.Waits())
}

func TestWaitForCompletion_ImmediateBlockingReadsArePaced(t *testing.T) {
	for _, blockWait := range []time.Duration{500 * time.Millisecond, time.Minute} {
		t.Run(blockWait.String(), func(t *testing.T) {
			// The fake service ignores WAIT and answers at once.
			srv := uwstest.NewServer(t)
			fake := srv.AddJob("busy", "EXECUTING")
			job := newTestClient(Config{Version: "1.1", BlockWait: blockWait}).Job(srv.JobURL("busy"))

			ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
			defer cancel()

			_, err := job.WaitForCompletion(ctx, 100*time.Millisecond)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.GreaterOrEqual(t, fake.Reads(), 2)
			assert.LessOrEqual(t, fake.Reads(), 6)
			for _, w := range fake.Waits()[1:] {
				assert.NotEqual(t, "0", w)
			}
		})
	}
}

func TestWaitSeconds(t *testing.T) {
	assert.Equal(t, 1, waitSeconds(0))
	assert.Equal(t, 1, waitSeconds(time.Millisecond))
	assert.Equal(t, 1, waitSeconds(time.Second))
	assert.Equal(t, 2, waitSeconds(1500*time.Millisecond))
	assert.Equal(t, 60, waitSeconds(time.Minute))
}

func TestWaitForCompletion_IllegalPhase(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.AddJob("bad", "PENDING", "???")
	job := newTestClient(Config{}).Job(srv.JobURL("bad"))

	_, err := job.WaitForCompletion(context.Background(), testPoll)
	var ipe *IllegalPhaseError
	require.True(t, errors.As(err, &ipe))
	assert.Equal(t, "???", ipe.Phase)
}

func TestWaitForCompletion_UnknownPhaseKeepsWaiting(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("u", "UNKNOWN", "SOMETHING_NEW", "ERROR")
	job := newTestClient(Config{}).Job(srv.JobURL("u"))

	info, err := job.WaitForCompletion(context.Background(), testPoll)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", info.Phase)
	assert.Equal(t, 3, fake.Reads())
}

func TestWaitForCompletion_Cancelled(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.AddJob("slow", "EXECUTING")
	job := newTestClient(Config{}).Job(srv.JobURL("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := job.WaitForCompletion(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForCompletion_RetriesTransientFailures(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("t", "EXECUTING", "COMPLETED")

	base := newTestClient(Config{})
	doer := &scriptedDoer{
		next: base.http,
		failOn: map[int]error{
			2: syscall.ECONNRESET,
			3: syscall.EHOSTUNREACH,
		},
	}
	c := NewClient(doer, Config{Hooks: &ExitHooks{}}, zap.NewNop())
	job := c.Job(srv.JobURL("t"))

	info, err := job.WaitForCompletion(context.Background(), testPoll)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", info.Phase)
	assert.Equal(t, 4, doer.Calls())
	assert.Equal(t, 2, fake.Reads())
}

func TestWaitForCompletion_OtherFailuresPropagate(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.AddJob("f", "EXECUTING", "COMPLETED")

	base := newTestClient(Config{})
	boom := errors.New("boom")
	doer := &scriptedDoer{next: base.http, failOn: map[int]error{2: boom}}
	job := NewClient(doer, Config{Hooks: &ExitHooks{}}, zap.NewNop()).Job(srv.JobURL("f"))

	_, err := job.WaitForCompletion(context.Background(), testPoll)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, doer.Calls())
}

func TestJob_StartAbortAndParameters(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("p", "PENDING")
	job := newTestClient(Config{}).Job(srv.JobURL("p"))
	ctx := context.Background()

	require.NoError(t, job.Start(ctx))
	require.NoError(t, job.Abort(ctx))
	assert.Equal(t, []string{"RUN", "ABORT"}, fake.PhasePosts())

	require.NoError(t, job.PostDestruction(ctx, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)))
	v, ok := fake.Posted("destruction")
	require.True(t, ok)
	assert.Equal(t, "2030-01-02T03:04:05Z", v)

	require.NoError(t, job.PostExecutionDuration(ctx, 600))
	v, ok = fake.Posted("executionduration")
	require.True(t, ok)
	assert.Equal(t, "600", v)
}

func TestJob_PostPhaseRequires303(t *testing.T) {
	srv := uwstest.NewServer(t)
	job := newTestClient(Config{}).Job(srv.JobURL("missing"))

	err := job.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnexpectedResponse(err))

	var je *JobError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, "post phase", je.Op)
}

func TestJob_DeleteOnce(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("d", "COMPLETED")
	job := newTestClient(Config{}).Job(srv.JobURL("d"))

	require.NoError(t, job.Delete(context.Background()))
	require.NoError(t, job.Delete(context.Background()))
	job.AttemptDelete(context.Background())

	assert.Equal(t, 1, fake.Deletes())
	assert.Equal(t, 1, srv.Requests(http.MethodDelete, "/async/d"))
	assert.True(t, job.DeleteAttempted())
}

func TestJob_DeleteOnExit(t *testing.T) {
	srv := uwstest.NewServer(t)
	fake := srv.AddJob("e", "EXECUTING")
	hooks := &ExitHooks{}
	job := newTestClient(Config{Hooks: hooks}).Job(srv.JobURL("e"))

	job.SetDeleteOnExit(true)
	job.SetDeleteOnExit(true)
	assert.Equal(t, 1, hooks.Len())
	assert.True(t, job.DeleteOnExit())

	job.SetDeleteOnExit(false)
	assert.Equal(t, 0, hooks.Len())

	job.SetDeleteOnExit(true)
	hooks.Run(context.Background())
	assert.Equal(t, 1, fake.Deletes())
	assert.Equal(t, 0, hooks.Len())

	// Deletion already attempted: registering again does nothing.
	job.SetDeleteOnExit(true)
	assert.Equal(t, 0, hooks.Len())
}

func TestJob_DeleteRemovesExitHook(t *testing.T) {
	srv := uwstest.NewServer(t)
	srv.AddJob("h", "EXECUTING")
	hooks := &ExitHooks{}
	job := newTestClient(Config{Hooks: hooks}).Job(srv.JobURL("h"))

	job.SetDeleteOnExit(true)
	require.NoError(t, job.Delete(context.Background()))
	assert.Equal(t, 0, hooks.Len())
}

func TestWaitForResultURL(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		srv := uwstest.NewServer(t)
		srv.AddJob("r", "EXECUTING", "COMPLETED")
		job := newTestClient(Config{}).Job(srv.JobURL("r"))

		u, err := job.WaitForResultURL(context.Background(), testPoll)
		require.NoError(t, err)
		assert.Equal(t, srv.JobURL("r")+"/results/result", u)
	})

	t.Run("aborted", func(t *testing.T) {
		srv := uwstest.NewServer(t)
		srv.AddJob("a", "ABORTED")
		job := newTestClient(Config{}).Job(srv.JobURL("a"))

		_, err := job.WaitForResultURL(context.Background(), testPoll)
		assert.ErrorIs(t, err, ErrAborted)
	})

	t.Run("error", func(t *testing.T) {
		srv := uwstest.NewServer(t)
		fake := srv.AddJob("x", "ERROR")
		fake.SetErrorText("syntax error near FROM")
		job := newTestClient(Config{}).Job(srv.JobURL("x"))

		_, err := job.WaitForResultURL(context.Background(), testPoll)
		var jfe *JobFailedError
		require.True(t, errors.As(err, &jfe))
		assert.Equal(t, "syntax error near FROM", jfe.Message)
	})
}

func TestJob_SubmitRunWait(t *testing.T) {
	srv := uwstest.NewServer(t)
	c := newTestClient(Config{})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, srv.Endpoint(), map[string]string{"REQUEST": "doQuery", "LANG": "ADQL", "QUERY": "SELECT 1"}, nil)
	require.NoError(t, err)

	var phases []string
	job.AddWatcher(func(_, cur *JobInfo) { phases = append(phases, cur.Phase) })

	info, err := job.ReadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhasePending, info.Phase)
	p, ok := info.Parameter("query")
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", p)

	require.NoError(t, job.Start(ctx))
	info, err = job.WaitForCompletion(ctx, testPoll)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, info.Phase)
	assert.Equal(t, []string{"PENDING", "QUEUED", "EXECUTING", "COMPLETED"}, phases)

	res, ok := info.Result("result")
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(res.Href, "/results/result"))
}
