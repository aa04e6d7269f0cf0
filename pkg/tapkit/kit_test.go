package tapkit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/pkg/auth"
	"github.com/3leaps/gotap/pkg/eventloop"
	"github.com/3leaps/gotap/pkg/tapmeta"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeReader records reads and can hold them until released.
type fakeReader struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	gate    chan struct{}
	started chan string
	failing error
}

func newFakeReader() *fakeReader {
	return &fakeReader{calls: make(map[string]int), started: make(chan string, 64)}
}

func (r *fakeReader) enter(ctx context.Context, name string) error {
	r.mu.Lock()
	r.calls[name]++
	r.order = append(r.order, name)
	gate := r.gate
	r.mu.Unlock()

	r.started <- name
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.failing
}

func (r *fakeReader) Calls(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *fakeReader) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *fakeReader) Source() string { return "fake" }

func (r *fakeReader) ReadSchemas(ctx context.Context) ([]*tapmeta.SchemaMeta, error) {
	if err := r.enter(ctx, "schemas"); err != nil {
		return nil, err
	}
	return []*tapmeta.SchemaMeta{{Name: "ivoa"}, {Name: "tap_schema"}}, nil
}

func (r *fakeReader) ReadTables(ctx context.Context, s *tapmeta.SchemaMeta) ([]*tapmeta.TableMeta, error) {
	if err := r.enter(ctx, "tables:"+s.Name); err != nil {
		return nil, err
	}
	return []*tapmeta.TableMeta{{Name: s.Name + ".t1", Schema: s.Name}}, nil
}

func (r *fakeReader) ReadColumns(ctx context.Context, t *tapmeta.TableMeta) ([]*tapmeta.ColumnMeta, error) {
	if err := r.enter(ctx, "columns:"+t.Name); err != nil {
		return nil, err
	}
	return []*tapmeta.ColumnMeta{{Name: "id"}, {Name: "ra"}}, nil
}

func (r *fakeReader) ReadForeignKeys(ctx context.Context, t *tapmeta.TableMeta) ([]*tapmeta.ForeignMeta, error) {
	if err := r.enter(ctx, "fkeys:"+t.Name); err != nil {
		return nil, err
	}
	return []*tapmeta.ForeignMeta{{TargetTable: "other"}}, nil
}

type fakeService struct {
	reader      tapmeta.Reader
	readerErr   error
	readerCalls atomic.Int32
	capability  *tapmeta.Capability
	capErr      error
	status      auth.Status
	forced      atomic.Bool
}

func (s *fakeService) MetaReader(context.Context) (tapmeta.Reader, error) {
	s.readerCalls.Add(1)
	if s.readerErr != nil {
		return nil, s.readerErr
	}
	return s.reader, nil
}

func (s *fakeService) Capability(context.Context) (*tapmeta.Capability, error) {
	return s.capability, s.capErr
}

func (s *fakeService) Resource(context.Context) (*tapmeta.Resource, error) {
	return nil, ErrNoResource
}

func (s *fakeService) AuthStatus(_ context.Context, forceLogin bool) (auth.Status, error) {
	s.forced.Store(forceLogin)
	return s.status, nil
}

func newTestKit(t *testing.T, svc Service, cfg Config) (*Kit, *eventloop.Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := eventloop.Start(ctx)
	k := New(svc, loop, cfg, zap.NewNop())

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		assert.NoError(t, k.Shutdown(sctx))
		loop.Close()
		<-loop.Done()
		cancel()
	})
	return k, loop
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, loop.Do(context.Background(), fn))
}

func waitStarted(t *testing.T, r *fakeReader, want string) {
	t.Helper()
	select {
	case got := <-r.started:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("read %q never started", want)
	}
}

func TestKit_DeduplicatesConcurrentRequests(t *testing.T) {
	reader := newFakeReader()
	reader.gate = make(chan struct{})
	k, loop := newTestKit(t, &fakeService{reader: reader}, Config{})

	schema := &tapmeta.SchemaMeta{Name: "ivoa"}
	var fired atomic.Int32

	for i := 0; i < 10; i++ {
		onLoop(t, loop, func() {
			immediate := k.OnTables(schema, func() { fired.Add(1) })
			assert.False(t, immediate)
		})
	}
	waitStarted(t, reader, "tables:ivoa")
	assert.Equal(t, 1, k.Pending())

	close(reader.gate)
	require.Eventually(t, func() bool { return fired.Load() == 10 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, 1, reader.Calls("tables:ivoa"))
	assert.Equal(t, 0, k.Pending())
	assert.Equal(t, int64(9), k.Stats().Joined)

	tables, ok := schema.Tables()
	require.True(t, ok)
	assert.Len(t, tables, 1)

	// Data present: callbacks now run synchronously.
	onLoop(t, loop, func() {
		ran := false
		assert.True(t, k.OnTables(schema, func() { ran = true }))
		assert.True(t, ran)
	})
	assert.Equal(t, 1, reader.Calls("tables:ivoa"))
}

func TestKit_KindsAreDistinctKeys(t *testing.T) {
	reader := newFakeReader()
	k, loop := newTestKit(t, &fakeService{reader: reader}, Config{})

	table := &tapmeta.TableMeta{Name: "ivoa.obscore"}
	var fired atomic.Int32
	onLoop(t, loop, func() {
		k.OnColumns(table, func() { fired.Add(1) })
		k.OnForeignKeys(table, func() { fired.Add(1) })
	})
	require.Eventually(t, func() bool { return fired.Load() == 2 }, 5*time.Second, time.Millisecond)

	cols, ok := table.Columns()
	require.True(t, ok)
	assert.Len(t, cols, 2)
	fks, ok := table.ForeignKeys()
	require.True(t, ok)
	assert.Equal(t, "other", fks[0].TargetTable)
}

func TestKit_CallbacksRunOnLoop(t *testing.T) {
	reader := newFakeReader()
	k, loop := newTestKit(t, &fakeService{reader: reader}, Config{})

	table := &tapmeta.TableMeta{Name: "t"}
	onLoopDuringCallback := make(chan bool, 1)
	onLoop(t, loop, func() {
		k.OnColumns(table, func() { onLoopDuringCallback <- loop.Busy() })
	})

	select {
	case busy := <-onLoopDuringCallback:
		assert.True(t, busy)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestKit_FailureYieldsEmptyData(t *testing.T) {
	reader := newFakeReader()
	reader.failing = errors.New("service down")
	k, loop := newTestKit(t, &fakeService{reader: reader}, Config{})

	table := &tapmeta.TableMeta{Name: "t"}
	var fired atomic.Int32
	onLoop(t, loop, func() { k.OnColumns(table, func() { fired.Add(1) }) })
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 5*time.Second, time.Millisecond)

	cols, ok := table.Columns()
	assert.True(t, ok)
	assert.Empty(t, cols)
	assert.Equal(t, int64(1), k.Stats().Failed)
}

func TestKit_ReaderFailureFallsBack(t *testing.T) {
	svc := &fakeService{readerErr: errors.New("bad URL")}
	k, loop := newTestKit(t, svc, Config{})

	schemas := []*tapmeta.SchemaMeta{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	var fired atomic.Int32
	onLoop(t, loop, func() {
		for _, s := range schemas {
			k.OnTables(s, func() { fired.Add(1) })
		}
	})
	require.Eventually(t, func() bool { return fired.Load() == 3 }, 5*time.Second, time.Millisecond)

	for _, s := range schemas {
		tables, ok := s.Tables()
		assert.True(t, ok)
		assert.Empty(t, tables)
	}
	assert.Equal(t, int32(1), svc.readerCalls.Load(), "reader acquired once")
}

func TestKit_EvictsOldestQueuedRequest(t *testing.T) {
	reader := newFakeReader()
	reader.gate = make(chan struct{})
	k, loop := newTestKit(t, &fakeService{reader: reader}, Config{QueueLimit: 2})

	a := &tapmeta.SchemaMeta{Name: "a"}
	b := &tapmeta.SchemaMeta{Name: "b"}
	c := &tapmeta.SchemaMeta{Name: "c"}
	d := &tapmeta.SchemaMeta{Name: "d"}

	var mu sync.Mutex
	var fired []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
		}
	}

	onLoop(t, loop, func() { k.OnTables(a, record("a")) })
	waitStarted(t, reader, "tables:a")

	// a is running; b, c, d compete for two slots.
	onLoop(t, loop, func() {
		k.OnTables(b, record("b"))
		k.OnTables(c, record("c"))
		k.OnTables(d, record("d"))
	})
	assert.Equal(t, int64(1), k.Stats().Evicted)
	assert.Equal(t, 3, k.Pending())

	close(reader.gate)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 3
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []string{"tables:a", "tables:d", "tables:c"}, reader.Order())
	mu.Lock()
	assert.Equal(t, []string{"a", "d", "c"}, fired)
	mu.Unlock()

	_, ok := b.Tables()
	assert.False(t, ok, "evicted request is never populated")
	assert.Equal(t, 0, k.Pending())

	// A fresh request for the evicted node is served normally.
	var again atomic.Bool
	onLoop(t, loop, func() { k.OnTables(b, func() { again.Store(true) }) })
	require.Eventually(t, again.Load, 5*time.Second, time.Millisecond)
}

func TestKit_RateLimited(t *testing.T) {
	reader := newFakeReader()
	k, loop := newTestKit(t, &fakeService{reader: reader}, Config{RateLimit: 20})

	tables := []*tapmeta.TableMeta{{Name: "1"}, {Name: "2"}, {Name: "3"}}
	var fired atomic.Int32
	start := time.Now()
	onLoop(t, loop, func() {
		for _, tb := range tables {
			k.OnColumns(tb, func() { fired.Add(1) })
		}
	})
	require.Eventually(t, func() bool { return fired.Load() == 3 }, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestKit_AcquireSchemas(t *testing.T) {
	reader := newFakeReader()
	k, _ := newTestKit(t, &fakeService{reader: reader}, Config{})

	var waiting atomic.Bool
	got := make(chan []*tapmeta.SchemaMeta, 1)
	k.AcquireSchemas(HandlerFuncs[[]*tapmeta.SchemaMeta]{
		Waiting: func() { waiting.Store(true) },
		Result:  func(s []*tapmeta.SchemaMeta) { got <- s },
		Error:   func(err error) { t.Errorf("unexpected error: %v", err) },
	})
	assert.True(t, waiting.Load(), "waiting is shown before the read")

	select {
	case schemas := <-got:
		require.Len(t, schemas, 2)
		assert.Equal(t, "ivoa", schemas[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}

func TestKit_AcquireCapabilityError(t *testing.T) {
	k, _ := newTestKit(t, &fakeService{capErr: errors.New("404")}, Config{})

	got := make(chan error, 1)
	k.AcquireCapability(HandlerFuncs[*tapmeta.Capability]{Error: func(err error) { got <- err }})

	select {
	case err := <-got:
		assert.EqualError(t, err, "404")
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestKit_AcquireResourceWithoutRecord(t *testing.T) {
	k, _ := newTestKit(t, &fakeService{}, Config{})

	got := make(chan error, 1)
	k.AcquireResource(HandlerFuncs[*tapmeta.Resource]{Error: func(err error) { got <- err }})

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrNoResource)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestKit_InactiveHandlerIsSkipped(t *testing.T) {
	k, loop := newTestKit(t, &fakeService{capability: &tapmeta.Capability{}}, Config{})

	var waiting, result atomic.Bool
	k.AcquireCapability(HandlerFuncs[*tapmeta.Capability]{
		Active:  func() bool { return false },
		Waiting: func() { waiting.Store(true) },
		Result:  func(*tapmeta.Capability) { result.Store(true) },
	})
	assert.False(t, waiting.Load())

	// Active at request time, inactive by the time the result arrives.
	var active atomic.Bool
	active.Store(true)
	k.AcquireCapability(HandlerFuncs[*tapmeta.Capability]{
		Active:  active.Load,
		Waiting: func() { active.Store(false) },
		Result:  func(*tapmeta.Capability) { result.Store(true) },
	})

	require.NoError(t, k.Shutdown(context.Background()))
	onLoop(t, loop, func() {})
	assert.False(t, result.Load())
}

func TestKit_AcquireAuthStatusResetsState(t *testing.T) {
	reader := newFakeReader()
	reader.gate = make(chan struct{})
	svc := &fakeService{reader: reader, status: auth.Status{Authenticated: true, Identity: "alice"}}
	k, loop := newTestKit(t, svc, Config{})

	schema := &tapmeta.SchemaMeta{Name: "ivoa"}
	var stale atomic.Bool
	onLoop(t, loop, func() { k.OnTables(schema, func() { stale.Store(true) }) })
	waitStarted(t, reader, "tables:ivoa")
	require.Equal(t, 1, k.Pending())

	got := make(chan auth.Status, 1)
	k.AcquireAuthStatus(HandlerFuncs[auth.Status]{Result: func(st auth.Status) { got <- st }}, true)
	assert.Equal(t, 0, k.Pending(), "in-flight requests are forgotten")

	select {
	case st := <-got:
		assert.Equal(t, "alice", st.Identity)
	case <-time.After(5 * time.Second):
		t.Fatal("no auth status")
	}
	assert.True(t, svc.forced.Load())

	close(reader.gate)
	onLoop(t, loop, func() {})

	// The reader is acquired afresh for the next read.
	var fresh atomic.Bool
	other := &tapmeta.SchemaMeta{Name: "tap_schema"}
	onLoop(t, loop, func() { k.OnTables(other, func() { fresh.Store(true) }) })
	require.Eventually(t, fresh.Load, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(2), svc.readerCalls.Load())
	assert.False(t, stale.Load(), "forgotten callbacks never run")
}

func TestKit_AfterShutdown(t *testing.T) {
	k, loop := newTestKit(t, &fakeService{reader: newFakeReader()}, Config{})
	require.NoError(t, k.Shutdown(context.Background()))

	var ran atomic.Bool
	onLoop(t, loop, func() {
		assert.False(t, k.OnTables(&tapmeta.SchemaMeta{Name: "x"}, func() { ran.Store(true) }))
	})
	assert.Equal(t, 0, k.Pending())

	got := make(chan error, 1)
	k.AcquireSchemas(HandlerFuncs[[]*tapmeta.SchemaMeta]{Error: func(err error) { got <- err }})
	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown error")
	}
	assert.False(t, ran.Load())
}
