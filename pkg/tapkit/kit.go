// Package tapkit schedules TAP metadata reads for an interactive client.
//
// Node population requests are deduplicated by (kind, node), queued on a
// bounded LIFO stack so the most recent requests are served first, and
// executed by a single background worker. Results are stored and callbacks
// run on the presentation loop, never on the worker.
package tapkit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/gotap/pkg/eventloop"
	"github.com/3leaps/gotap/pkg/lifo"
	"github.com/3leaps/gotap/pkg/tapmeta"
)

// Config configures a Kit.
type Config struct {
	// QueueLimit is the number of pending node reads kept. Older requests
	// are discarded first.
	// Default: 200
	QueueLimit int

	// RateLimit is the maximum metadata reads per second.
	// Zero means unlimited.
	RateLimit float64

	// AcquireConcurrency bounds concurrent one-shot acquisitions.
	// Default: 4
	AcquireConcurrency int
}

// DefaultConfig returns the default Kit configuration.
func DefaultConfig() Config {
	return Config{
		QueueLimit:         200,
		RateLimit:          0,
		AcquireConcurrency: 4,
	}
}

// Stats reports counters since the Kit was created.
type Stats struct {
	Fetched   int64
	Failed    int64
	Evicted   int64
	Joined    int64
	Immediate int64
}

// Kit populates metadata nodes for one TAP service.
type Kit struct {
	svc    Service
	loop   eventloop.Poster
	config Config
	logger *zap.Logger

	limiter *rate.Limiter
	stack   *lifo.Stack[*task]

	mu       sync.Mutex
	inflight map[taskKey][]func()

	readerMu sync.Mutex
	reader   tapmeta.Reader

	ctx        context.Context
	cancel     context.CancelFunc
	workerOnce sync.Once
	workerDone chan struct{}
	poolMu     sync.Mutex
	poolClosed bool
	pool       errgroup.Group
	sem        chan struct{}

	fetched   atomic.Int64
	failed    atomic.Int64
	evicted   atomic.Int64
	joined    atomic.Int64
	immediate atomic.Int64
}

// New creates a Kit. Callbacks and node updates are posted to loop.
func New(svc Service, loop eventloop.Poster, cfg Config, logger *zap.Logger) *Kit {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultConfig().QueueLimit
	}
	if cfg.AcquireConcurrency <= 0 {
		cfg.AcquireConcurrency = DefaultConfig().AcquireConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kit{
		svc:        svc,
		loop:       loop,
		config:     cfg,
		logger:     logger,
		stack:      lifo.New[*task](cfg.QueueLimit),
		inflight:   make(map[taskKey][]func()),
		ctx:        ctx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
		sem:        make(chan struct{}, cfg.AcquireConcurrency),
	}
	if cfg.RateLimit > 0 {
		k.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return k
}

// OnTables ensures schema's tables are loaded, then calls cb on the loop.
// It returns true if the tables were already present and cb has run.
func (k *Kit) OnTables(schema *tapmeta.SchemaMeta, cb func()) bool {
	return k.ensure(tablesTask(schema), cb)
}

// OnColumns ensures table's columns are loaded, then calls cb on the loop.
// It returns true if the columns were already present and cb has run.
func (k *Kit) OnColumns(table *tapmeta.TableMeta, cb func()) bool {
	return k.ensure(columnsTask(table), cb)
}

// OnForeignKeys ensures table's foreign keys are loaded, then calls cb on
// the loop. It returns true if they were already present and cb has run.
func (k *Kit) OnForeignKeys(table *tapmeta.TableMeta, cb func()) bool {
	return k.ensure(foreignKeysTask(table), cb)
}

func (k *Kit) ensure(t *task, cb func()) bool {
	if t.hasData() {
		k.immediate.Add(1)
		cb()
		return true
	}

	k.mu.Lock()
	if cbs, ok := k.inflight[t.key]; ok {
		k.inflight[t.key] = append(cbs, cb)
		k.mu.Unlock()
		k.joined.Add(1)
		return false
	}
	k.inflight[t.key] = []func(){cb}
	k.mu.Unlock()

	k.submit(t)
	return false
}

func (k *Kit) submit(t *task) {
	k.workerOnce.Do(func() { go k.work() })

	evicted, dropped := k.stack.Push(t)
	if !dropped {
		return
	}

	k.mu.Lock()
	delete(k.inflight, evicted.key)
	k.mu.Unlock()
	k.evicted.Add(1)

	if evicted == t {
		k.logger.Info("Metadata read refused; kit is shut down", zap.String("node", t.label))
		return
	}
	k.logger.Info("Discarded stale metadata read",
		zap.String("node", evicted.label),
		zap.Int("queue_limit", k.config.QueueLimit))
}

func (k *Kit) work() {
	defer close(k.workerDone)
	for {
		t, err := k.stack.Pop(k.ctx)
		if err != nil {
			return
		}
		k.run(t)
	}
}

func (k *Kit) run(t *task) {
	if k.limiter != nil {
		if err := k.limiter.Wait(k.ctx); err != nil {
			return
		}
	}

	reader := k.metaReader(k.ctx)
	apply, err := t.fetch(k.ctx, reader)
	if err != nil && k.ctx.Err() != nil {
		return
	}
	if err != nil {
		k.failed.Add(1)
		k.logger.Warn("Metadata read failed; using empty result",
			zap.String("node", t.label),
			zap.String("source", reader.Source()),
			zap.Error(err))
		apply = t.empty
	} else {
		k.fetched.Add(1)
	}

	k.loop.Post(func() {
		apply()

		k.mu.Lock()
		cbs := k.inflight[t.key]
		delete(k.inflight, t.key)
		k.mu.Unlock()

		for _, cb := range cbs {
			cb()
		}
	})
}

// metaReader returns the shared reader, creating it on first use. If the
// service cannot supply one, every read fails with the cause.
func (k *Kit) metaReader(ctx context.Context) tapmeta.Reader {
	k.readerMu.Lock()
	defer k.readerMu.Unlock()
	if k.reader != nil {
		return k.reader
	}
	r, err := k.svc.MetaReader(ctx)
	if err != nil {
		k.logger.Warn("No metadata reader available", zap.Error(err))
		r = tapmeta.ErrorReader{Err: err}
	} else {
		k.logger.Debug("Metadata reader ready", zap.String("source", r.Source()))
	}
	k.reader = r
	return r
}

// reset forgets the shared reader and all in-flight requests. Callbacks
// of forgotten requests are never run.
func (k *Kit) reset() {
	k.readerMu.Lock()
	k.reader = nil
	k.readerMu.Unlock()

	k.mu.Lock()
	clear(k.inflight)
	k.mu.Unlock()
}

// Pending returns the number of node reads requested but not yet delivered.
func (k *Kit) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.inflight)
}

// Stats returns a snapshot of the Kit's counters.
func (k *Kit) Stats() Stats {
	return Stats{
		Fetched:   k.fetched.Load(),
		Failed:    k.failed.Load(),
		Evicted:   k.evicted.Load(),
		Joined:    k.joined.Load(),
		Immediate: k.immediate.Load(),
	}
}

// Shutdown stops the worker and waits for running acquisitions.
// Queued reads are discarded. In-progress reads are cancelled.
func (k *Kit) Shutdown(ctx context.Context) error {
	k.stack.Close()
	k.cancel()

	k.poolMu.Lock()
	k.poolClosed = true
	k.poolMu.Unlock()

	// Make sure a worker exists so workerDone is closed exactly once.
	k.workerOnce.Do(func() { close(k.workerDone) })

	done := make(chan struct{})
	go func() {
		_ = k.pool.Wait()
		<-k.workerDone
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrShutdown is reported to acquisitions requested after Shutdown.
var ErrShutdown = errors.New("kit is shut down")
