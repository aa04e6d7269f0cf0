package tapkit

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gotap/pkg/auth"
	"github.com/3leaps/gotap/pkg/tapmeta"
)

// ResultHandler receives the outcome of a one-shot acquisition.
// All methods are called on the presentation loop, except that IsActive
// and ShowWaiting run on the caller's goroutine at request time.
type ResultHandler[T any] interface {
	// IsActive reports whether the result is still wanted.
	IsActive() bool
	ShowWaiting()
	ShowResult(v T)
	ShowError(err error)
}

// HandlerFuncs adapts plain functions to ResultHandler. Nil fields are
// skipped; a nil Active means always active.
type HandlerFuncs[T any] struct {
	Active  func() bool
	Waiting func()
	Result  func(T)
	Error   func(error)
}

func (h HandlerFuncs[T]) IsActive() bool {
	return h.Active == nil || h.Active()
}

func (h HandlerFuncs[T]) ShowWaiting() {
	if h.Waiting != nil {
		h.Waiting()
	}
}

func (h HandlerFuncs[T]) ShowResult(v T) {
	if h.Result != nil {
		h.Result(v)
	}
}

func (h HandlerFuncs[T]) ShowError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// AcquireSchemas reads the schema list.
func (k *Kit) AcquireSchemas(h ResultHandler[[]*tapmeta.SchemaMeta]) {
	acquire(k, h, func(ctx context.Context) ([]*tapmeta.SchemaMeta, error) {
		return k.metaReader(ctx).ReadSchemas(ctx)
	})
}

// AcquireCapability reads the service capabilities.
func (k *Kit) AcquireCapability(h ResultHandler[*tapmeta.Capability]) {
	acquire(k, h, k.svc.Capability)
}

// AcquireResource reads the service's registry record.
func (k *Kit) AcquireResource(h ResultHandler[*tapmeta.Resource]) {
	acquire(k, h, k.svc.Resource)
}

// AcquireAuthStatus reads the caller's authentication status.
//
// Credentials may change as a result, so the shared metadata reader and
// every in-flight node read are forgotten first.
func (k *Kit) AcquireAuthStatus(h ResultHandler[auth.Status], forceLogin bool) {
	k.reset()

	logged := HandlerFuncs[auth.Status]{
		Active:  h.IsActive,
		Waiting: h.ShowWaiting,
		Result: func(st auth.Status) {
			k.logger.Info("Authentication status",
				zap.Bool("authenticated", st.Authenticated),
				zap.String("identity", st.Identity),
				zap.String("method", st.Method))
			h.ShowResult(st)
		},
		Error: func(err error) {
			k.logger.Warn("Failed to acquire authentication status", zap.Error(err))
			h.ShowError(err)
		},
	}
	acquire(k, ResultHandler[auth.Status](logged), func(ctx context.Context) (auth.Status, error) {
		return k.svc.AuthStatus(ctx, forceLogin)
	})
}

// acquire runs supply on the acquisition pool and reports the outcome on
// the loop if h is still active.
func acquire[T any](k *Kit, h ResultHandler[T], supply func(context.Context) (T, error)) {
	if !h.IsActive() {
		return
	}
	h.ShowWaiting()

	report := func(v T, err error) {
		k.loop.Post(func() {
			if !h.IsActive() {
				return
			}
			if err != nil {
				h.ShowError(err)
				return
			}
			h.ShowResult(v)
		})
	}

	k.poolMu.Lock()
	defer k.poolMu.Unlock()
	if k.poolClosed {
		var zero T
		report(zero, ErrShutdown)
		return
	}

	k.pool.Go(func() error {
		select {
		case k.sem <- struct{}{}:
		case <-k.ctx.Done():
			var zero T
			report(zero, ErrShutdown)
			return nil
		}
		defer func() { <-k.sem }()

		v, err := supply(k.ctx)
		report(v, err)
		return nil
	})
}
