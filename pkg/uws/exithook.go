package uws

import (
	"context"
	"sync"
)

// ExitHooks is a registry of best-effort cleanup functions run at process
// exit. The CLI runs DefaultExitHooks on normal exit and on interrupt.
type ExitHooks struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func(context.Context)
}

// DefaultExitHooks is the process-wide registry.
var DefaultExitHooks = &ExitHooks{}

// Register adds fn and returns a function that removes it.
func (h *ExitHooks) Register(fn func(context.Context)) (unregister func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hooks == nil {
		h.hooks = make(map[int]func(context.Context))
	}
	id := h.next
	h.next++
	h.hooks[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.hooks, id)
	}
}

// Len returns the number of registered hooks.
func (h *ExitHooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run calls every registered hook concurrently, waits for them, and
// clears the registry.
func (h *ExitHooks) Run(ctx context.Context) {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, fn := range hooks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	wg.Wait()
}

// RunExitHooks runs DefaultExitHooks.
func RunExitHooks(ctx context.Context) {
	DefaultExitHooks.Run(ctx)
}
