package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/locai/pkg/types"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for hook failures.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDefaultTimeout replaces DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithAsync makes created, accessed and updated dispatch return at once,
// running the hooks on a tracked goroutine. Delete guards are always
// synchronous.
func WithAsync(async bool) Option {
	return func(r *Registry) { r.async = async }
}

// Registry holds hooks ordered by priority (desc) then name. Dispatch
// snapshots the list and runs hooks outside the lock, so a hook may
// register or unregister others.
type Registry struct {
	mu             sync.RWMutex
	hooks          []Hook
	logger         *log.Logger
	defaultTimeout time.Duration
	async          bool
	inflight       sync.WaitGroup
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{logger: log.Default(), defaultTimeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "hooks")
	return r
}

// Register adds h. Names are unique.
func (r *Registry) Register(h Hook) error {
	if h == nil || h.Name() == "" {
		return types.NewError(types.KindValidation, "hook name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.hooks {
		if existing.Name() == h.Name() {
			return types.Errorf(types.KindAlreadyExists, "hook %s", h.Name())
		}
	}
	r.hooks = append(r.hooks, h)
	sort.SliceStable(r.hooks, func(i, j int) bool {
		if r.hooks[i].Priority() != r.hooks[j].Priority() {
			return r.hooks[i].Priority() > r.hooks[j].Priority()
		}
		return r.hooks[i].Name() < r.hooks[j].Name()
	})
	return nil
}

// Unregister removes the hook named name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.hooks {
		if h.Name() == name {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// List returns hook names in dispatch order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.hooks))
	for i, h := range r.hooks {
		names[i] = h.Name()
	}
	return names
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Clear removes every hook.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = nil
}

func (r *Registry) snapshot() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Hook(nil), r.hooks...)
}

// invoke runs fn under h's timeout. It reports false when the hook timed
// out or panicked; both are logged.
func (r *Registry) invoke(ctx context.Context, h Hook, event EventType, fn func(ctx context.Context) Result) (Result, bool) {
	timeout := h.Timeout()
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	failed := make(chan any, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				failed <- p
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case res := <-done:
		return res, true
	case p := <-failed:
		r.logger.Warn("hook panicked", "hook", h.Name(), "event", event, "panic", fmt.Sprint(p))
	case <-ctx.Done():
		r.logger.Warn("hook timed out", "hook", h.Name(), "event", event, "timeout", timeout)
	}
	return Result{}, false
}

func (r *Registry) run(ctx context.Context, fn func(ctx context.Context)) {
	if !r.async {
		fn(ctx)
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// DispatchCreated notifies every CreatedHook.
func (r *Registry) DispatchCreated(ctx context.Context, m *types.Memory) {
	hooks := r.snapshot()
	r.run(ctx, func(ctx context.Context) {
		for _, h := range hooks {
			if ch, ok := h.(CreatedHook); ok {
				r.invoke(ctx, h, EventCreated, func(ctx context.Context) Result { return ch.OnMemoryCreated(ctx, m) })
			}
		}
	})
}

// DispatchAccessed notifies every AccessedHook.
func (r *Registry) DispatchAccessed(ctx context.Context, m *types.Memory) {
	hooks := r.snapshot()
	r.run(ctx, func(ctx context.Context) {
		for _, h := range hooks {
			if ah, ok := h.(AccessedHook); ok {
				r.invoke(ctx, h, EventAccessed, func(ctx context.Context) Result { return ah.OnMemoryAccessed(ctx, m) })
			}
		}
	})
}

// DispatchUpdated notifies every UpdatedHook.
func (r *Registry) DispatchUpdated(ctx context.Context, previous, current *types.Memory) {
	hooks := r.snapshot()
	r.run(ctx, func(ctx context.Context) {
		for _, h := range hooks {
			if uh, ok := h.(UpdatedHook); ok {
				r.invoke(ctx, h, EventUpdated, func(ctx context.Context) Result { return uh.OnMemoryUpdated(ctx, previous, current) })
			}
		}
	})
}

// DispatchBeforeDelete asks every DeleteHook in order. The first veto stops
// dispatch and is returned as an Operation error. A guard that times out
// or panics does not block the delete.
func (r *Registry) DispatchBeforeDelete(ctx context.Context, m *types.Memory) error {
	for _, h := range r.snapshot() {
		dh, ok := h.(DeleteHook)
		if !ok {
			continue
		}
		res, ok := r.invoke(ctx, h, EventDeleting, func(ctx context.Context) Result { return dh.BeforeMemoryDeleted(ctx, m) })
		if ok && res.Vetoed {
			r.logger.Info("delete vetoed", "hook", h.Name(), "memory_id", m.ID, "reason", res.Reason)
			return types.Errorf(types.KindOperation, "vetoed: %s", res.Reason)
		}
	}
	return nil
}

// Wait blocks until asynchronous dispatches finish or timeout passes. It
// reports whether everything drained.
func (r *Registry) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		r.logger.Warn("hooks still running at shutdown", "waited", timeout)
		return false
	}
}
