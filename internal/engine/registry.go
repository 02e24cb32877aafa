package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Refresher is implemented by internal/refresh.Engine; the dependency
// points this direction (engine -> refresher interface) so internal/engine
// never imports internal/refresh, avoiding an import cycle since refresh
// needs *Handle.
type Refresher interface {
	Start(ctx context.Context, h *Handle)
	TriggerRefresh(name string)
}

// Registry composes every configured dataset's Handle, mirroring the
// indexer's top-level composition of named Views: Ready() aggregates
// across every handle and Start launches each one's refresh loop.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
	order   []string // registration order, for deterministic startup
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{log: log, handles: map[string]*Handle{}}
}

// Register adds a dataset to the registry. DependsOn datasets must already
// be registered, enforcing the startup ordering invariant in spec.md §5.
func (r *Registry) Register(ds *Dataset) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[ds.Name]; exists {
		return nil, fmt.Errorf("dataset %q already registered", ds.Name)
	}
	for _, dep := range ds.DependsOn {
		if _, ok := r.handles[dep]; !ok {
			return nil, fmt.Errorf("dataset %q depends on unregistered dataset %q", ds.Name, dep)
		}
	}
	h := NewHandle(ds)
	r.handles[ds.Name] = h
	r.order = append(r.order, ds.Name)
	return h, nil
}

func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handles[name])
	}
	return out
}

// Ready reports whether every dataset's ReadyState contract is currently
// satisfied.
func (r *Registry) Ready() bool {
	for _, h := range r.All() {
		if !h.Ready() {
			return false
		}
	}
	return true
}

// Start launches every dataset's refresh loop under refresher, in
// registration order so a dependency's loop starts before its dependents'.
func (r *Registry) Start(ctx context.Context, refresher Refresher) {
	for _, h := range r.All() {
		r.log.Info("starting dataset refresh loop", "dataset", h.Dataset.Name)
		refresher.Start(ctx, h)
	}
}
