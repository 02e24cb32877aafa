// Package runtime composes a parsed Spicepod document into a running
// engine: one Source Adapter per connection, one Acceleration Store per
// dataset, the Refresh Engine and Retention Sweeper bound to every
// dataset, and the HTTP server fronting all of it. It plays the same
// composition-root role the teacher's indexer.New does for its set of
// per-domain Views.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jonboulle/clockwork"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/config"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/refresh"
	"github.com/spiceai/spice/internal/retention"
	"github.com/spiceai/spice/internal/server"
	"github.com/spiceai/spice/internal/source"
)

// Config bundles the parsed Spicepod document with the process-level
// options that don't belong in the document (listen address override,
// version stamp, injected clock for tests).
type Config struct {
	Pod         *config.Spicepod
	Server      server.Config
	Clock       clockwork.Clock
	VersionInfo server.VersionInfo
}

// Runtime owns every long-lived component started from one Spicepod
// document.
type Runtime struct {
	log         *slog.Logger
	registry    *engine.Registry
	refresh     *refresh.Engine
	sweeper     *retention.Sweeper
	bindings    map[string]refresh.Binding
	srv         *server.Server
	parallelism int

	adapters []closer
	stores   []closer
}

type closer interface{ Close() error }

// New resolves every connection and dataset in cfg.Pod, opens each
// dataset's Acceleration Store, discovers its schema from its Source
// Adapter, registers it, starts its Retention Sweeper loop, and builds
// (but does not start) the Refresh Engine and HTTP server.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*Runtime, error) {
	pod := cfg.Pod
	cfg.Server.VersionInfo = cfg.VersionInfo

	rt := &Runtime{
		log:         log,
		registry:    engine.NewRegistry(log),
		refresh:     refresh.New(log, cfg.Clock),
		sweeper:     retention.New(log, cfg.Clock),
		bindings:    map[string]refresh.Binding{},
		parallelism: pod.Runtime.DatasetLoadParallelism,
	}

	adapters, err := buildAdapters(ctx, log, pod.Connections)
	if err != nil {
		return nil, err
	}
	for _, a := range adapters {
		if c, ok := a.(closer); ok {
			rt.adapters = append(rt.adapters, c)
		}
	}

	// Registry.Register requires a dataset's depends_on to already be
	// registered, so datasets are processed in topological order here
	// rather than raw YAML declaration order: a valid depends_on graph
	// must load regardless of the order its datasets appear in the pod.
	ordered, err := config.TopologicalOrder(pod.Datasets)
	if err != nil {
		return nil, err
	}
	for _, ds := range ordered {
		if err := rt.registerDataset(ctx, log, pod, adapters, ds); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", ds.Name, err)
		}
	}

	rt.refresh.OnComplete(func(dataset string, err error) {
		if rt.srv != nil {
			rt.srv.InvalidateCache(dataset)
		}
	})

	srv, err := server.New(log, cfg.Server, rt.registry, rt.refresh, rt.bindings, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}
	rt.srv = srv

	return rt, nil
}

func (rt *Runtime) registerDataset(ctx context.Context, log *slog.Logger, pod *config.Spicepod, adapters map[string]source.Adapter, ds config.DatasetSpec) error {
	if _, ok := pod.Connections[ds.Connection]; !ok {
		return fmt.Errorf("unknown connection %q", ds.Connection)
	}
	adapter, ok := adapters[ds.Connection]
	if !ok {
		return fmt.Errorf("no adapter built for connection %q", ds.Connection)
	}

	schema, err := adapter.Schema(ctx, ds.Table)
	if err != nil {
		return fmt.Errorf("discover schema: %w", err)
	}

	dataset, err := config.ResolveDataset(ds, *schema)
	if err != nil {
		return err
	}

	store, err := buildStore(ctx, log, pod.Connections, ds)
	if err != nil {
		return fmt.Errorf("build acceleration store: %w", err)
	}
	rt.stores = append(rt.stores, store)

	if err := store.Open(ctx, schema, accel.OpenOptions{
		PrimaryKey:          dataset.PrimaryKey,
		TimeColumn:          dataset.TimeColumn,
		TimePartitionColumn: dataset.TimePartitionColumn,
		OnConflict:          dataset.OnConflict,
		UnsupportedType:     dataset.UnsupportedTypeAction,
	}); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	h, err := rt.registry.Register(dataset)
	if err != nil {
		return err
	}

	binding := refresh.Binding{Store: store, Adapter: adapter}
	rt.refresh.Bind(dataset.Name, binding)
	rt.bindings[dataset.Name] = binding
	rt.sweeper.Start(ctx, h, store)
	return nil
}

// Start launches every dataset's initial refresh bounded to
// runtime.dataset_load_parallelism concurrent loads, then their ongoing
// ticking loops, then runs the HTTP server until ctx is canceled.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.refresh.StartAll(ctx, rt.registry.All(), rt.parallelism)
	return rt.srv.Run(ctx)
}

// RefreshDataset runs a single blocking refresh of name and returns its
// error, for one-shot CLI use outside of the ticking loop Start drives.
func (rt *Runtime) RefreshDataset(ctx context.Context, name string) error {
	h, ok := rt.registry.Get(name)
	if !ok {
		return fmt.Errorf("dataset %q not registered", name)
	}
	return rt.refresh.RefreshNow(ctx, h)
}

// Datasets returns every registered dataset's handle, for CLI status
// reporting and one-shot query dispatch.
func (rt *Runtime) Datasets() []*engine.Handle {
	return rt.registry.All()
}

// Scan reads every row currently in name's Acceleration Store, bypassing
// the Results Cache and Federation Arbiter entirely — a direct read of
// what the accelerated replica holds right now, for one-shot CLI queries.
func (rt *Runtime) Scan(ctx context.Context, name string) ([]arrow.Record, error) {
	b, ok := rt.bindings[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q not registered", name)
	}
	stream, err := b.Store.Scan(ctx, nil, accel.Predicate{}, 0)
	if err != nil {
		return nil, err
	}
	defer stream.Release()

	var out []arrow.Record
	for {
		rec, err := stream.Next()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases every Source Adapter and Acceleration Store, in the
// reverse of acquisition order the teacher's resource-cleanup helpers use.
func (rt *Runtime) Close() error {
	var firstErr error
	for i := len(rt.stores) - 1; i >= 0; i-- {
		if err := rt.stores[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(rt.adapters) - 1; i >= 0; i-- {
		if err := rt.adapters[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
