package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/config"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/enginetest"
	"github.com/spiceai/spice/internal/refresh"
	"github.com/spiceai/spice/internal/retention"
	"github.com/spiceai/spice/internal/source"
)

// newBareRuntime builds a Runtime with its scheduling components but no
// HTTP server, for tests that exercise registerDataset/RefreshDataset/Scan
// directly without going through New's connection/store wiring.
func newBareRuntime(log *slog.Logger) *Runtime {
	return &Runtime{
		log:      log,
		registry: engine.NewRegistry(log),
		refresh:  refresh.New(log, nil),
		sweeper:  retention.New(log, nil),
		bindings: map[string]refresh.Binding{},
	}
}

// schemaAdapter wraps enginetest.Adapter to additionally answer Schema,
// which enginetest.Adapter deliberately leaves nil since its existing
// callers never invoke it — registerDataset always does.
type schemaAdapter struct {
	*enginetest.Adapter
	schema *arrowbatch.Schema
}

func (a *schemaAdapter) Schema(ctx context.Context, table string) (*arrowbatch.Schema, error) {
	return a.schema, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRegisterDataset_MemoryStoreEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	log := testLogger()

	schema := enginetest.Schema()
	rec := enginetest.Record(schema, []int64{1, 2, 3}, []float64{10, 20, 30})
	defer rec.Release()

	adapter := &schemaAdapter{
		Adapter: &enginetest.Adapter{AdapterName: "fake", Records: []arrow.Record{rec}},
		schema:  schema,
	}

	pod := &config.Spicepod{
		Name:        "test",
		Connections: map[string]config.Connection{"src": {Driver: "fake"}},
		Datasets: []config.DatasetSpec{
			{Name: "events", Connection: "src", Table: "events"},
		},
	}

	rt := newBareRuntime(log)
	adapters := map[string]source.Adapter{"src": adapter}

	err := rt.registerDataset(ctx, log, pod, adapters, pod.Datasets[0])
	require.NoError(t, err)

	h, ok := rt.registry.Get("events")
	require.True(t, ok)
	require.Equal(t, "events", h.Dataset.Name)

	require.NoError(t, rt.RefreshDataset(ctx, "events"))
	require.True(t, h.Ready())
	require.Equal(t, uint64(1), h.Epoch())

	rows, err := rt.Scan(ctx, "events")
	require.NoError(t, err)
	var total int64
	for _, r := range rows {
		total += r.NumRows()
		r.Release()
	}
	require.Equal(t, int64(3), total)

	require.NoError(t, rt.Close())
}

func TestTopologicalOrder_RegistersDependenciesBeforeDependents(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	log := testLogger()

	schema := enginetest.Schema()
	rec := enginetest.Record(schema, []int64{1}, []float64{1})
	defer rec.Release()

	adapter := &schemaAdapter{
		Adapter: &enginetest.Adapter{AdapterName: "fake", Records: []arrow.Record{rec}},
		schema:  schema,
	}

	// Declared out of dependency order: "derived" depends on "base" but
	// appears first in the YAML. Registry.Register would reject this if
	// registerDataset were called in raw declaration order.
	pod := &config.Spicepod{
		Name:        "test",
		Connections: map[string]config.Connection{"src": {Driver: "fake"}},
		Datasets: []config.DatasetSpec{
			{Name: "derived", Connection: "src", Table: "derived", DependsOn: []string{"base"}},
			{Name: "base", Connection: "src", Table: "base"},
		},
	}

	ordered, err := config.TopologicalOrder(pod.Datasets)
	require.NoError(t, err)
	require.Equal(t, []string{"base", "derived"}, []string{ordered[0].Name, ordered[1].Name})

	rt := newBareRuntime(log)
	adapters := map[string]source.Adapter{"src": adapter}
	for _, ds := range ordered {
		require.NoError(t, rt.registerDataset(ctx, log, pod, adapters, ds))
	}

	_, ok := rt.registry.Get("derived")
	require.True(t, ok)
	require.NoError(t, rt.Close())
}

func TestRegisterDataset_UnknownConnectionFails(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	log := testLogger()

	pod := &config.Spicepod{
		Name:        "test",
		Connections: map[string]config.Connection{},
		Datasets:    []config.DatasetSpec{{Name: "events", Connection: "missing"}},
	}

	rt := newBareRuntime(log)
	err := rt.registerDataset(ctx, log, pod, map[string]source.Adapter{}, pod.Datasets[0])
	require.Error(t, err)
}
