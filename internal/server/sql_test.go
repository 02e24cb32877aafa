package server

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/spiceai/spice/internal/accel"
	accelmem "github.com/spiceai/spice/internal/accel/memory"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/enginetest"
	"github.com/spiceai/spice/internal/federation"
	"github.com/spiceai/spice/internal/refresh"
)

// TestFetch_ZeroResultsFallsBackToSource is spec scenario S3: a dataset
// configured on_zero_results=use_source re-issues against the Source
// Adapter when the accelerated table has nothing matching, rather than
// returning the empty accelerated result.
func TestFetch_ZeroResultsFallsBackToSource(t *testing.T) {
	t.Parallel()
	schema := enginetest.Schema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{}))

	rec := enginetest.Record(schema, []int64{1}, []float64{9})
	defer rec.Release()
	adapter := &enginetest.Adapter{Records: []arrow.Record{rec}}

	ds := &engine.Dataset{Name: "widgets", Schema: *schema, OnZeroResults: engine.ZeroResultsUseSource}
	h := engine.NewHandle(ds)

	s := &Server{bindings: map[string]refresh.Binding{"widgets": {Store: store, Adapter: adapter}}}

	out, err := s.fetch(t.Context(), "widgets", h, federation.DecisionAccelerated)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

// TestFetch_ZeroResultsReturnEmptyStaysEmpty is the default-policy
// counterpart: without on_zero_results=use_source, an empty accelerated
// scan stays empty rather than silently falling back to the source.
func TestFetch_ZeroResultsReturnEmptyStaysEmpty(t *testing.T) {
	t.Parallel()
	schema := enginetest.Schema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{}))

	rec := enginetest.Record(schema, []int64{1}, []float64{9})
	defer rec.Release()
	adapter := &enginetest.Adapter{Records: []arrow.Record{rec}}

	ds := &engine.Dataset{Name: "widgets", Schema: *schema, OnZeroResults: engine.ZeroResultsReturnEmpty}
	h := engine.NewHandle(ds)

	s := &Server{bindings: map[string]refresh.Binding{"widgets": {Store: store, Adapter: adapter}}}

	out, err := s.fetch(t.Context(), "widgets", h, federation.DecisionAccelerated)
	require.NoError(t, err)
	require.Len(t, out, 0)
}

// TestFetch_LiveSourceFallbackBeforeFirstRefresh covers the
// on_registration readiness mode: a dataset visible before its first
// refresh lands is served straight from the Source Adapter instead of
// scanning an empty accelerated store.
func TestFetch_LiveSourceFallbackBeforeFirstRefresh(t *testing.T) {
	t.Parallel()
	schema := enginetest.Schema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{}))

	rec := enginetest.Record(schema, []int64{1, 2}, []float64{1, 2})
	defer rec.Release()
	adapter := &enginetest.Adapter{Records: []arrow.Record{rec}}

	ds := &engine.Dataset{Name: "widgets", Schema: *schema, ReadyState: engine.ReadyOnRegistration}
	h := engine.NewHandle(ds)
	require.Equal(t, engine.StateRegistered, h.State())

	s := &Server{bindings: map[string]refresh.Binding{"widgets": {Store: store, Adapter: adapter}}}

	out, err := s.fetch(t.Context(), "widgets", h, federation.DecisionAccelerated)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, int64(2), out[0].NumRows())
}

func TestCapabilityFor_AcceleratedReadyOnlyOnceReadyOrRefreshing(t *testing.T) {
	t.Parallel()
	schema := enginetest.Schema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{}))

	ds := &engine.Dataset{Name: "widgets", Schema: *schema}
	h := engine.NewHandle(ds)

	s := &Server{bindings: map[string]refresh.Binding{"widgets": {Store: store, Adapter: &enginetest.Adapter{}}}}

	require.False(t, s.capabilityFor("widgets", h).AcceleratedReady)

	h.Transition(engine.StateReady, true, nil)
	require.True(t, s.capabilityFor("widgets", h).AcceleratedReady)

	h.Transition(engine.StateRefreshing, false, nil)
	require.True(t, s.capabilityFor("widgets", h).AcceleratedReady)

	h.Transition(engine.StateFailed, false, nil)
	require.False(t, s.capabilityFor("widgets", h).AcceleratedReady)
}
