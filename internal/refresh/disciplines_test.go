package refresh

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/spiceai/spice/internal/accel"
	accelmem "github.com/spiceai/spice/internal/accel/memory"
	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/enginetest"
	"github.com/spiceai/spice/internal/logger"
	"github.com/spiceai/spice/internal/source"
)

// captureAdapter is a fakeAdapter that additionally remembers the
// ScanOptions it was last called with, so append-discipline tests can
// assert on the watermark/partition predicates runAppend sends.
type captureAdapter struct {
	records  []arrow.Record
	err      error
	lastOpts source.ScanOptions
}

func (a *captureAdapter) Name() string { return "capture" }

func (a *captureAdapter) Schema(ctx context.Context, table string) (*arrowbatch.Schema, error) {
	return nil, nil
}

func (a *captureAdapter) Scan(ctx context.Context, opts source.ScanOptions) (<-chan arrow.Record, <-chan error) {
	a.lastOpts = opts
	recCh := make(chan arrow.Record, len(a.records))
	errCh := make(chan error, 1)
	for _, r := range a.records {
		r.Retain()
		recCh <- r
	}
	close(recCh)
	errCh <- a.err
	close(errCh)
	return recCh, errCh
}

func appendSchema() *arrowbatch.Schema {
	return &arrowbatch.Schema{Columns: []arrowbatch.Column{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "val", Type: arrow.PrimitiveTypes.Float64},
	}}
}

func buildRows(t *testing.T, schema *arrowbatch.Schema, ids, tss []int64, vals []float64) arrow.Record {
	t.Helper()
	rows := make([][]any, len(ids))
	for i := range ids {
		rows[i] = []any{ids[i], tss[i], vals[i]}
	}
	rec, err := arrowbatch.BuildRecord(schema, rows)
	require.NoError(t, err)
	return rec
}

func oneRecordChan(rec arrow.Record) chan arrow.Record {
	ch := make(chan arrow.Record, 1)
	ch <- rec
	close(ch)
	return ch
}

// TestEngine_RunAppend_OverlapUpsert is spec scenario S2: overlap re-fetches
// the high watermark row and upserts it instead of duplicating it, and the
// watermark sent to the source is the high watermark minus the overlap.
func TestEngine_RunAppend_OverlapUpsert(t *testing.T) {
	t.Parallel()
	log := logger.New(logger.Options{})
	eng := New(log, clockwork.NewFakeClock())

	schema := appendSchema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{
		PrimaryKey: []string{"id"},
		OnConflict: map[string]accel.ConflictAction{"id": accel.ConflictUpsert},
	}))

	seed := buildRows(t, schema, []int64{1, 2}, []int64{100, 200}, []float64{1, 1})
	_, err := store.UpsertStream(t.Context(), oneRecordChan(seed), []string{"id"})
	require.NoError(t, err)
	seed.Release()

	sourceRec := buildRows(t, schema, []int64{2, 3}, []int64{200, 300}, []float64{2, 3})
	adapter := &captureAdapter{records: []arrow.Record{sourceRec}}
	defer sourceRec.Release()

	ds := &engine.Dataset{Name: "orders", Schema: *schema, TimeColumn: "ts", PrimaryKey: []string{"id"}}
	h := engine.NewHandle(ds)
	b := Binding{Store: store, Adapter: adapter}

	rows, err := eng.runAppend(t.Context(), h, b, engine.AppendRefresh{Overlap: "1m"})
	require.NoError(t, err)
	require.Equal(t, int64(2), rows)

	require.NotNil(t, adapter.lastOpts.Since)
	require.Equal(t, int64(200)-time.Minute.Nanoseconds(), adapter.lastOpts.Since.(int64))

	stream, err := store.Scan(t.Context(), nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	defer stream.Release()

	got := map[int64]float64{}
	for {
		rec, serr := stream.Next()
		if serr != nil {
			break
		}
		for r := 0; r < int(rec.NumRows()); r++ {
			id := arrowbatch.ValueAt(rec.Column(0), r).(int64)
			val := arrowbatch.ValueAt(rec.Column(2), r).(float64)
			got[id] = val
		}
		rec.Release()
	}
	require.Equal(t, map[int64]float64{1: 1, 2: 2, 3: 3}, got, "id=2 must be the last value seen, not duplicated")
}

// TestEngine_RunAppend_OverlapWithoutPrimaryKeyRejected covers the open
// question resolved in SPEC_FULL.md: refresh_append_overlap without a
// primary key has no way to resolve the re-fetched duplicates, so it's a
// configuration error rather than silently accepted.
func TestEngine_RunAppend_OverlapWithoutPrimaryKeyRejected(t *testing.T) {
	t.Parallel()
	log := logger.New(logger.Options{})
	eng := New(log, clockwork.NewFakeClock())

	schema := appendSchema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{}))

	adapter := &captureAdapter{}
	ds := &engine.Dataset{Name: "orders", Schema: *schema, TimeColumn: "ts"}
	h := engine.NewHandle(ds)
	b := Binding{Store: store, Adapter: adapter}

	_, err := eng.runAppend(t.Context(), h, b, engine.AppendRefresh{Overlap: "1m"})
	require.ErrorContains(t, err, "requires a primary key")
}

// TestEngine_RunAppend_PartitionPruning is spec scenario S6: when a
// time_partition_column is configured, runAppend sends both the coarse
// partition predicate and the logical time-column predicate together.
func TestEngine_RunAppend_PartitionPruning(t *testing.T) {
	t.Parallel()
	log := logger.New(logger.Options{})
	eng := New(log, clockwork.NewFakeClock())

	schema := appendSchema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{}))

	seed := buildRows(t, schema, []int64{1}, []int64{500}, []float64{1})
	_, err := store.AppendStream(t.Context(), oneRecordChan(seed))
	require.NoError(t, err)
	seed.Release()

	adapter := &captureAdapter{}
	ds := &engine.Dataset{
		Name:                "orders",
		Schema:              *schema,
		TimeColumn:          "ts",
		TimePartitionColumn: "date_col",
		TimePartitionFormat: "date",
	}
	h := engine.NewHandle(ds)
	b := Binding{Store: store, Adapter: adapter}

	_, err = eng.runAppend(t.Context(), h, b, engine.AppendRefresh{})
	require.NoError(t, err)

	require.Equal(t, "date_col", adapter.lastOpts.PartitionColumn)
	require.NotNil(t, adapter.lastOpts.PartitionSince)
	require.Equal(t, int64(500), adapter.lastOpts.Since.(int64))
}

// TestTruncateToPartition_DateFormatCoarsensToMidnight exercises the
// watermark coarsening truncateToPartition applies before it's sent as
// the partition predicate (S6): a "date" format partition column is
// compared against midnight of the time column's day, not its exact time.
func TestTruncateToPartition_DateFormatCoarsensToMidnight(t *testing.T) {
	t.Parallel()
	in := time.Date(2024, 2, 4, 10, 0, 0, 0, time.UTC)
	want := time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC)
	require.Equal(t, want, truncateToPartition(in, "date"))
}

func TestTruncateToPartition_NonDateFormatPassesThrough(t *testing.T) {
	t.Parallel()
	in := time.Date(2024, 2, 4, 10, 0, 0, 0, time.UTC)
	require.Equal(t, in, truncateToPartition(in, ""))
}

func TestTruncateToPartition_NonTimeValuePassesThrough(t *testing.T) {
	t.Parallel()
	require.Equal(t, int64(500), truncateToPartition(int64(500), "date"))
}

func TestSubtractOverlap(t *testing.T) {
	t.Parallel()

	t.Run("no overlap configured returns max unchanged", func(t *testing.T) {
		require.Equal(t, int64(100), subtractOverlap(int64(100), ""))
	})

	t.Run("int64 watermark", func(t *testing.T) {
		got := subtractOverlap(int64(100), "1m")
		require.Equal(t, int64(100)-time.Minute.Nanoseconds(), got)
	})

	t.Run("time.Time watermark", func(t *testing.T) {
		base := time.Date(2024, 2, 4, 10, 0, 0, 0, time.UTC)
		got := subtractOverlap(base, "1m")
		require.Equal(t, base.Add(-time.Minute), got)
	})

	t.Run("arrow.Timestamp watermark (microseconds)", func(t *testing.T) {
		got := subtractOverlap(arrow.Timestamp(1_000_000), "1s")
		require.Equal(t, arrow.Timestamp(0), got)
	})

	t.Run("unparseable overlap returns max unchanged", func(t *testing.T) {
		require.Equal(t, int64(100), subtractOverlap(int64(100), "not-a-duration"))
	})
}

// TestEngine_RunChanges_ReplaysInOrder is spec property #4 (changes
// replay): applying insert, update, then delete in sequence order leaves
// the store empty, matching what replaying the full ordered stream from
// empty would produce.
func TestEngine_RunChanges_ReplaysInOrder(t *testing.T) {
	t.Parallel()
	log := logger.New(logger.Options{})
	eng := New(log, clockwork.NewFakeClock())

	schema := appendSchema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{PrimaryKey: []string{"id"}}))

	inserted := buildRows(t, schema, []int64{1}, []int64{100}, []float64{1})
	updated := buildRows(t, schema, []int64{1}, []int64{100}, []float64{2})
	defer inserted.Release()
	defer updated.Release()

	adapter := &enginetest.Adapter{ChangesFn: func(ctx context.Context, table string, since any) (<-chan source.ChangeEvent, <-chan error) {
		evCh := make(chan source.ChangeEvent, 3)
		evCh <- source.ChangeEvent{Op: source.ChangeInsert, After: inserted, Seq: 1}
		evCh <- source.ChangeEvent{Op: source.ChangeUpdate, After: updated, Seq: 2}
		evCh <- source.ChangeEvent{Op: source.ChangeDelete, Key: []any{int64(1)}, Seq: 3}
		close(evCh)
		errCh := make(chan error, 1)
		errCh <- nil
		close(errCh)
		return evCh, errCh
	}}

	ds := &engine.Dataset{Name: "orders", Schema: *schema, PrimaryKey: []string{"id"}}
	h := engine.NewHandle(ds)
	b := Binding{Store: store, Adapter: adapter}

	rows, err := eng.runChanges(t.Context(), h, b, engine.ChangesRefresh{ChangeColumn: "id"})
	require.NoError(t, err)
	require.Equal(t, int64(3), rows)

	stream, err := store.Scan(t.Context(), nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	defer stream.Release()
	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

// TestEngine_RunChanges_OutOfOrderSeqIsFatal covers the protocol-violation
// rejection: a change stream that delivers a lower sequence number after a
// higher one cannot be applied safely and is treated as fatal to the
// refresh rather than silently reordered.
func TestEngine_RunChanges_OutOfOrderSeqIsFatal(t *testing.T) {
	t.Parallel()
	log := logger.New(logger.Options{})
	eng := New(log, clockwork.NewFakeClock())

	schema := appendSchema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{PrimaryKey: []string{"id"}}))

	rec := buildRows(t, schema, []int64{1}, []int64{100}, []float64{1})
	defer rec.Release()

	adapter := &enginetest.Adapter{ChangesFn: func(ctx context.Context, table string, since any) (<-chan source.ChangeEvent, <-chan error) {
		evCh := make(chan source.ChangeEvent, 2)
		evCh <- source.ChangeEvent{Op: source.ChangeInsert, After: rec, Seq: 5}
		evCh <- source.ChangeEvent{Op: source.ChangeInsert, After: rec, Seq: 4}
		close(evCh)
		errCh := make(chan error, 1)
		errCh <- nil
		close(errCh)
		return evCh, errCh
	}}

	ds := &engine.Dataset{Name: "orders", Schema: *schema, PrimaryKey: []string{"id"}}
	h := engine.NewHandle(ds)
	b := Binding{Store: store, Adapter: adapter}

	_, err := eng.runChanges(t.Context(), h, b, engine.ChangesRefresh{ChangeColumn: "id"})
	require.ErrorContains(t, err, "out of order")
}

// TestEngine_RunChanges_RequiresChangeAdapter covers the configuration
// error path: refresh.mode=changes against an Adapter that doesn't
// implement ChangeAdapter has no way to express row deletes.
func TestEngine_RunChanges_RequiresChangeAdapter(t *testing.T) {
	t.Parallel()
	log := logger.New(logger.Options{})
	eng := New(log, clockwork.NewFakeClock())

	schema := appendSchema()
	store := accelmem.New()
	require.NoError(t, store.Open(t.Context(), schema, accel.OpenOptions{PrimaryKey: []string{"id"}}))

	adapter := &captureAdapter{}
	ds := &engine.Dataset{Name: "orders", Schema: *schema, PrimaryKey: []string{"id"}}
	h := engine.NewHandle(ds)
	b := Binding{Store: store, Adapter: adapter}

	_, err := eng.runChanges(t.Context(), h, b, engine.ChangesRefresh{ChangeColumn: "id"})
	require.ErrorContains(t, err, "ChangeAdapter")
}
