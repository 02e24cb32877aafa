package sqlite

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

func testSchema() *arrowbatch.Schema {
	return &arrowbatch.Schema{Columns: []arrowbatch.Column{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	}}
}

func makeBatch(t *testing.T, schema *arrowbatch.Schema, ids []int64, values []float64) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()
	idb := array.NewInt64Builder(pool)
	vb := array.NewFloat64Builder(pool)
	for i := range ids {
		idb.Append(ids[i])
		vb.Append(values[i])
	}
	idArr := idb.NewArray()
	vArr := vb.NewArray()
	defer idArr.Release()
	defer vArr.Release()
	return array.NewRecord(schema.Arrow(), []arrow.Array{idArr, vArr}, int64(len(ids)))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "accel.db")
	s, err := New(ctx, slog.Default(), path, "widgets")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func drainScan(t *testing.T, stream accel.RecordStream) [][]any {
	t.Helper()
	defer stream.Release()
	var out [][]any
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make([]any, rec.NumCols())
			for c := range row {
				row[c] = arrowbatch.ValueAt(rec.Column(c), r)
			}
			out = append(out, row)
		}
		rec.Release()
	}
	return out
}

func TestStore_AppendAndScan(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{}))

	ch := make(chan arrow.Record, 1)
	rec := makeBatch(t, schema, []int64{1, 2, 3}, []float64{10, 20, 30})
	ch <- rec
	close(ch)

	commit, err := s.AppendStream(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, int64(3), commit.Rows)
	rec.Release()

	stream, err := s.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	rows := drainScan(t, stream)
	require.Len(t, rows, 3)
}

func TestStore_UpsertByPrimaryKey(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{PrimaryKey: []string{"id"}}))

	ch := make(chan arrow.Record, 1)
	rec := makeBatch(t, schema, []int64{1, 2}, []float64{10, 20})
	ch <- rec
	close(ch)
	_, err := s.UpsertStream(ctx, ch, []string{"id"})
	require.NoError(t, err)
	rec.Release()

	ch2 := make(chan arrow.Record, 1)
	rec2 := makeBatch(t, schema, []int64{2, 3}, []float64{200, 30})
	ch2 <- rec2
	close(ch2)
	_, err = s.UpsertStream(ctx, ch2, []string{"id"})
	require.NoError(t, err)
	rec2.Release()

	stream, err := s.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	rows := drainScan(t, stream)
	require.Len(t, rows, 3)

	var sawUpdated bool
	for _, r := range rows {
		if r[0] == int64(2) {
			require.Equal(t, float64(200), r[1])
			sawUpdated = true
		}
	}
	require.True(t, sawUpdated)
}

func TestStore_Delete(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{}))

	ch := make(chan arrow.Record, 1)
	rec := makeBatch(t, schema, []int64{1, 2, 3}, []float64{10, 20, 30})
	ch <- rec
	close(ch)
	_, err := s.AppendStream(ctx, ch)
	require.NoError(t, err)
	rec.Release()

	deleted, err := s.Delete(ctx, accel.Predicate{Clauses: []accel.Clause{
		{Column: "id", Op: accel.OpLt, Value: int64(3)},
	}})
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	stream, err := s.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	rows := drainScan(t, stream)
	require.Len(t, rows, 1)
}

func TestStore_ReplaceAllSwapsContents(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{}))

	ch := make(chan arrow.Record, 1)
	rec := makeBatch(t, schema, []int64{1, 2}, []float64{10, 20})
	ch <- rec
	close(ch)
	_, err := s.AppendStream(ctx, ch)
	require.NoError(t, err)
	rec.Release()

	ch2 := make(chan arrow.Record, 1)
	rec2 := makeBatch(t, schema, []int64{9}, []float64{90})
	ch2 <- rec2
	close(ch2)
	commit, err := s.ReplaceAll(ctx, ch2)
	require.NoError(t, err)
	require.Equal(t, int64(1), commit.Rows)
	rec2.Release()

	stream, err := s.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	rows := drainScan(t, stream)
	require.Len(t, rows, 1)
	require.Equal(t, int64(9), rows[0][0])
}

func TestStore_SnapshotMax(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{}))

	ch := make(chan arrow.Record, 1)
	rec := makeBatch(t, schema, []int64{1, 5, 3}, []float64{10, 20, 30})
	ch <- rec
	close(ch)
	_, err := s.AppendStream(ctx, ch)
	require.NoError(t, err)
	rec.Release()

	max, ok, err := s.SnapshotMax(ctx, "id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), max)
}

func TestStore_OpenWidensExistingTable(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "accel.db")
	s1, err := New(ctx, slog.Default(), path, "widgets")
	require.NoError(t, err)
	require.NoError(t, s1.Open(ctx, testSchema(), accel.OpenOptions{}))
	require.NoError(t, s1.Close())

	s2, err := New(ctx, slog.Default(), path, "widgets")
	require.NoError(t, err)
	defer s2.Close()

	wider := &arrowbatch.Schema{Columns: append(append([]arrowbatch.Column{}, testSchema().Columns...),
		arrowbatch.Column{Name: "label", Type: arrow.BinaryTypes.String})}
	require.NoError(t, s2.Open(ctx, wider, accel.OpenOptions{}))

	stream, err := s2.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	defer stream.Release()
}
