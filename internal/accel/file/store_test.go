package file

import (
	"io"
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

func drainScan(t *testing.T, stream accel.RecordStream) [][]any {
	t.Helper()
	var out [][]any
	defer stream.Release()
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make([]any, rec.NumCols())
			for c := 0; c < int(rec.NumCols()); c++ {
				row[c] = arrowbatch.ValueAt(rec.Column(c), r)
			}
			out = append(out, row)
		}
		rec.Release()
	}
	return out
}

func TestStore_AppendAndScan(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := New(t.TempDir())
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

func TestStore_AppendAcrossMultipleSegments(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := New(t.TempDir())
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{}))

	for _, batch := range [][2][]int64{{{1, 2}, {}}, {{3}, {}}} {
		ch := make(chan arrow.Record, 1)
		ids := batch[0]
		values := make([]float64, len(ids))
		for i := range ids {
			values[i] = float64(ids[i] * 10)
		}
		rec := makeBatch(t, schema, ids, values)
		ch <- rec
		close(ch)
		_, err := s.AppendStream(ctx, ch)
		require.NoError(t, err)
		rec.Release()
	}

	stream, err := s.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	rows := drainScan(t, stream)
	require.Len(t, rows, 3, "rows from both segment files should be visible")
}

func TestStore_UpsertByPrimaryKeyCompacts(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := New(t.TempDir())
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{PrimaryKey: []string{"id"}}))

	ch1 := make(chan arrow.Record, 1)
	rec1 := makeBatch(t, schema, []int64{1, 2}, []float64{10, 20})
	ch1 <- rec1
	close(ch1)
	_, err := s.UpsertStream(ctx, ch1, []string{"id"})
	require.NoError(t, err)
	rec1.Release()

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
	require.Len(t, rows, 3, "id=2 should be replaced, not duplicated")

	byID := map[int64]float64{}
	for _, r := range rows {
		byID[r[0].(int64)] = r[1].(float64)
	}
	require.Equal(t, float64(200), byID[2])
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := New(t.TempDir())
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
		{Column: "id", Op: accel.OpEq, Value: int64(2)},
	}})
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	stream, err := s.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	rows := drainScan(t, stream)
	require.Len(t, rows, 2)
}

func TestStore_SnapshotMax(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := New(t.TempDir())
	schema := testSchema()
	require.NoError(t, s.Open(ctx, schema, accel.OpenOptions{}))

	ch := make(chan arrow.Record, 1)
	rec := makeBatch(t, schema, []int64{1, 2, 3}, []float64{10, 20, 30})
	ch <- rec
	close(ch)
	_, err := s.AppendStream(ctx, ch)
	require.NoError(t, err)
	rec.Release()

	max, ok, err := s.SnapshotMax(ctx, "id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), max)
}

func TestStore_ReplaceAllSwapsManifest(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := New(t.TempDir())
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
	rec2 := makeBatch(t, schema, []int64{9}, []float64{99})
	ch2 <- rec2
	close(ch2)
	_, err = s.ReplaceAll(ctx, ch2)
	require.NoError(t, err)
	rec2.Release()

	stream, err := s.Scan(ctx, nil, accel.Predicate{}, 0)
	require.NoError(t, err)
	rows := drainScan(t, stream)
	require.Len(t, rows, 1)
	require.Equal(t, int64(9), rows[0][0])
}
