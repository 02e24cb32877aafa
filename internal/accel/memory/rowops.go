package memory

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

// recordToRows extracts every row of rec, positional against rec's own
// schema, using Arrow's generic scalar marshal accessor.
func recordToRows(rec arrow.Record) ([]row, error) {
	n := int(rec.NumRows())
	cols := int(rec.NumCols())
	rows := make([]row, n)
	for i := 0; i < n; i++ {
		r := make(row, cols)
		for c := 0; c < cols; c++ {
			col := rec.Column(c)
			if col.IsNull(i) {
				r[c] = nil
				continue
			}
			r[c] = col.GetOneForMarshal(i)
		}
		rows[i] = r
	}
	return rows, nil
}

// rowsToRecord rebuilds an arrow.Record from rows, positional against
// schema, projected to proj (nil means every column).
func rowsToRecord(rows []row, schema *arrowbatch.Schema, proj []string) (arrow.Record, error) {
	cols := schema.Columns
	indices := make([]int, 0, len(cols))
	if len(proj) == 0 {
		for i := range cols {
			indices = append(indices, i)
		}
	} else {
		for _, name := range proj {
			idx := schema.IndexOf(name)
			if idx == -1 {
				return nil, fmt.Errorf("projected column %q not in schema", name)
			}
			indices = append(indices, idx)
		}
	}

	pool := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(indices))
	arrays := make([]arrow.Array, len(indices))
	for oi, ci := range indices {
		col := cols[ci]
		fields[oi] = arrow.Field{Name: col.Name, Type: col.Type, Nullable: col.Nullable}
		b := array.NewBuilder(pool, col.Type)
		for _, r := range rows {
			appendValue(b, r[ci])
		}
		arrays[oi] = b.NewArray()
		b.Release()
	}
	sch := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(sch, arrays, int64(len(rows)))
	for _, a := range arrays {
		a.Release()
	}
	return rec, nil
}

func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		bb.Append(toInt64(v))
	case *array.Int32Builder:
		bb.Append(int32(toInt64(v)))
	case *array.Float64Builder:
		bb.Append(toFloat64(v))
	case *array.Float32Builder:
		bb.Append(float32(toFloat64(v)))
	case *array.StringBuilder:
		bb.Append(fmt.Sprintf("%v", v))
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			bb.Append(bv)
		} else {
			bb.AppendNull()
		}
	case *array.TimestampBuilder:
		bb.Append(toTimestamp(v))
	default:
		b.AppendNull()
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	default:
		return 0
	}
}

func toTimestamp(v any) arrow.Timestamp {
	switch n := v.(type) {
	case arrow.Timestamp:
		return n
	case int64:
		return arrow.Timestamp(n)
	default:
		return 0
	}
}

// matchRow evaluates predicate as a conjunction of simple column
// comparisons against r. An empty predicate matches every row.
func matchRow(r row, schema *arrowbatch.Schema, predicate accel.Predicate) (bool, error) {
	for _, c := range predicate.Clauses {
		idx := schema.IndexOf(c.Column)
		if idx == -1 {
			return false, fmt.Errorf("predicate column %q not in schema", c.Column)
		}
		ok, err := evalClause(r[idx], c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(actual any, c accel.Clause) (bool, error) {
	if actual == nil {
		return false, nil
	}
	af, aok := toFloatAny(actual)
	bf, bok := toFloatAny(c.Value)
	if aok && bok {
		switch c.Op {
		case accel.OpEq:
			return af == bf, nil
		case accel.OpNe:
			return af != bf, nil
		case accel.OpLt:
			return af < bf, nil
		case accel.OpLe:
			return af <= bf, nil
		case accel.OpGt:
			return af > bf, nil
		case accel.OpGe:
			return af >= bf, nil
		}
	}
	as, bs := fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value)
	switch c.Op {
	case accel.OpEq:
		return as == bs, nil
	case accel.OpNe:
		return as != bs, nil
	case accel.OpLt:
		return as < bs, nil
	case accel.OpLe:
		return as <= bs, nil
	case accel.OpGt:
		return as > bs, nil
	case accel.OpGe:
		return as >= bs, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Op)
	}
}

func toFloatAny(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case arrow.Timestamp:
		return float64(n), true
	case time.Time:
		return float64(n.UnixNano()), true
	default:
		return 0, false
	}
}
