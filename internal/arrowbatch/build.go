package arrowbatch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BuildRecord vectorizes a slice of positional rows into an arrow.Record
// against schema, for Source Adapters whose underlying driver returns
// row-oriented results (database/sql-style Scan, ClickHouse/Postgres
// driver rows) rather than native Arrow batches.
func BuildRecord(schema *Schema, rows [][]any) (arrow.Record, error) {
	pool := memory.NewGoAllocator()
	arrays := make([]arrow.Array, len(schema.Columns))
	for ci, col := range schema.Columns {
		b := array.NewBuilder(pool, col.Type)
		for _, r := range rows {
			if ci >= len(r) {
				return nil, fmt.Errorf("row has %d values, schema has %d columns", len(r), len(schema.Columns))
			}
			if err := appendValue(b, r[ci]); err != nil {
				return nil, fmt.Errorf("column %q: %w", col.Name, err)
			}
		}
		arrays[ci] = b.NewArray()
		b.Release()
	}
	rec := array.NewRecord(schema.Arrow(), arrays, int64(len(rows)))
	for _, a := range arrays {
		a.Release()
	}
	return rec, nil
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
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
	return nil
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
	case uint64:
		return int64(n)
	case uint32:
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
