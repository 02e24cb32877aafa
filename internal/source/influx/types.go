package influx

import (
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/arrowbatch"
)

// schemaFromRow infers a column list and schema from one decoded InfluxDB
// row, sorting column names for determinism since map iteration order is
// not stable across calls.
func schemaFromRow(row map[string]any) (*arrowbatch.Schema, []string) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]arrowbatch.Column, len(names))
	for i, name := range names {
		cols[i] = arrowbatch.Column{Name: name, Type: mapInfluxValueType(row[name]), Nullable: true}
	}
	return &arrowbatch.Schema{Columns: cols}, names
}

func mapInfluxValueType(v any) arrow.DataType {
	switch v.(type) {
	case int64, int32, int:
		return arrow.PrimitiveTypes.Int64
	case float64, float32:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case time.Time:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}
