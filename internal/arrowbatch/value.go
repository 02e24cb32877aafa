package arrowbatch

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ValueAt extracts the row-th value from col as a native Go value (int64,
// float64, string, bool, time.Time, or nil), used by store variants that
// bind rows into a row-oriented driver (database/sql) rather than writing
// Arrow arrays directly.
func ValueAt(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}
	switch c := col.(type) {
	case *array.Int32:
		return int64(c.Value(row))
	case *array.Int64:
		return c.Value(row)
	case *array.Float32:
		return float64(c.Value(row))
	case *array.Float64:
		return c.Value(row)
	case *array.Boolean:
		return c.Value(row)
	case *array.String:
		return c.Value(row)
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return c.Value(row).ToTime(unit)
	default:
		return col.GetOneForMarshal(row)
	}
}

// ToMicros converts a time.Time into the microsecond-epoch integer form
// stored by the sqlite Acceleration Store's TIMESTAMP columns.
func ToMicros(t time.Time) int64 { return t.UnixMicro() }
