package clickhouse

import (
	"strings"

	driver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/arrowbatch"
)

func schemaFromColumnTypes(names []string, types []driver.ColumnType) (*arrowbatch.Schema, error) {
	cols := make([]arrowbatch.Column, len(names))
	for i, name := range names {
		cols[i] = arrowbatch.Column{
			Name:     name,
			Type:     mapClickHouseType(types[i].DatabaseTypeName()),
			Nullable: true,
		}
	}
	return &arrowbatch.Schema{Columns: cols}, nil
}

// mapClickHouseType maps a ClickHouse SQL type name onto an Arrow type.
// Unrecognized types fall back to string, matching the unsupported_type
// "string" downgrade path rather than failing schema discovery outright.
func mapClickHouseType(chType string) arrow.DataType {
	t := strings.TrimPrefix(chType, "Nullable(")
	t = strings.TrimSuffix(t, ")")
	switch {
	case strings.HasPrefix(t, "Int8"), strings.HasPrefix(t, "Int16"), strings.HasPrefix(t, "Int32"), strings.HasPrefix(t, "UInt8"), strings.HasPrefix(t, "UInt16"), strings.HasPrefix(t, "UInt32"):
		return arrow.PrimitiveTypes.Int32
	case strings.HasPrefix(t, "Int64"), strings.HasPrefix(t, "UInt64"):
		return arrow.PrimitiveTypes.Int64
	case strings.HasPrefix(t, "Float32"):
		return arrow.PrimitiveTypes.Float32
	case strings.HasPrefix(t, "Float64"), strings.HasPrefix(t, "Decimal"):
		return arrow.PrimitiveTypes.Float64
	case strings.HasPrefix(t, "DateTime"), t == "Date":
		return arrow.FixedWidthTypes.Timestamp_us
	case strings.HasPrefix(t, "Bool"):
		return arrow.FixedWidthTypes.Boolean
	default: // String, FixedString, Enum, UUID, Array, etc.
		return arrow.BinaryTypes.String
	}
}
