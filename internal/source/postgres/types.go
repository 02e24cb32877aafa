package postgres

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spiceai/spice/internal/arrowbatch"
)

func schemaFromFieldDescriptions(fields []pgconn.FieldDescription) *arrowbatch.Schema {
	cols := make([]arrowbatch.Column, len(fields))
	for i, f := range fields {
		cols[i] = arrowbatch.Column{Name: f.Name, Type: mapPostgresOID(f.DataTypeOID), Nullable: true}
	}
	return &arrowbatch.Schema{Columns: cols}
}

// mapPostgresType maps an information_schema.columns "data_type" string
// onto an Arrow type, used for the Schema() discovery call.
func mapPostgresType(pgType string) arrow.DataType {
	t := strings.ToLower(pgType)
	switch {
	case strings.Contains(t, "smallint"), strings.Contains(t, "integer"):
		return arrow.PrimitiveTypes.Int32
	case strings.Contains(t, "bigint"):
		return arrow.PrimitiveTypes.Int64
	case strings.Contains(t, "real"):
		return arrow.PrimitiveTypes.Float32
	case strings.Contains(t, "double"), strings.Contains(t, "numeric"), strings.Contains(t, "decimal"):
		return arrow.PrimitiveTypes.Float64
	case strings.Contains(t, "timestamp"), strings.Contains(t, "date"):
		return arrow.FixedWidthTypes.Timestamp_us
	case strings.Contains(t, "boolean"):
		return arrow.FixedWidthTypes.Boolean
	default: // text, varchar, uuid, json, etc.
		return arrow.BinaryTypes.String
	}
}

// mapPostgresOID maps a wire-protocol type OID onto an Arrow type, used
// when building a schema directly from query result field descriptions
// (Scan path) rather than from information_schema (discovery path).
func mapPostgresOID(oid uint32) arrow.DataType {
	switch oid {
	case pgOIDInt2, pgOIDInt4:
		return arrow.PrimitiveTypes.Int32
	case pgOIDInt8:
		return arrow.PrimitiveTypes.Int64
	case pgOIDFloat4:
		return arrow.PrimitiveTypes.Float32
	case pgOIDFloat8, pgOIDNumeric:
		return arrow.PrimitiveTypes.Float64
	case pgOIDTimestamp, pgOIDTimestamptz, pgOIDDate:
		return arrow.FixedWidthTypes.Timestamp_us
	case pgOIDBool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// Well-known Postgres type OIDs, from pg_type.dat; pgx exposes these as
// constants in pgtype but we only need a handful, so they're inlined to
// avoid pulling the full pgtype map in just for this switch.
const (
	pgOIDBool        = 16
	pgOIDInt2        = 21
	pgOIDInt4        = 23
	pgOIDInt8        = 20
	pgOIDFloat4      = 700
	pgOIDFloat8      = 701
	pgOIDNumeric     = 1700
	pgOIDDate        = 1082
	pgOIDTimestamp   = 1114
	pgOIDTimestamptz = 1184
)
