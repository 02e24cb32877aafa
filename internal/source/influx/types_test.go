package influx

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"
)

func TestSchemaFromRow_SortsColumnsForDeterminism(t *testing.T) {
	t.Parallel()
	row := map[string]any{
		"zone":      "us-east",
		"value":     42.5,
		"host_id":   int64(7),
		"connected": true,
		"seen_at":   time.Now(),
	}
	schema, names := schemaFromRow(row)
	require.Equal(t, []string{"connected", "host_id", "seen_at", "value", "zone"}, names)
	require.Len(t, schema.Columns, 5)
	for _, c := range schema.Columns {
		require.True(t, c.Nullable)
	}
}

func TestMapInfluxValueType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   any
		want arrow.DataType
	}{
		{int64(1), arrow.PrimitiveTypes.Int64},
		{int(1), arrow.PrimitiveTypes.Int64},
		{float64(1.5), arrow.PrimitiveTypes.Float64},
		{true, arrow.FixedWidthTypes.Boolean},
		{time.Now(), arrow.FixedWidthTypes.Timestamp_us},
		{"text", arrow.BinaryTypes.String},
		{nil, arrow.BinaryTypes.String},
	}
	for _, c := range cases {
		require.Equal(t, c.want, mapInfluxValueType(c.in))
	}
}
