package sqlite

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

// sqlType maps an Arrow column type onto a SQLite column type affinity.
func sqlType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT32, arrow.INT64:
		return "INTEGER"
	case arrow.FLOAT32, arrow.FLOAT64:
		return "REAL"
	case arrow.BOOL:
		return "INTEGER"
	case arrow.TIMESTAMP:
		return "INTEGER" // stored as unix micros
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTableSQL(table string, schema *arrowbatch.Schema, pk []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quoteIdent(table))
	for i, col := range schema.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "  %s %s", quoteIdent(col.Name), sqlType(col.Type))
	}
	if len(pk) > 0 {
		quoted := make([]string, len(pk))
		for i, c := range pk {
			quoted[i] = quoteIdent(c)
		}
		fmt.Fprintf(&b, ",\n  PRIMARY KEY (%s)", strings.Join(quoted, ", "))
	}
	b.WriteString("\n)")
	return b.String()
}

func addColumnSQL(table string, col arrowbatch.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(col.Name), sqlType(col.Type))
}

// predicateSQL renders a Predicate as a parameterized WHERE clause body
// (without the leading "WHERE"), returning "" with no args if predicate is
// empty, meaning "match everything".
func predicateSQL(p accel.Predicate) (string, []any) {
	if len(p.Clauses) == 0 {
		return "", nil
	}
	clauses := make([]string, len(p.Clauses))
	args := make([]any, len(p.Clauses))
	for i, c := range p.Clauses {
		clauses[i] = fmt.Sprintf("%s %s ?", quoteIdent(c.Column), string(c.Op))
		args[i] = normalizeArg(c.Value)
	}
	return strings.Join(clauses, " AND "), args
}

// normalizeArg converts values that the database/sql driver for SQLite
// can't bind directly (e.g. time.Time used by retention cutoffs) into a
// form comparable with the INTEGER-microsecond encoding used for the
// timestamp column.
func normalizeArg(v any) any {
	if t, ok := v.(interface{ UnixMicro() int64 }); ok {
		return t.UnixMicro()
	}
	return v
}
