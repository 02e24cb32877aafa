// Package remotesql implements the remote-SQL Acceleration Store variant:
// the engine owns the schema and refresh discipline, but the table lives
// in a warehouse (ClickHouse) or an OLTP database (Postgres) reached over
// the same drivers used by internal/source for federated reads. spec.md
// §4.1 calls this out explicitly: a store that is itself remote SQL is an
// Acceleration Store, not a Source, because the engine — not the
// warehouse — decides the refresh discipline.
package remotesql

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

// Dialect hides the DDL/DML differences between the two warehouse drivers
// this variant supports behind one small surface, the same role
// internal/accel/sqlite's package-level quoteIdent/createTableSQL/etc
// helpers play for a single engine.
type Dialect interface {
	Name() string
	DriverName() string // database/sql driver name registered by the import side-effect
	ColumnType(t arrow.DataType) string
	QuoteIdent(name string) string
	Placeholder(i int) string
	CreateTableSQL(table string, schema *arrowbatch.Schema, pk []string) string
	RenameTableSQL(from, to string) string
	DropTableSQL(table string) string
	TableExistsSQL(table string) (query string, args []any)
	// UpsertSuffix returns the SQL appended after "INSERT INTO t (...) VALUES (...)"
	// to implement the dataset's on-conflict policy; "" means plain insert.
	UpsertSuffix(pk []string, cols []string, onConflict map[string]accel.ConflictAction) string
	// DeleteSQL renders a full DELETE statement; ClickHouse's mutation
	// syntax differs from standard SQL's DELETE FROM.
	DeleteSQL(table, where string) string
}

// ClickHouse targets a ReplacingMergeTree table: INSERT never conflicts
// (ClickHouse has no unique-constraint enforcement), so duplicate primary
// keys are reconciled asynchronously by the engine's own background
// merges rather than synchronously by the statement.
type ClickHouse struct{}

func (ClickHouse) Name() string       { return "clickhouse" }
func (ClickHouse) DriverName() string { return "clickhouse" }

func (ClickHouse) ColumnType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT32:
		return "Int32"
	case arrow.INT64:
		return "Int64"
	case arrow.FLOAT32:
		return "Float32"
	case arrow.FLOAT64:
		return "Float64"
	case arrow.BOOL:
		return "UInt8"
	case arrow.TIMESTAMP:
		return "DateTime64(6)"
	default:
		return "String"
	}
}

func (ClickHouse) QuoteIdent(name string) string { return "`" + strings.ReplaceAll(name, "`", "``") + "`" }

func (ClickHouse) Placeholder(int) string { return "?" }

func (d ClickHouse) CreateTableSQL(table string, schema *arrowbatch.Schema, pk []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.QuoteIdent(table))
	for i, col := range schema.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "  %s %s", d.QuoteIdent(col.Name), d.ColumnType(col.Type))
	}
	b.WriteString("\n) ENGINE = ReplacingMergeTree\n")
	order := pk
	if len(order) == 0 {
		order = []string{"tuple()"}
		b.WriteString("ORDER BY tuple()")
		return b.String()
	}
	quoted := make([]string, len(order))
	for i, c := range order {
		quoted[i] = d.QuoteIdent(c)
	}
	fmt.Fprintf(&b, "ORDER BY (%s)", strings.Join(quoted, ", "))
	return b.String()
}

func (d ClickHouse) RenameTableSQL(from, to string) string {
	return fmt.Sprintf("RENAME TABLE %s TO %s", d.QuoteIdent(from), d.QuoteIdent(to))
}

func (d ClickHouse) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + d.QuoteIdent(table)
}

func (ClickHouse) TableExistsSQL(table string) (string, []any) {
	return "SELECT count() FROM system.tables WHERE name = ?", []any{table}
}

// UpsertSuffix is empty: ReplacingMergeTree resolves duplicate primary
// keys at merge time, not at insert time, so there's no per-statement
// conflict clause to emit.
func (ClickHouse) UpsertSuffix([]string, []string, map[string]accel.ConflictAction) string { return "" }

func (d ClickHouse) DeleteSQL(table, where string) string {
	return fmt.Sprintf("ALTER TABLE %s DELETE WHERE %s", d.QuoteIdent(table), where)
}

// Postgres targets standard SQL: real transactions, real unique
// constraints, real synchronous ON CONFLICT resolution.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) ColumnType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT32:
		return "INTEGER"
	case arrow.INT64:
		return "BIGINT"
	case arrow.FLOAT32:
		return "REAL"
	case arrow.FLOAT64:
		return "DOUBLE PRECISION"
	case arrow.BOOL:
		return "BOOLEAN"
	case arrow.TIMESTAMP:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (Postgres) QuoteIdent(name string) string { return `"` + strings.ReplaceAll(name, `"`, `""`) + `"` }

func (Postgres) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (d Postgres) CreateTableSQL(table string, schema *arrowbatch.Schema, pk []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.QuoteIdent(table))
	for i, col := range schema.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "  %s %s", d.QuoteIdent(col.Name), d.ColumnType(col.Type))
	}
	if len(pk) > 0 {
		quoted := make([]string, len(pk))
		for i, c := range pk {
			quoted[i] = d.QuoteIdent(c)
		}
		fmt.Fprintf(&b, ",\n  PRIMARY KEY (%s)", strings.Join(quoted, ", "))
	}
	b.WriteString("\n)")
	return b.String()
}

func (d Postgres) RenameTableSQL(from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.QuoteIdent(from), d.QuoteIdent(to))
}

func (d Postgres) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + d.QuoteIdent(table)
}

func (Postgres) TableExistsSQL(table string) (string, []any) {
	return "SELECT count(*) FROM information_schema.tables WHERE table_name = $1", []any{table}
}

func (d Postgres) UpsertSuffix(pk []string, cols []string, onConflict map[string]accel.ConflictAction) string {
	if len(pk) == 0 {
		return " ON CONFLICT DO NOTHING"
	}
	quoted := make([]string, len(pk))
	for i, c := range pk {
		quoted[i] = d.QuoteIdent(c)
	}
	var sets []string
	for _, c := range cols {
		unquoted := strings.Trim(c, `"`)
		if containsStr(pk, unquoted) || onConflict[unquoted] == accel.ConflictDrop {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quoted, ", "))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quoted, ", "), strings.Join(sets, ", "))
}

func (d Postgres) DeleteSQL(table, where string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.QuoteIdent(table), where)
}

func containsStr(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
