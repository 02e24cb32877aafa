package arrowbatch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// UnsupportedTypeAction controls how Coerce handles a source column whose
// type has no mapping onto the dataset's declared schema.
type UnsupportedTypeAction string

const (
	UnsupportedTypeError  UnsupportedTypeAction = "error"
	UnsupportedTypeWarn   UnsupportedTypeAction = "warn"
	UnsupportedTypeIgnore UnsupportedTypeAction = "ignore"
	UnsupportedTypeString UnsupportedTypeAction = "string"
)

// UnsupportedColumn is returned by Coerce (as an accumulated warning list,
// not an error) whenever UnsupportedTypeAction is warn or string.
type UnsupportedColumn struct {
	Name     string
	SourceType arrow.DataType
	Action   UnsupportedTypeAction
}

// Coerce rebuilds rec against target, applying action to any column whose
// arrow type isn't identical to the target schema's declared type for that
// name. Columns present in rec but absent from target are dropped (the
// schema is authoritative once declared). Columns present in target but
// absent from rec are filled with nulls.
//
// The memory and file Acceleration Store variants call this on every batch
// they ingest; the sqlite and remotesql variants do not.
func Coerce(rec arrow.Record, target *Schema, action UnsupportedTypeAction) (arrow.Record, []UnsupportedColumn, error) {
	var warnings []UnsupportedColumn
	cols := make([]arrow.Array, len(target.Columns))
	pool := memory.NewGoAllocator()

	srcSchema := rec.Schema()
	for i, tc := range target.Columns {
		srcIdx := -1
		for j, f := range srcSchema.Fields() {
			if f.Name == tc.Name {
				srcIdx = j
				break
			}
		}
		if srcIdx == -1 {
			cols[i] = nullColumn(pool, tc.Type, int(rec.NumRows()))
			continue
		}

		col := rec.Column(srcIdx)
		if arrow.TypeEqual(col.DataType(), tc.Type) {
			col.Retain()
			cols[i] = col
			continue
		}

		switch action {
		case UnsupportedTypeError:
			return nil, nil, fmt.Errorf("column %q: source type %s incompatible with declared type %s", tc.Name, col.DataType(), tc.Type)
		case UnsupportedTypeIgnore:
			cols[i] = nullColumn(pool, tc.Type, int(rec.NumRows()))
		case UnsupportedTypeString:
			s, err := stringifyColumn(pool, col)
			if err != nil {
				return nil, nil, fmt.Errorf("column %q: stringify fallback: %w", tc.Name, err)
			}
			cols[i] = s
			warnings = append(warnings, UnsupportedColumn{Name: tc.Name, SourceType: col.DataType(), Action: action})
		default: // warn: pass through best-effort null column, caller logs the warning
			cols[i] = nullColumn(pool, tc.Type, int(rec.NumRows()))
			warnings = append(warnings, UnsupportedColumn{Name: tc.Name, SourceType: col.DataType(), Action: action})
		}
	}

	out := array.NewRecord(target.Arrow(), cols, rec.NumRows())
	for _, c := range cols {
		c.Release()
	}
	return out, warnings, nil
}

func nullColumn(pool memory.Allocator, t arrow.DataType, n int) arrow.Array {
	b := array.NewBuilder(pool, t)
	defer b.Release()
	for i := 0; i < n; i++ {
		b.AppendNull()
	}
	return b.NewArray()
}

func stringifyColumn(pool memory.Allocator, col arrow.Array) (arrow.Array, error) {
	b := array.NewStringBuilder(pool)
	defer b.Release()
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			b.AppendNull()
			continue
		}
		v := col.GetOneForMarshal(i)
		b.Append(fmt.Sprintf("%v", v))
	}
	return b.NewArray(), nil
}

// VerifyConstraints checks, for a single batch prior to commit, that every
// primary-key column is present and holds no nulls. It does not check key
// uniqueness: rows sharing a key, within a batch or across batches, are
// left to the store (UpsertStream resolves them by the on_conflict policy;
// AppendStream keeps them).
func VerifyConstraints(rec arrow.Record, target *Schema, pk []string) error {
	for _, name := range pk {
		idx := -1
		for i, f := range rec.Schema().Fields() {
			if f.Name == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			return fmt.Errorf("primary key column %q missing from batch", name)
		}
		col := rec.Column(idx)
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				return fmt.Errorf("primary key column %q contains null at row %d", name, i)
			}
		}
	}
	return nil
}
