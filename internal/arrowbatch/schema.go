// Package arrowbatch defines the columnar batch and schema types that flow
// from a Source Adapter through an Acceleration Store into the Results
// Cache, and the coercion/constraint-verification helpers every write path
// runs at the edge.
package arrowbatch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Column describes one field of a Dataset's declared schema, independent
// of any source adapter's native type.
type Column struct {
	Name     string
	Type     arrow.DataType
	Nullable bool
}

// Schema is the dataset's declared, ordered column list. It is the target
// every ingested batch is coerced or rejected against.
type Schema struct {
	Columns []Column
}

// Arrow returns the equivalent arrow.Schema, used to validate and build
// record batches in the accel/* store variants.
func (s *Schema) Arrow() *arrow.Schema {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

// IndexOf returns the column position for name, or -1 if absent.
func (s *Schema) IndexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Project returns a copy of s restricted to the named columns, in the
// order requested, used to build the result schema for a projected Scan.
func (s *Schema) Project(names []string) (*Schema, error) {
	cols := make([]Column, len(names))
	for i, name := range names {
		idx := s.IndexOf(name)
		if idx == -1 {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		cols[i] = s.Columns[idx]
	}
	return &Schema{Columns: cols}, nil
}

// Widen returns a copy of s with any column present in other but absent
// from s appended, implementing the "schema only ever widens" invariant.
// It never removes or narrows an existing column; a type conflict on a
// shared column name is reported as an error rather than silently resolved.
func (s *Schema) Widen(other *Schema) (*Schema, error) {
	widened := &Schema{Columns: append([]Column{}, s.Columns...)}
	for _, oc := range other.Columns {
		idx := widened.IndexOf(oc.Name)
		if idx == -1 {
			widened.Columns = append(widened.Columns, oc)
			continue
		}
		existing := widened.Columns[idx]
		if !arrow.TypeEqual(existing.Type, oc.Type) {
			return nil, fmt.Errorf("column %q: incompatible types %s vs %s", oc.Name, existing.Type, oc.Type)
		}
	}
	return widened, nil
}
