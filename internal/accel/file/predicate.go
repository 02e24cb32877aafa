package file

import (
	"fmt"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

// matchRow evaluates predicate against r, the same row-oriented
// comparison internal/accel/memory uses, kept as a separate copy here
// because the two variants' row representations, while both []any, are
// filled by different paths (Arrow-builder append vs IPC read) and aren't
// worth threading through a shared predicate package for four lines of
// comparison logic.
func matchRow(r []any, schema *arrowbatch.Schema, p accel.Predicate) (bool, error) {
	for _, c := range p.Clauses {
		idx := schema.IndexOf(c.Column)
		if idx == -1 {
			return false, fmt.Errorf("predicate column %q not in schema", c.Column)
		}
		cmp := compareAny(r[idx], c.Value)
		var ok bool
		switch c.Op {
		case accel.OpEq:
			ok = cmp == 0
		case accel.OpNe:
			ok = cmp != 0
		case accel.OpLt:
			ok = cmp < 0
		case accel.OpLe:
			ok = cmp <= 0
		case accel.OpGt:
			ok = cmp > 0
		case accel.OpGe:
			ok = cmp >= 0
		default:
			return false, fmt.Errorf("unknown predicate operator %q", c.Op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compareAny(a, b any) int {
	if at, ok := a.(interface{ Unix() int64 }); ok {
		if bt, ok := b.(interface{ Unix() int64 }); ok {
			switch {
			case at.Unix() > bt.Unix():
				return 1
			case at.Unix() < bt.Unix():
				return -1
			default:
				return 0
			}
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af > bf:
			return 1
		case af < bf:
			return -1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case as > bs:
		return 1
	case as < bs:
		return -1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
