// Package federation implements the Federation Arbiter: a pure function
// over a tagged query-fragment tree that decides, per fragment, whether to
// push a clause down to its Source Adapter or execute it against the
// already-accelerated table.
package federation

// FragmentKind tags one node of a query fragment tree.
type FragmentKind string

const (
	KindScan      FragmentKind = "scan"      // a bare table reference
	KindFilter    FragmentKind = "filter"    // a WHERE predicate over one table
	KindAggregate FragmentKind = "aggregate" // GROUP BY / aggregate functions
	KindJoin      FragmentKind = "join"      // a join between two fragments
	KindOther     FragmentKind = "other"     // anything the arbiter can't classify
)

// Fragment is one node of the tagged tree the SQL endpoint hands the
// arbiter. It carries only the information needed to decide pushdown —
// never dispatch logic, which stays in internal/server.
type Fragment struct {
	Kind       FragmentKind
	Dataset    string   // the accelerated dataset this fragment touches, if one
	Children   []Fragment
	Functions  []string // aggregate/window function names used, if Kind == KindAggregate
}

// Capability describes what a dataset's bound Source Adapter can do and
// what its Readiness Gate currently reports, known to the arbiter without
// it importing internal/source or internal/engine (avoiding an import
// cycle and keeping Plan a pure function of plain data).
type Capability struct {
	Federated          bool     // adapter implements source.FederatedAdapter
	SupportedFunctions []string // aggregate/window functions the adapter's SQL dialect supports
	AcceleratedReady   bool     // dataset's local replica can serve a bare scan/filter right now
}

// Decision is the arbiter's verdict for one fragment.
type Decision string

const (
	DecisionPushdown     Decision = "pushdown"      // send the fragment to the source
	DecisionAccelerated  Decision = "accelerated"   // execute against the Acceleration Store
	DecisionSplit        Decision = "split"         // push the federatable part down, finish the rest locally
)

// Plan is the arbiter's verdict for a fragment tree: a decision per node,
// keyed by the fragment's position via a parallel slice so the caller can
// walk both trees together.
type Plan struct {
	Decision Decision
	Children []Plan
}

// CapabilityLookup looks up capability by dataset name.
type CapabilityLookup func(dataset string) Capability

// PlanFragment decides pushdown for fragment and its children, applying
// the arbiter's rules:
//
//  1. A bare scan or filter over a single dataset always qualifies to run
//     against the accelerated copy, so once the dataset is
//     AcceleratedReady it executes locally (DecisionAccelerated) — the
//     materialized copy is already local and doesn't consume the
//     source's query budget.
//  2. Pushdown to a federated adapter is used only when the local path
//     can't serve the fragment, i.e. the dataset isn't AcceleratedReady
//     yet: querying an empty or partially-loaded store would be wrong,
//     so the fragment is sent to the source instead.
//  3. An aggregate fragment is pushed down only if the adapter is
//     federated AND every function it uses is in the adapter's supported
//     set; otherwise it executes against the Acceleration Store, since a
//     partially-pushed aggregate would compute the wrong answer.
//  4. A join fragment is never pushed down wholesale: each child is
//     planned independently and the join executes locally (DecisionSplit),
//     since most Source Adapters can't join across two different
//     datasets' federated connections.
//  5. Any fragment whose adapter is not federated (object-store and
//     time-series adapters) always resolves to DecisionAccelerated.
//
// on_zero_results=use_source is not decided here: whether the local path
// actually returned zero rows is a runtime fact the arbiter, a pure
// function of capability, never sees — that fallback is applied after
// the accelerated scan comes back empty, not as a pushdown decision.
func PlanFragment(f Fragment, lookup CapabilityLookup) Plan {
	children := make([]Plan, len(f.Children))
	for i, c := range f.Children {
		children[i] = PlanFragment(c, lookup)
	}

	switch f.Kind {
	case KindJoin:
		return Plan{Decision: DecisionSplit, Children: children}
	case KindScan, KindFilter:
		if f.Dataset == "" {
			return Plan{Decision: DecisionAccelerated, Children: children}
		}
		cap := lookup(f.Dataset)
		if cap.AcceleratedReady {
			return Plan{Decision: DecisionAccelerated, Children: children}
		}
		if cap.Federated {
			return Plan{Decision: DecisionPushdown, Children: children}
		}
		return Plan{Decision: DecisionAccelerated, Children: children}
	case KindAggregate:
		cap := lookup(f.Dataset)
		if cap.Federated && supportsAll(cap.SupportedFunctions, f.Functions) {
			return Plan{Decision: DecisionPushdown, Children: children}
		}
		return Plan{Decision: DecisionAccelerated, Children: children}
	default:
		return Plan{Decision: DecisionAccelerated, Children: children}
	}
}

func supportsAll(supported, wanted []string) bool {
	set := make(map[string]bool, len(supported))
	for _, s := range supported {
		set[s] = true
	}
	for _, w := range wanted {
		if !set[w] {
			return false
		}
	}
	return true
}
