package federation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanFragment_ScanExecutesLocallyWhenAcceleratedReady(t *testing.T) {
	t.Parallel()
	lookup := func(ds string) Capability { return Capability{Federated: true, AcceleratedReady: true} }
	plan := PlanFragment(Fragment{Kind: KindScan, Dataset: "events"}, lookup)
	require.Equal(t, DecisionAccelerated, plan.Decision)
}

func TestPlanFragment_ScanPushesDownWhenFederatedAndNotAcceleratedReady(t *testing.T) {
	t.Parallel()
	lookup := func(ds string) Capability { return Capability{Federated: true, AcceleratedReady: false} }
	plan := PlanFragment(Fragment{Kind: KindScan, Dataset: "events"}, lookup)
	require.Equal(t, DecisionPushdown, plan.Decision)
}

func TestPlanFragment_ScanAcceleratedWhenNotFederated(t *testing.T) {
	t.Parallel()
	lookup := func(ds string) Capability { return Capability{Federated: false} }
	plan := PlanFragment(Fragment{Kind: KindScan, Dataset: "events"}, lookup)
	require.Equal(t, DecisionAccelerated, plan.Decision)
}

func TestPlanFragment_AggregateRequiresFunctionSupport(t *testing.T) {
	t.Parallel()
	lookup := func(ds string) Capability {
		return Capability{Federated: true, SupportedFunctions: []string{"sum", "count"}}
	}
	pushed := PlanFragment(Fragment{Kind: KindAggregate, Dataset: "events", Functions: []string{"sum"}}, lookup)
	require.Equal(t, DecisionPushdown, pushed.Decision)

	local := PlanFragment(Fragment{Kind: KindAggregate, Dataset: "events", Functions: []string{"percentile_99"}}, lookup)
	require.Equal(t, DecisionAccelerated, local.Decision)
}

func TestPlanFragment_JoinAlwaysSplits(t *testing.T) {
	t.Parallel()
	lookup := func(ds string) Capability { return Capability{Federated: true} }
	plan := PlanFragment(Fragment{
		Kind: KindJoin,
		Children: []Fragment{
			{Kind: KindScan, Dataset: "a"},
			{Kind: KindScan, Dataset: "b"},
		},
	}, lookup)
	require.Equal(t, DecisionSplit, plan.Decision)
	require.Len(t, plan.Children, 2)
	require.Equal(t, DecisionPushdown, plan.Children[0].Decision)
}
