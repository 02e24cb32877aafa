package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/engine"
)

const sampleYAML = `
version: v1
name: demo
connections:
  warehouse:
    driver: clickhouse
    params:
      dsn: clickhouse://localhost:9000
datasets:
  - name: events
    connection: warehouse
    table: events
    time_column: event_ts
    primary_key: [id]
    refresh:
      mode: append
      check_interval: 30s
      overlap: 5m
  - name: events_ready_nested
    connection: warehouse
    table: events
    ready_state:
      on: registration
`

func TestSpicepod_Unmarshal(t *testing.T) {
	t.Parallel()
	var pod Spicepod
	require.NoError(t, yaml.Unmarshal([]byte(sampleYAML), &pod))
	require.Equal(t, "demo", pod.Name)
	require.Len(t, pod.Datasets, 2)
	require.Equal(t, "append", pod.Datasets[0].Refresh.Mode)
	require.Equal(t, "registration", pod.Datasets[1].ReadyState.Resolve())
}

func TestDatasetSpec_Validate_AppendOverlapRequiresPrimaryKey(t *testing.T) {
	t.Parallel()
	d := DatasetSpec{Connection: "warehouse", Refresh: RefreshSpec{Mode: "append", Overlap: "5m"}}
	err := d.Validate()
	require.Error(t, err)
}

func TestSpicepod_Validate_DetectsDependsOnCycle(t *testing.T) {
	t.Parallel()
	pod := Spicepod{
		Name: "demo",
		Datasets: []DatasetSpec{
			{Name: "a", Connection: "warehouse", DependsOn: []string{"b"}},
			{Name: "b", Connection: "warehouse", DependsOn: []string{"a"}},
		},
	}
	err := pod.Validate()
	require.Error(t, err)
	var dsErr *engine.DatasetError
	require.ErrorAs(t, err, &dsErr)
	require.Equal(t, engine.KindInvalidConfig, dsErr.Kind)
}

func TestTopologicalOrder_ReordersDependenciesFirst(t *testing.T) {
	t.Parallel()
	datasets := []DatasetSpec{
		{Name: "c", Connection: "warehouse", DependsOn: []string{"b"}},
		{Name: "b", Connection: "warehouse", DependsOn: []string{"a"}},
		{Name: "a", Connection: "warehouse"},
	}
	ordered, err := TopologicalOrder(datasets)
	require.NoError(t, err)

	pos := map[string]int{}
	for i, ds := range ordered {
		pos[ds.Name] = i
	}
	require.Less(t, pos["a"], pos["b"])
	require.Less(t, pos["b"], pos["c"])
}

func TestTopologicalOrder_CycleErrors(t *testing.T) {
	t.Parallel()
	datasets := []DatasetSpec{
		{Name: "a", Connection: "warehouse", DependsOn: []string{"b"}},
		{Name: "b", Connection: "warehouse", DependsOn: []string{"a"}},
	}
	_, err := TopologicalOrder(datasets)
	require.Error(t, err)
}

func TestParseDuration_DayAndWeekSuffixes(t *testing.T) {
	t.Parallel()
	d, err := ParseDuration("3d")
	require.NoError(t, err)
	require.Equal(t, 72*time.Hour, d)

	w, err := ParseDuration("2w")
	require.NoError(t, err)
	require.Equal(t, 14*24*time.Hour, w)
}

func TestResolveDataset_AppendPolicy(t *testing.T) {
	t.Parallel()
	spec := DatasetSpec{
		Name:       "events",
		Connection: "warehouse",
		Table:      "events",
		PrimaryKey: []string{"id"},
		Refresh:    RefreshSpec{Mode: "append", Overlap: "5m", CheckInterval: "30s"},
	}
	ds, err := ResolveDataset(spec, arrowbatch.Schema{})
	require.NoError(t, err)
	ar, ok := ds.Refresh.(engine.AppendRefresh)
	require.True(t, ok)
	require.Equal(t, "5m", ar.Overlap)
	require.Equal(t, "30s", ar.CommonRefreshOptions.CheckInterval)
}
