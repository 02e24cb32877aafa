// Package config parses and validates the Spicepod YAML document: the
// external configuration surface for every dataset, connection, and
// runtime option.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/spiceai/spice/internal/engine"
)

// Spicepod is the root configuration document.
type Spicepod struct {
	Version     string                `yaml:"version"`
	Name        string                `yaml:"name"`
	Connections map[string]Connection `yaml:"connections"`
	Datasets    []DatasetSpec         `yaml:"datasets"`
	Runtime     RuntimeSpec           `yaml:"runtime"`
}

type Connection struct {
	Driver string            `yaml:"driver"` // clickhouse | postgres | s3 | influxdb | flight
	Params map[string]string `yaml:"params"`
}

type RetrySpec struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseBackoff string `yaml:"base_backoff"`
	MaxBackoff  string `yaml:"max_backoff"`
	Jitter      string `yaml:"jitter"`
}

// RefreshSpec is the raw YAML shape of a dataset's refresh policy; exactly
// one of Full/Append/Changes is set, mirroring the sum type in
// internal/engine.RefreshPolicy.
type RefreshSpec struct {
	CheckInterval string     `yaml:"check_interval"`
	Retry         *RetrySpec `yaml:"retry"`

	Mode string `yaml:"mode"` // full | append | changes

	// append
	Overlap    string `yaml:"overlap"`
	RefreshSQL string `yaml:"refresh_sql"`

	// changes
	ChangeColumn string `yaml:"change_column"`
}

type RetentionSpec struct {
	Column string `yaml:"column"`
	Window string `yaml:"window"`
	Check  string `yaml:"check"`
}

type IndexSpec struct {
	Column string `yaml:"column"`
	Mode   string `yaml:"mode"` // enabled | unique
}

// ReadyStateSpec supports both the nested form ({on: "load"}) and the
// bare top-level string form ("on_load"); per spec.md §9's resolution,
// the nested form wins when both are present.
type ReadyStateSpec struct {
	Bare   string `yaml:"-"`
	Nested *struct {
		On string `yaml:"on"`
	} `yaml:"ready_state"`
}

func (r *ReadyStateSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.Bare)
	}
	nested := struct {
		On string `yaml:"on"`
	}{}
	if err := value.Decode(&nested); err != nil {
		return err
	}
	r.Nested = &nested
	return nil
}

// Resolve returns the effective ready_state string, preferring the nested
// form over the bare top-level form.
func (r *ReadyStateSpec) Resolve() string {
	if r == nil {
		return ""
	}
	if r.Nested != nil && r.Nested.On != "" {
		return r.Nested.On
	}
	return r.Bare
}

type DatasetSpec struct {
	Name                string            `yaml:"name"`
	Connection          string            `yaml:"connection"`
	Table               string            `yaml:"table"`
	TimeColumn          string            `yaml:"time_column"`
	TimeFormat          string            `yaml:"time_format"`
	TimePartitionColumn string            `yaml:"time_partition_column"`
	TimePartitionFormat string            `yaml:"time_partition_format"`
	PrimaryKey          []string          `yaml:"primary_key"`
	Indexes             []IndexSpec       `yaml:"indexes"`
	Refresh             RefreshSpec       `yaml:"refresh"`
	Retention           *RetentionSpec    `yaml:"retention"`
	OnConflict          map[string]string `yaml:"on_conflict"`
	ReadyState          *ReadyStateSpec   `yaml:"ready_state,omitempty"`
	OnZeroResults       string            `yaml:"on_zero_results"`
	UnsupportedType     string            `yaml:"unsupported_type_action"`
	DependsOn           []string          `yaml:"depends_on"`
	Acceleration        AccelerationSpec  `yaml:"acceleration"`
}

type AccelerationSpec struct {
	Variant string `yaml:"variant"` // memory | file | sqlite | remotesql
	Target  string `yaml:"target"`  // for remotesql: the connection name to accelerate into
}

type RuntimeSpec struct {
	ListenAddr              string `yaml:"listen_addr"`
	DatasetLoadParallelism  int    `yaml:"dataset_load_parallelism"`
	ResultsCacheMaxBytes    int64  `yaml:"results_cache_max_bytes"`
	ResultsCacheTTL         string `yaml:"results_cache_ttl"`
	Verbose                 bool   `yaml:"verbose"`
}

// Load reads and parses a Spicepod document from path.
func Load(path string) (*Spicepod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spicepod: %w", err)
	}
	var pod Spicepod
	if err := yaml.Unmarshal(data, &pod); err != nil {
		return nil, fmt.Errorf("parse spicepod: %w", err)
	}
	if err := pod.Validate(); err != nil {
		return nil, err
	}
	return &pod, nil
}

// Validate reports invalid_config failures: every error it returns is an
// *engine.DatasetError with Kind KindInvalidConfig (Dataset is "" for
// document-level failures that aren't scoped to one dataset, like a
// depends_on cycle spanning several).
func (p *Spicepod) Validate() error {
	if p.Name == "" {
		return engine.NewError(engine.KindInvalidConfig, "", fmt.Errorf("spicepod: name is required"))
	}
	seen := map[string]bool{}
	for _, ds := range p.Datasets {
		if ds.Name == "" {
			return engine.NewError(engine.KindInvalidConfig, "", fmt.Errorf("spicepod: dataset with empty name"))
		}
		if seen[ds.Name] {
			return engine.NewError(engine.KindInvalidConfig, ds.Name, fmt.Errorf("duplicate dataset name"))
		}
		seen[ds.Name] = true
		if err := ds.Validate(); err != nil {
			return engine.NewError(engine.KindInvalidConfig, ds.Name, err)
		}
	}
	deps := map[string][]string{}
	for _, ds := range p.Datasets {
		for _, dep := range ds.DependsOn {
			if !seen[dep] {
				return engine.NewError(engine.KindInvalidConfig, ds.Name, fmt.Errorf("depends on unknown dataset %q", dep))
			}
		}
		deps[ds.Name] = ds.DependsOn
	}
	if cycle := findCycle(deps); cycle != nil {
		return engine.NewError(engine.KindInvalidConfig, "", fmt.Errorf("depends_on cycle: %s", strings.Join(cycle, " -> ")))
	}
	return nil
}

// findCycle walks the depends_on graph with the standard three-color DFS
// and returns the cycle (as a node-name path) if one exists, else nil.
func findCycle(deps map[string][]string) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return append(append([]string{}, path...), name)
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range deps[name] {
			if cyc := visit(dep); cyc != nil {
				return cyc
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if cyc := visit(name); cyc != nil {
			return cyc
		}
	}
	return nil
}

// TopologicalOrder returns datasets reordered so that every dataset appears
// after everything in its DependsOn, regardless of their order in the YAML
// document. Datasets are otherwise ordered by name for determinism.
// Validate must have already rejected cycles and unknown depends_on
// references; TopologicalOrder assumes both and errors only as a backstop.
func TopologicalOrder(datasets []DatasetSpec) ([]DatasetSpec, error) {
	byName := make(map[string]DatasetSpec, len(datasets))
	names := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		byName[ds.Name] = ds
		names = append(names, ds.Name)
	}
	sort.Strings(names)

	visited := map[string]bool{}
	visiting := map[string]bool{}
	ordered := make([]DatasetSpec, 0, len(datasets))

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("depends_on cycle at %q", name)
		}
		ds, ok := byName[name]
		if !ok {
			return fmt.Errorf("depends on unknown dataset %q", name)
		}
		visiting[name] = true
		for _, dep := range ds.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		ordered = append(ordered, ds)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func (d *DatasetSpec) Validate() error {
	if d.Connection == "" {
		return fmt.Errorf("connection is required")
	}
	switch d.Refresh.Mode {
	case "", "full":
	case "append":
		if d.Refresh.Overlap != "" && len(d.PrimaryKey) == 0 {
			return fmt.Errorf("refresh.overlap requires primary_key")
		}
	case "changes":
		if d.Refresh.ChangeColumn == "" {
			return fmt.Errorf("refresh.mode changes requires refresh.change_column")
		}
		if len(d.PrimaryKey) == 0 {
			return fmt.Errorf("refresh.mode changes requires primary_key")
		}
	default:
		return fmt.Errorf("unknown refresh.mode %q", d.Refresh.Mode)
	}
	if d.Retention != nil {
		if _, err := ParseDuration(d.Retention.Window); err != nil {
			return fmt.Errorf("retention.window: %w", err)
		}
	}
	return nil
}

// ParseDuration extends time.ParseDuration with day ("d") and week ("w")
// suffixes, since the stdlib parser stops at hours.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n := len(s); n > 1 {
		switch s[n-1] {
		case 'd', 'D':
			days, err := parseLeadingNumber(s[:n-1])
			if err == nil {
				return time.Duration(days * 24 * float64(time.Hour)), nil
			}
		case 'w', 'W':
			weeks, err := parseLeadingNumber(s[:n-1])
			if err == nil {
				return time.Duration(weeks * 7 * 24 * float64(time.Hour)), nil
			}
		}
	}
	return time.ParseDuration(s)
}

func parseLeadingNumber(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
