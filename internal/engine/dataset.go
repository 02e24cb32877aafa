// Package engine owns the per-dataset lifecycle: the Dataset declaration,
// the Handle that tracks readiness and freshness, and the Registry that
// composes every configured dataset, mirroring the indexer's View
// composition pattern generalized to the accelerated-dataset domain.
package engine

import (
	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

// IndexMode is the pushdown-index hint for a declared secondary index.
type IndexMode string

const (
	IndexEnabled IndexMode = "enabled"
	IndexUnique  IndexMode = "unique"
)

type IndexSpec struct {
	Column string
	Mode   IndexMode
}

// ReadyState controls when a dataset is first made visible to query
// traffic: immediately on registration (queries are answered from the
// Source Adapter until the first refresh commits) or only once the first
// refresh lands.
type ReadyState string

const (
	ReadyOnRegistration ReadyState = "on_registration"
	ReadyOnLoad         ReadyState = "on_load"
)

// ZeroResultsPolicy controls what a query sees when the accelerated table
// has zero matching rows: either an empty result (the common case) or a
// live fallback read straight from the Source Adapter.
type ZeroResultsPolicy string

const (
	ZeroResultsReturnEmpty ZeroResultsPolicy = "return_empty"
	ZeroResultsUseSource   ZeroResultsPolicy = "use_source"
)

// SourceLocator names the Source Adapter and its connection/table
// reference; the concrete meaning of Table is adapter-specific (a SQL
// table name, an S3 prefix, an InfluxDB measurement, a Flight path).
type SourceLocator struct {
	Adapter    string
	Connection string
	Table      string
}

// RefreshPolicy is a sum type over the three refresh disciplines. Each
// concrete policy embeds CommonRefreshOptions.
type RefreshPolicy interface {
	isRefreshPolicy()
	Common() CommonRefreshOptions
}

type CommonRefreshOptions struct {
	CheckInterval string // humanized duration, parsed by internal/config
	RetryPolicy   RetrySpec
}

type RetrySpec struct {
	MaxAttempts int
	BaseBackoff string
	MaxBackoff  string
	Jitter      string
}

type FullRefresh struct {
	CommonRefreshOptions
}

func (FullRefresh) isRefreshPolicy()                   {}
func (f FullRefresh) Common() CommonRefreshOptions      { return f.CommonRefreshOptions }

type AppendRefresh struct {
	CommonRefreshOptions
	Overlap    string // humanized duration subtracted from the high watermark
	RefreshSQL string // optional override subquery
}

func (AppendRefresh) isRefreshPolicy()              {}
func (a AppendRefresh) Common() CommonRefreshOptions { return a.CommonRefreshOptions }

type ChangesRefresh struct {
	CommonRefreshOptions
	ChangeColumn string // monotonically increasing change-sequence column
}

func (ChangesRefresh) isRefreshPolicy()               {}
func (c ChangesRefresh) Common() CommonRefreshOptions { return c.CommonRefreshOptions }

type RetentionPolicy struct {
	Column string
	Window string // humanized duration; rows older than now-Window are swept
	Check  string // humanized duration between sweeps
}

type ConflictAction = accel.ConflictAction

// Dataset is the fully resolved declaration of one accelerated table.
type Dataset struct {
	Name                   string
	Source                 SourceLocator
	Schema                 arrowbatch.Schema
	TimeColumn             string
	TimeFormat             string
	TimePartitionColumn    string
	TimePartitionFormat    string
	PrimaryKey             []string
	Indexes                []IndexSpec
	Refresh                RefreshPolicy
	Retention              *RetentionPolicy
	OnConflict             map[string]ConflictAction
	ReadyState             ReadyState
	OnZeroResults          ZeroResultsPolicy
	UnsupportedTypeAction  arrowbatch.UnsupportedTypeAction
	DependsOn              []string
}
