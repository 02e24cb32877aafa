// Package source defines the Source Adapter capability interface shared by
// every federated connector (ClickHouse, Postgres, S3/Parquet, InfluxDB,
// Arrow Flight).
package source

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/arrowbatch"
)

// ScanOptions parameterizes a full or incremental scan of a source table.
type ScanOptions struct {
	Table string
	// Since/Until bound a time-column range for append/changes refresh;
	// both nil means a full scan.
	Since, Until any
	TimeColumn   string
	// PartitionColumn/PartitionSince add a second, coarser predicate
	// alongside TimeColumn/Since (spec.md §8 S6): when the dataset
	// declares a physical time_partition_column, the adapter applies both
	// filters together so partition pruning doesn't sacrifice the logical
	// column's precision.
	PartitionColumn string
	PartitionSince  any
	// SQL, when non-empty, overrides the adapter's generated query (the
	// refresh_sql config override), which the adapter wraps with its own
	// time-range predicate rather than executing verbatim.
	SQL string
}

// Adapter is the minimal capability every Source Adapter must provide:
// schema discovery and a streaming scan. Adapters that also support
// federated SQL pushdown additionally implement FederatedAdapter; adapters
// fronting a CDC-capable source additionally implement ChangeAdapter.
type Adapter interface {
	Name() string
	Schema(ctx context.Context, table string) (*arrowbatch.Schema, error)
	Scan(ctx context.Context, opts ScanOptions) (<-chan arrow.Record, <-chan error)
}

// FederatedAdapter is implemented by adapters capable of pushing a SQL
// fragment down to the source rather than scanning and filtering locally
// (ClickHouse, Postgres, Arrow Flight SQL). internal/server checks for this
// interface to set the Federation Arbiter's Capability.Federated.
type FederatedAdapter interface {
	Adapter
	ExecuteFederated(ctx context.Context, sql string) (<-chan arrow.Record, <-chan error)
}

// ChangeOp tags one event in a ChangeAdapter's stream.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is one entry of an ordered CDC-like stream: insert/update
// carry the row's new state in After; delete carries only the primary key
// values, in the dataset's declared primary_key column order. Seq, when
// non-zero, is a monotonically increasing sequence number the Refresh
// Engine uses to detect an out-of-order delivery, which spec.md §4.2
// treats as a protocol violation fatal to the dataset.
type ChangeEvent struct {
	Op    ChangeOp
	After arrow.Record
	Key   []any
	Seq   int64
}

// ChangeAdapter is implemented by Source Adapters fronting a source with a
// native ordered change-event feed (a CDC replication slot, a changefeed,
// an event-sourced table). Changes refresh (engine.ChangesRefresh) requires
// this interface; an Adapter without it cannot express row deletes and so
// cannot serve a Changes discipline.
type ChangeAdapter interface {
	Adapter
	Changes(ctx context.Context, table string, since any) (<-chan ChangeEvent, <-chan error)
}
