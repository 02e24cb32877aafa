// Package accel defines the Acceleration Store capability interface and
// its variants: in-memory columnar, embedded file, embedded SQL, and
// remote SQL.
package accel

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"

	"github.com/spiceai/spice/internal/arrowbatch"
)

// Commit identifies one completed write operation: ID is a fresh
// identifier minted for every commit, for audit/logging. Stores never look
// an ID up, so a retried write is a new commit, not a no-op.
type Commit struct {
	ID    uuid.UUID
	Rows  int64
}

// Op is a comparison operator used by Predicate leaves.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Predicate is a conjunction of simple column comparisons. The Acceleration
// Store contract only needs to push down the time-range and primary-key
// predicates the Refresh Engine and Retention Sweeper issue, not arbitrary
// SQL — the Federation Arbiter owns general predicate pushdown decisions.
type Predicate struct {
	Clauses []Clause
}

type Clause struct {
	Column string
	Op     Op
	Value  any
}

// OpenOptions carries the declared dataset schema's auxiliary properties
// that a store variant needs at open time but that don't belong in the
// schema itself.
type OpenOptions struct {
	PrimaryKey          []string
	TimeColumn          string
	TimePartitionColumn string
	OnConflict          map[string]ConflictAction
	UnsupportedType     arrowbatch.UnsupportedTypeAction
}

// ConflictAction is the per-column resolution policy for rows that collide
// on the declared primary key.
type ConflictAction string

const (
	ConflictDrop   ConflictAction = "drop"
	ConflictUpsert ConflictAction = "upsert"
)

// RecordStream is a pull-based iterator over arrow.Record batches returned
// by Scan. Callers must call Release when done, even on error.
type RecordStream interface {
	Next() (arrow.Record, error) // returns io.EOF when exhausted
	Release()
}

// Store is the Acceleration Store capability every variant implements.
// It is schema-typed: Open is called once with the dataset's (possibly
// widened) declared schema. The memory and file variants coerce every
// incoming batch against that schema (internal/arrowbatch.Coerce) and
// check it with arrowbatch.VerifyConstraints inside their own write paths;
// the sqlite and remotesql variants call neither.
type Store interface {
	// Open prepares the store to accept the given schema, creating
	// underlying tables/files/segments as needed. Open is idempotent:
	// calling it again with a schema that only adds columns widens the
	// existing table without disturbing readers.
	Open(ctx context.Context, schema *arrowbatch.Schema, opts OpenOptions) error

	// AppendStream commits every batch received on batches as new rows.
	// It does not consult the primary key; duplicate PK values may result
	// depending on the caller's refresh discipline.
	AppendStream(ctx context.Context, batches <-chan arrow.Record) (Commit, error)

	// UpsertStream commits batches using pk for conflict resolution: a row
	// whose pk values match an existing row replaces it (ConflictUpsert)
	// or is dropped (ConflictDrop), per OpenOptions.OnConflict.
	UpsertStream(ctx context.Context, batches <-chan arrow.Record, pk []string) (Commit, error)

	// Delete removes rows matching predicate and returns the number of
	// rows removed, used by the Retention Sweeper.
	Delete(ctx context.Context, predicate Predicate) (int64, error)

	// ReplaceAll atomically swaps the entire table contents for the rows
	// read from batches. Readers who started a Scan before the swap
	// continue to see the prior contents until their scan completes.
	ReplaceAll(ctx context.Context, batches <-chan arrow.Record) (Commit, error)

	// Scan returns rows projected to proj (nil means all columns) matching
	// filter, with an optional row limit (0 means unlimited).
	Scan(ctx context.Context, proj []string, filter Predicate, limit int64) (RecordStream, error)

	// SnapshotMax returns the maximum value currently stored in column
	// (typically the time or time-partition column), used to compute the
	// dataset's Watermark. ok is false for an empty table.
	SnapshotMax(ctx context.Context, column string) (value any, ok bool, err error)

	Close() error
}
