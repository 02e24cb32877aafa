// Package memory implements the in-memory columnar Acceleration Store
// variant. Writers never mutate the live table in place: every commit
// builds a new row set and swaps it into an atomic.Pointer, so a Scan
// reader holding the prior snapshot is unaffected by a concurrent write.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

// row is one record's values, positional against the store's schema.
type row []any

type snapshot struct {
	rows []row
}

// Store is the in-memory Acceleration Store variant. Internally it keeps
// rows rather than retained arrow.Record segments: batches are vectorized
// only at the write (ingest)/Scan boundary, which keeps upsert-by-PK and predicate
// evaluation simple generic code instead of per-type Arrow builders
// threaded through every operation.
type Store struct {
	mu     sync.Mutex // serializes writers only; Scan never takes it
	schema *arrowbatch.Schema
	opts   accel.OpenOptions
	cur    atomic.Pointer[snapshot]
}

func New() *Store {
	s := &Store{}
	s.cur.Store(&snapshot{})
	return s
}

func (s *Store) Open(ctx context.Context, schema *arrowbatch.Schema, opts accel.OpenOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema == nil {
		s.schema = schema
		s.opts = opts
		return nil
	}
	widened, err := s.schema.Widen(schema)
	if err != nil {
		return fmt.Errorf("widen schema: %w", err)
	}
	s.schema = widened
	s.opts = opts
	return nil
}

func (s *Store) AppendStream(ctx context.Context, batches <-chan arrow.Record) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	next := &snapshot{rows: append([]row{}, cur.rows...)}
	var n int64
	for rec := range batches {
		newRows, err := s.ingest(rec)
		if err != nil {
			return accel.Commit{}, err
		}
		next.rows = append(next.rows, newRows...)
		n += int64(len(newRows))
	}
	s.cur.Store(next)
	return accel.Commit{ID: uuid.New(), Rows: n}, nil
}

func (s *Store) UpsertStream(ctx context.Context, batches <-chan arrow.Record, pk []string) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	index := make(map[string]int, len(cur.rows))
	merged := append([]row{}, cur.rows...)
	for i, r := range merged {
		index[s.pkKey(r, pk)] = i
	}

	var n int64
	for rec := range batches {
		newRows, err := s.ingest(rec)
		if err != nil {
			return accel.Commit{}, err
		}
		for _, r := range newRows {
			key := s.pkKey(r, pk)
			if idx, ok := index[key]; ok {
				if s.opts.OnConflict[pk[0]] == accel.ConflictDrop {
					continue
				}
				merged[idx] = r
			} else {
				index[key] = len(merged)
				merged = append(merged, r)
			}
			n++
		}
	}
	s.cur.Store(&snapshot{rows: merged})
	return accel.Commit{ID: uuid.New(), Rows: n}, nil
}

func (s *Store) Delete(ctx context.Context, predicate accel.Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	kept := make([]row, 0, len(cur.rows))
	var deleted int64
	for _, r := range cur.rows {
		match, err := matchRow(r, s.schema, predicate)
		if err != nil {
			return 0, err
		}
		if match {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.cur.Store(&snapshot{rows: kept})
	return deleted, nil
}

func (s *Store) ReplaceAll(ctx context.Context, batches <-chan arrow.Record) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &snapshot{}
	var n int64
	for rec := range batches {
		newRows, err := s.ingest(rec)
		if err != nil {
			return accel.Commit{}, err
		}
		next.rows = append(next.rows, newRows...)
		n += int64(len(newRows))
	}
	s.cur.Store(next)
	return accel.Commit{ID: uuid.New(), Rows: n}, nil
}

func (s *Store) Scan(ctx context.Context, proj []string, filter accel.Predicate, limit int64) (accel.RecordStream, error) {
	snap := s.cur.Load()
	matched := make([]row, 0, len(snap.rows))
	for _, r := range snap.rows {
		ok, err := matchRow(r, s.schema, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, r)
			if limit > 0 && int64(len(matched)) >= limit {
				break
			}
		}
	}
	return &recordStream{schema: s.schema, rows: matched, proj: proj}, nil
}

func (s *Store) SnapshotMax(ctx context.Context, column string) (any, bool, error) {
	idx := s.schema.IndexOf(column)
	if idx == -1 {
		return nil, false, fmt.Errorf("column %q not in schema", column)
	}
	snap := s.cur.Load()
	var max any
	found := false
	for _, r := range snap.rows {
		v := r[idx]
		if v == nil {
			continue
		}
		if !found || compareAny(v, max) > 0 {
			max = v
			found = true
		}
	}
	return max, found, nil
}

func (s *Store) Close() error { return nil }

// ingest coerces rec to the store's schema and returns its rows, having
// already verified primary-key constraints.
func (s *Store) ingest(rec arrow.Record) ([]row, error) {
	coerced, _, err := arrowbatch.Coerce(rec, s.schema, s.opts.UnsupportedType)
	if err != nil {
		return nil, fmt.Errorf("coerce batch: %w", err)
	}
	defer coerced.Release()
	if err := arrowbatch.VerifyConstraints(coerced, s.schema, s.opts.PrimaryKey); err != nil {
		return nil, fmt.Errorf("verify constraints: %w", err)
	}
	return recordToRows(coerced)
}

func (s *Store) pkKey(r row, pk []string) string {
	key := ""
	for _, col := range pk {
		idx := s.schema.IndexOf(col)
		key += fmt.Sprintf("\x1f%v", r[idx])
	}
	return key
}

type recordStream struct {
	schema *arrowbatch.Schema
	rows   []row
	proj   []string
	sent   bool
}

// Next returns the entire matched row set as a single batch on the first
// call and io.EOF thereafter; callers needing true streaming chunking can
// wrap this with a batching adapter.
func (r *recordStream) Next() (arrow.Record, error) {
	if r.sent {
		return nil, io.EOF
	}
	r.sent = true
	return rowsToRecord(r.rows, r.schema, r.proj)
}

func (r *recordStream) Release() {}

func compareAny(a, b any) int {
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
