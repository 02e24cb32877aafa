package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/source"
)

// pump relays records from recCh onto a freshly created channel that the
// caller hands to an accel.Store write method, applying limit (if set) so
// the store's own accept rate governs how fast the source scan is drained —
// spec.md §5's end-to-end backpressure. It returns at once; the returned
// function blocks until errCh is closed and returns the first scan error.
func pump(ctx context.Context, recCh <-chan arrow.Record, errCh <-chan error, limit *rateLimiter) (<-chan arrow.Record, func() error) {
	out := make(chan arrow.Record)
	var scanErr error
	go func() {
		defer close(out)
		for rec := range recCh {
			if limit != nil {
				if err := limit.Wait(ctx); err != nil {
					rec.Release()
					continue
				}
			}
			out <- rec
		}
	}()
	return out, func() error {
		for err := range errCh {
			if err != nil && scanErr == nil {
				scanErr = err
			}
		}
		return scanErr
	}
}

// rateLimiter is the minimal surface refresh needs from *rate.Limiter,
// kept as an interface so disciplines.go doesn't import golang.org/x/time
// directly — Binding.ScanLimit (a *rate.Limiter) satisfies it.
type rateLimiter interface {
	Wait(ctx context.Context) error
}

func (e *Engine) runFull(ctx context.Context, h *engine.Handle, b Binding) (int64, error) {
	recCh, errCh := b.Adapter.Scan(ctx, source.ScanOptions{Table: h.Dataset.Source.Table, SQL: fullRefreshSQL(h.Dataset.Refresh)})
	batches, wait := pump(ctx, recCh, errCh, scanLimit(b))
	commit, err := b.Store.ReplaceAll(ctx, batches)
	if err != nil {
		return 0, fmt.Errorf("replace_all: %w", err)
	}
	if err := wait(); err != nil {
		return 0, err
	}
	return commit.Rows, nil
}

func fullRefreshSQL(p engine.RefreshPolicy) string {
	if f, ok := p.(engine.FullRefresh); ok {
		return f.RefreshSQL
	}
	return ""
}

func (e *Engine) runAppend(ctx context.Context, h *engine.Handle, b Binding, p engine.AppendRefresh) (int64, error) {
	watermarkCol := h.Dataset.TimeColumn
	if watermarkCol == "" {
		watermarkCol = h.Dataset.TimePartitionColumn
	}

	var lower any
	if max, ok, err := b.Store.SnapshotMax(ctx, watermarkCol); err != nil {
		return 0, fmt.Errorf("snapshot_max: %w", err)
	} else if ok {
		lower = subtractOverlap(max, p.Overlap)
	}

	opts := source.ScanOptions{
		Table:      h.Dataset.Source.Table,
		Since:      lower,
		TimeColumn: h.Dataset.TimeColumn,
		SQL:        p.RefreshSQL,
	}
	// Partition-pruned append (spec.md §8 S6): when a physical partition
	// column is configured it is coarser than the logical time column and
	// lets the Source Adapter prune whole partitions; both predicates are
	// sent together so pruning doesn't sacrifice the logical column's
	// precision.
	if h.Dataset.TimePartitionColumn != "" {
		opts.PartitionColumn = h.Dataset.TimePartitionColumn
		opts.PartitionSince = truncateToPartition(lower, h.Dataset.TimePartitionFormat)
	}

	recCh, errCh := b.Adapter.Scan(ctx, opts)
	batches, wait := pump(ctx, recCh, errCh, scanLimit(b))

	var commit accel.Commit
	var err error
	if p.Overlap != "" && len(h.Dataset.PrimaryKey) > 0 {
		// Overlap re-fetches some already-accelerated rows; upsert so the
		// overlap window is idempotent instead of duplicating rows.
		commit, err = b.Store.UpsertStream(ctx, batches, h.Dataset.PrimaryKey)
		if err != nil {
			return 0, fmt.Errorf("append_stream (upsert on overlap): %w", err)
		}
	} else if p.Overlap != "" {
		// spec.md §9 open question: overlap without a primary key would
		// re-emit duplicate rows with no way to resolve them, so it's
		// forbidden outright rather than silently accepted.
		return 0, fmt.Errorf("dataset %q: refresh_append_overlap requires a primary key", h.Dataset.Name)
	} else {
		commit, err = b.Store.AppendStream(ctx, batches)
		if err != nil {
			return 0, fmt.Errorf("append_stream: %w", err)
		}
	}
	if err := wait(); err != nil {
		return 0, err
	}
	return commit.Rows, nil
}

// runChanges subscribes to the Source Adapter's ordered change-event
// stream and applies each event under the dataset's primary key, in
// order: insert/update upsert `after`, delete removes by key. The
// Source Adapter must implement source.ChangeAdapter — a plain Adapter
// has no way to express row-level deletes, and falling back to a bulk
// upsert-of-everything would silently violate the "delete removes by key"
// invariant, so that case is a configuration error instead of a silent
// behavior change.
func (e *Engine) runChanges(ctx context.Context, h *engine.Handle, b Binding, p engine.ChangesRefresh) (int64, error) {
	changeAdapter, ok := b.Adapter.(source.ChangeAdapter)
	if !ok {
		return 0, fmt.Errorf("dataset %q: refresh.mode changes requires a Source Adapter implementing ChangeAdapter, got %T", h.Dataset.Name, b.Adapter)
	}
	if len(h.Dataset.PrimaryKey) == 0 {
		return 0, fmt.Errorf("dataset %q: changes refresh requires a primary key", h.Dataset.Name)
	}

	var since any
	if max, ok, err := b.Store.SnapshotMax(ctx, p.ChangeColumn); err != nil {
		return 0, fmt.Errorf("snapshot_max(%s): %w", p.ChangeColumn, err)
	} else if ok {
		since = max
	}

	evCh, errCh := changeAdapter.Changes(ctx, h.Dataset.Source.Table, since)

	var rows int64
	var lastSeq int64
	haveSeq := false
	for ev := range evCh {
		if ev.Seq != 0 {
			if haveSeq && ev.Seq <= lastSeq {
				return rows, fmt.Errorf("dataset %q: changes stream out of order (seq %d after %d)", h.Dataset.Name, ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
			haveSeq = true
		}

		n, err := e.applyChangeEvent(ctx, b.Store, h.Dataset.PrimaryKey, ev)
		if err != nil {
			return rows, fmt.Errorf("apply change event (op=%s): %w", ev.Op, err)
		}
		rows += n
	}
	if err := <-errCh; err != nil {
		return rows, err
	}
	return rows, nil
}

func (e *Engine) applyChangeEvent(ctx context.Context, store accel.Store, pk []string, ev source.ChangeEvent) (int64, error) {
	switch ev.Op {
	case source.ChangeInsert, source.ChangeUpdate:
		if ev.After == nil {
			return 0, fmt.Errorf("op %s missing after record", ev.Op)
		}
		ch := make(chan arrow.Record, 1)
		ch <- ev.After
		close(ch)
		commit, err := store.UpsertStream(ctx, ch, pk)
		if err != nil {
			return 0, err
		}
		return commit.Rows, nil
	case source.ChangeDelete:
		if len(ev.Key) != len(pk) {
			return 0, fmt.Errorf("delete event key has %d values, want %d (len(primary_key))", len(ev.Key), len(pk))
		}
		pred := accel.Predicate{}
		for i, col := range pk {
			pred.Clauses = append(pred.Clauses, accel.Clause{Column: col, Op: accel.OpEq, Value: ev.Key[i]})
		}
		return store.Delete(ctx, pred)
	default:
		return 0, fmt.Errorf("unknown change op %q", ev.Op)
	}
}

func subtractOverlap(max any, overlapDur string) any {
	if overlapDur == "" {
		return max
	}
	d, err := time.ParseDuration(overlapDur)
	if err != nil || d == 0 {
		return max
	}
	switch v := max.(type) {
	case arrow.Timestamp:
		return arrow.Timestamp(int64(v) - d.Nanoseconds()/1000)
	case int64:
		return v - d.Nanoseconds()
	case time.Time:
		return v.Add(-d)
	default:
		return max
	}
}

// truncateToPartition coarsens a time-column watermark value down to the
// partition column's own granularity (currently only "date" is supported,
// matching spec.md §8 S6's date_col example); any other format passes the
// value through unchanged, since the store/adapter's own comparison
// already tolerates comparing a finer value against a coarser column.
func truncateToPartition(v any, format string) any {
	if format != "date" {
		return v
	}
	switch t := v.(type) {
	case time.Time:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	default:
		return v
	}
}

func scanLimit(b Binding) rateLimiter {
	if b.ScanLimit == nil {
		return nil
	}
	return b.ScanLimit
}
