// Package sqlite implements the embedded SQL Acceleration Store variant,
// backed by modernc.org/sqlite (pure Go, no cgo). Each dataset gets its own
// table, created or widened at Open; ReplaceAll uses a staging-table
// build-then-rename swap so concurrent Scan callers never see a half
// loaded table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

type Store struct {
	log     *slog.Logger
	db      *sql.DB
	dataset string
	table   string

	mu     sync.RWMutex
	schema *arrowbatch.Schema
	opts   accel.OpenOptions
	epoch  atomic.Int64
}

// New opens (or creates) the SQLite database file at path, shared by every
// dataset's Store instance, and runs the bookkeeping migration.
func New(ctx context.Context, log *slog.Logger, path string, dataset string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; keep it simple
	if err := migrate(ctx, log, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{log: log, db: db, dataset: dataset, table: "ds_" + sanitize(dataset)}, nil
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for _, c := range []byte(name) {
		if c == '-' || c == '.' || c == ' ' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

func (s *Store) Open(ctx context.Context, schema *arrowbatch.Schema, opts accel.OpenOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT table_name FROM spice_dataset_tables WHERE dataset_name = ?`, s.dataset).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, createTableSQL(s.table, schema, opts.PrimaryKey)); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO spice_dataset_tables (dataset_name, table_name, epoch) VALUES (?, ?, 0)`,
			s.dataset, s.table); err != nil {
			return fmt.Errorf("register dataset table: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup dataset table: %w", err)
	default:
		if err := s.widen(ctx, schema); err != nil {
			return err
		}
		var epoch int64
		if err := s.db.QueryRowContext(ctx, `SELECT epoch FROM spice_dataset_tables WHERE dataset_name = ?`, s.dataset).Scan(&epoch); err == nil {
			s.epoch.Store(epoch)
		}
	}

	s.schema = schema
	s.opts = opts
	return nil
}

// widen adds any schema columns missing from the existing table, mirroring
// the append-only widening internal/arrowbatch.Schema.Widen already
// enforces at the caller.
func (s *Store) widen(ctx context.Context, schema *arrowbatch.Schema) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(s.table)))
	if err != nil {
		return fmt.Errorf("read table_info: %w", err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()

	for _, col := range schema.Columns {
		if !existing[col.Name] {
			if _, err := s.db.ExecContext(ctx, addColumnSQL(s.table, col)); err != nil {
				return fmt.Errorf("widen table for column %q: %w", col.Name, err)
			}
		}
	}
	return nil
}

func (s *Store) bumpEpoch(ctx context.Context) int64 {
	next := s.epoch.Add(1)
	_, _ = s.db.ExecContext(ctx, `UPDATE spice_dataset_tables SET epoch = ? WHERE dataset_name = ?`, next, s.dataset)
	return next
}

func (s *Store) AppendStream(ctx context.Context, batches <-chan arrow.Record) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accel.Commit{}, fmt.Errorf("begin tx: %w", err)
	}
	var total int64
	for rec := range batches {
		n, err := s.insertBatch(ctx, tx, rec, false)
		rec.Release()
		if err != nil {
			tx.Rollback()
			return accel.Commit{}, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return accel.Commit{}, fmt.Errorf("commit: %w", err)
	}
	s.bumpEpoch(ctx)
	return accel.Commit{ID: uuid.New(), Rows: total}, nil
}

func (s *Store) UpsertStream(ctx context.Context, batches <-chan arrow.Record, pk []string) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accel.Commit{}, fmt.Errorf("begin tx: %w", err)
	}
	var total int64
	for rec := range batches {
		n, err := s.insertBatch(ctx, tx, rec, true)
		rec.Release()
		if err != nil {
			tx.Rollback()
			return accel.Commit{}, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return accel.Commit{}, fmt.Errorf("commit: %w", err)
	}
	s.bumpEpoch(ctx)
	return accel.Commit{ID: uuid.New(), Rows: total}, nil
}

func (s *Store) insertBatch(ctx context.Context, tx *sql.Tx, rec arrow.Record, upsert bool) (int64, error) {
	names := make([]string, rec.NumCols())
	placeholders := make([]string, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		names[i] = quoteIdent(f.Name)
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(s.table), joinComma(names), joinComma(placeholders))
	if upsert && len(s.opts.PrimaryKey) > 0 {
		stmt += onConflictClause(s.opts.PrimaryKey, names, s.opts.OnConflict)
	} else {
		stmt += " ON CONFLICT DO NOTHING"
	}

	prep, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer prep.Close()

	rows := recordToRows(rec)
	for _, row := range rows {
		if _, err := prep.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("insert row: %w", err)
		}
	}
	return int64(len(rows)), nil
}

func onConflictClause(pk []string, cols []string, actions map[string]accel.ConflictAction) string {
	quoted := make([]string, len(pk))
	for i, c := range pk {
		quoted[i] = quoteIdent(c)
	}
	var sets []string
	for _, c := range cols {
		unquoted := c[1 : len(c)-1]
		if isPK(unquoted, pk) {
			continue
		}
		if actions[unquoted] == accel.ConflictDrop {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", joinComma(quoted))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", joinComma(quoted), joinComma(sets))
}

func isPK(col string, pk []string) bool {
	for _, p := range pk {
		if p == col {
			return true
		}
	}
	return false
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func (s *Store) Delete(ctx context.Context, predicate accel.Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := predicateSQL(predicate)
	stmt := "DELETE FROM " + quoteIdent(s.table)
	if where != "" {
		stmt += " WHERE " + where
	}
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.bumpEpoch(ctx)
	}
	return n, nil
}

func (s *Store) ReplaceAll(ctx context.Context, batches <-chan arrow.Record) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staging := s.table + "_staging"
	s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(staging))
	if _, err := s.db.ExecContext(ctx, createTableSQL(staging, s.schema, s.opts.PrimaryKey)); err != nil {
		return accel.Commit{}, fmt.Errorf("create staging table: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accel.Commit{}, fmt.Errorf("begin tx: %w", err)
	}
	var total int64
	for rec := range batches {
		names := make([]string, rec.NumCols())
		placeholders := make([]string, rec.NumCols())
		for i, f := range rec.Schema().Fields() {
			names[i] = quoteIdent(f.Name)
			placeholders[i] = "?"
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(staging), joinComma(names), joinComma(placeholders))
		prep, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			rec.Release()
			tx.Rollback()
			return accel.Commit{}, fmt.Errorf("prepare staging insert: %w", err)
		}
		for _, row := range recordToRows(rec) {
			if _, err := prep.ExecContext(ctx, row...); err != nil {
				prep.Close()
				rec.Release()
				tx.Rollback()
				return accel.Commit{}, fmt.Errorf("insert staging row: %w", err)
			}
			total++
		}
		prep.Close()
		rec.Release()
	}
	if err := tx.Commit(); err != nil {
		return accel.Commit{}, fmt.Errorf("commit staging: %w", err)
	}

	// Swap: readers mid-Scan hold their own query result set against the
	// old table name until it closes, so the rename is safe under WAL.
	old := s.table + "_old"
	s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(old))
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(s.table), quoteIdent(old))); err != nil {
		return accel.Commit{}, fmt.Errorf("rename current to old: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(staging), quoteIdent(s.table))); err != nil {
		return accel.Commit{}, fmt.Errorf("rename staging to current: %w", err)
	}
	s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(old))

	s.bumpEpoch(ctx)
	return accel.Commit{ID: uuid.New(), Rows: total}, nil
}

func (s *Store) Scan(ctx context.Context, proj []string, filter accel.Predicate, limit int64) (accel.RecordStream, error) {
	s.mu.RLock()
	schema := s.schema
	s.mu.RUnlock()

	colNames := proj
	if len(colNames) == 0 {
		colNames = make([]string, len(schema.Columns))
		for i, c := range schema.Columns {
			colNames[i] = c.Name
		}
	}
	quoted := make([]string, len(colNames))
	for i, c := range colNames {
		quoted[i] = quoteIdent(c)
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s", joinComma(quoted), quoteIdent(s.table))
	where, args := predicateSQL(filter)
	if where != "" {
		stmt += " WHERE " + where
	}
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("scan query: %w", err)
	}

	projSchema, err := schema.Project(colNames)
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &rowStream{rows: rows, schema: projSchema}, nil
}

type rowStream struct {
	rows   *sql.Rows
	schema *arrowbatch.Schema
}

func (rs *rowStream) Next() (arrow.Record, error) {
	const batchSize = 4096
	var batch [][]any
	for len(batch) < batchSize {
		if !rs.rows.Next() {
			if err := rs.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		vals := make([]any, len(rs.schema.Columns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		batch = append(batch, vals)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return arrowbatch.BuildRecord(rs.schema, batch)
}

func (rs *rowStream) Release() { rs.rows.Close() }

func (s *Store) SnapshotMax(ctx context.Context, column string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v any
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent(column), quoteIdent(s.table))).Scan(&v)
	if err != nil {
		return nil, false, fmt.Errorf("snapshot max: %w", err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *Store) Close() error { return s.db.Close() }

// recordToRows converts an arrow.Record into positional, driver-bindable
// Go values, the mirror image of arrowbatch.BuildRecord.
func recordToRows(rec arrow.Record) [][]any {
	rows := make([][]any, rec.NumRows())
	for r := range rows {
		rows[r] = make([]any, rec.NumCols())
	}
	for c := 0; c < int(rec.NumCols()); c++ {
		col := rec.Column(c)
		for r := 0; r < int(rec.NumRows()); r++ {
			v := arrowbatch.ValueAt(col, r)
			if t, ok := v.(time.Time); ok {
				v = arrowbatch.ToMicros(t)
			}
			rows[r][c] = v
		}
	}
	return rows
}
