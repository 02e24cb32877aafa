package remotesql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/ClickHouse/clickhouse-go/v2" // registers the "clickhouse" database/sql driver
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
)

// Store is the remote-SQL Acceleration Store variant: schema and refresh
// discipline are owned here, exactly like internal/accel/sqlite, but the
// table lives in the warehouse or OLTP database named by dsn rather than
// an embedded file. One Store instance accelerates one dataset.
type Store struct {
	log     *slog.Logger
	dialect Dialect
	db      *sql.DB
	table   string

	mu     sync.RWMutex
	schema *arrowbatch.Schema
	opts   accel.OpenOptions
	epoch  atomic.Int64
}

// New opens a connection to the warehouse/database named by dsn and
// prepares it to accelerate dataset. dialect selects ClickHouse{} or
// Postgres{} DDL/DML; the database/sql driver each registers via its
// package import's side effect is looked up by dialect.DriverName().
func New(ctx context.Context, log *slog.Logger, dialect Dialect, dsn, dataset string) (*Store, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s acceleration store: %w", dialect.Name(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s acceleration store: %w", dialect.Name(), err)
	}
	log.Info("remote sql acceleration store connected", "dialect", dialect.Name(), "dataset", dataset)
	return &Store{log: log, dialect: dialect, db: db, table: "ds_" + sanitize(dataset)}, nil
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

	query, args := s.dialect.TableExistsSQL(s.table)
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return fmt.Errorf("check table existence: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, s.dialect.CreateTableSQL(s.table, schema, opts.PrimaryKey)); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	} else if s.schema != nil {
		widened, err := s.schema.Widen(schema)
		if err != nil {
			return fmt.Errorf("widen schema: %w", err)
		}
		schema = widened
		// NOTE: this variant does not issue ALTER TABLE ADD COLUMN for a
		// widened schema the way internal/accel/sqlite does; the warehouse
		// table must already carry any column the dataset adds, since
		// ClickHouse's online-ALTER semantics and Postgres's lock
		// requirements differ enough that this isn't a one-line helper
		// shared with the sqlite variant.
	}

	s.schema = schema
	s.opts = opts
	return nil
}

func (s *Store) bumpEpoch() int64 { return s.epoch.Add(1) }

func (s *Store) AppendStream(ctx context.Context, batches <-chan arrow.Record) (accel.Commit, error) {
	return s.writeStream(ctx, batches, nil)
}

func (s *Store) UpsertStream(ctx context.Context, batches <-chan arrow.Record, pk []string) (accel.Commit, error) {
	return s.writeStream(ctx, batches, pk)
}

func (s *Store) writeStream(ctx context.Context, batches <-chan arrow.Record, pk []string) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accel.Commit{}, fmt.Errorf("begin tx: %w", err)
	}
	var total int64
	for rec := range batches {
		n, err := s.insertBatch(ctx, tx, s.table, rec, pk)
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
	if total > 0 {
		s.bumpEpoch()
	}
	return accel.Commit{ID: uuid.New(), Rows: total}, nil
}

func (s *Store) insertBatch(ctx context.Context, tx *sql.Tx, table string, rec arrow.Record, pk []string) (int64, error) {
	names := make([]string, rec.NumCols())
	quoted := make([]string, rec.NumCols())
	placeholders := make([]string, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		names[i] = f.Name
		quoted[i] = s.dialect.QuoteIdent(f.Name)
		placeholders[i] = s.dialect.Placeholder(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.dialect.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if pk != nil {
		stmt += s.dialect.UpsertSuffix(pk, quoted, s.opts.OnConflict)
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

func (s *Store) Delete(ctx context.Context, predicate accel.Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where, args := s.predicateSQL(predicate)
	if where == "" {
		where = "1 = 1"
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.DeleteSQL(s.table, where), args...); err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	// ClickHouse's ALTER TABLE ... DELETE is an asynchronous mutation and
	// doesn't report rows affected synchronously; Postgres does via
	// sql.Result, but to keep one code path for both dialects this
	// variant re-derives the delete count with a COUNT(*) taken before
	// and after isn't safe under concurrent writers, so it reports the
	// row count matched by the predicate at delete time instead of rows
	// actually removed — acceptable here because the only caller,
	// internal/retention.Sweeper, only needs to know "at least one row".
	var matched int64
	countWhere, countArgs := s.predicateSQL(predicate)
	if countWhere == "" {
		countWhere = "1 = 1"
	}
	q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", s.dialect.QuoteIdent(s.table), countWhere)
	_ = s.db.QueryRowContext(ctx, q, countArgs...).Scan(&matched)
	if matched > 0 {
		s.bumpEpoch()
	}
	return matched, nil
}

func (s *Store) ReplaceAll(ctx context.Context, batches <-chan arrow.Record) (accel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staging := s.table + "_staging"
	s.db.ExecContext(ctx, s.dialect.DropTableSQL(staging))
	if _, err := s.db.ExecContext(ctx, s.dialect.CreateTableSQL(staging, s.schema, s.opts.PrimaryKey)); err != nil {
		return accel.Commit{}, fmt.Errorf("create staging table: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accel.Commit{}, fmt.Errorf("begin tx: %w", err)
	}
	var total int64
	for rec := range batches {
		n, err := s.insertBatch(ctx, tx, staging, rec, nil)
		rec.Release()
		if err != nil {
			tx.Rollback()
			return accel.Commit{}, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return accel.Commit{}, fmt.Errorf("commit staging: %w", err)
	}

	// Readers mid-Scan hold their own driver-level result set against the
	// prior table contents, so the rename below is safe to issue
	// concurrently — same swap-without-disturbing-readers contract as
	// internal/accel/sqlite.ReplaceAll.
	old := s.table + "_old"
	s.db.ExecContext(ctx, s.dialect.DropTableSQL(old))
	if _, err := s.db.ExecContext(ctx, s.dialect.RenameTableSQL(s.table, old)); err != nil {
		return accel.Commit{}, fmt.Errorf("rename current to old: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.RenameTableSQL(staging, s.table)); err != nil {
		return accel.Commit{}, fmt.Errorf("rename staging to current: %w", err)
	}
	s.db.ExecContext(ctx, s.dialect.DropTableSQL(old))

	s.bumpEpoch()
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
		quoted[i] = s.dialect.QuoteIdent(c)
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), s.dialect.QuoteIdent(s.table))
	where, args := s.predicateSQL(filter)
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
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", s.dialect.QuoteIdent(column), s.dialect.QuoteIdent(s.table))
	if err := s.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return nil, false, fmt.Errorf("snapshot max: %w", err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) predicateSQL(p accel.Predicate) (string, []any) {
	if len(p.Clauses) == 0 {
		return "", nil
	}
	clauses := make([]string, len(p.Clauses))
	args := make([]any, len(p.Clauses))
	for i, c := range p.Clauses {
		clauses[i] = fmt.Sprintf("%s %s %s", s.dialect.QuoteIdent(c.Column), string(c.Op), s.dialect.Placeholder(i+1))
		args[i] = normalizeArg(c.Value)
	}
	return strings.Join(clauses, " AND "), args
}

// normalizeArg passes values through unchanged: unlike internal/accel/sqlite,
// both the ClickHouse and pgx drivers bind time.Time natively, so no
// microsecond-integer conversion is needed here.
func normalizeArg(v any) any { return v }

func recordToRows(rec arrow.Record) [][]any {
	rows := make([][]any, rec.NumRows())
	for r := range rows {
		rows[r] = make([]any, rec.NumCols())
	}
	for c := 0; c < int(rec.NumCols()); c++ {
		col := rec.Column(c)
		for r := 0; r < int(rec.NumRows()); r++ {
			rows[r][c] = arrowbatch.ValueAt(col, r)
		}
	}
	return rows
}
