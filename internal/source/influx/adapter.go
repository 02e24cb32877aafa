// Package influx implements the InfluxDB 3 Source Adapter over the
// InfluxDB 3 client's SQL query surface (InfluxDB 3 is queried with SQL
// even though it stores time series natively). Scans issue a generated
// SQL query rather than pushing an engine-owned fragment down, so this
// adapter deliberately does not implement source.FederatedAdapter: its
// SQL dialect is InfluxDB's own and not one the Federation Arbiter can
// safely assume fragments are portable into.
package influx

import (
	"context"
	"fmt"
	"log/slog"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/source"
)

type Config struct {
	Host     string
	Token    string
	Database string
}

type Adapter struct {
	log    *slog.Logger
	client *influxdb3.Client
}

func New(log *slog.Logger, cfg Config) (*Adapter, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.Host,
		Token:    cfg.Token,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("open influxdb3 client: %w", err)
	}
	log.Info("influxdb source adapter connected", "host", cfg.Host, "database", cfg.Database)
	return &Adapter{log: log, client: client}, nil
}

func (a *Adapter) Name() string { return "influxdb" }

func (a *Adapter) Schema(ctx context.Context, table string) (*arrowbatch.Schema, error) {
	it, err := a.client.Query(ctx, fmt.Sprintf("SELECT * FROM %q LIMIT 1", table))
	if err != nil {
		return nil, fmt.Errorf("describe measurement %q: %w", table, err)
	}
	if !it.Next() {
		return nil, fmt.Errorf("measurement %q has no rows to infer a schema from", table)
	}
	row := it.Value()
	var cols []arrowbatch.Column
	for name, v := range row {
		cols = append(cols, arrowbatch.Column{Name: name, Type: mapInfluxValueType(v), Nullable: true})
	}
	return &arrowbatch.Schema{Columns: cols}, nil
}

func (a *Adapter) Scan(ctx context.Context, opts source.ScanOptions) (<-chan arrow.Record, <-chan error) {
	query := opts.SQL
	if query == "" {
		query = fmt.Sprintf("SELECT * FROM %q", opts.Table)
	} else {
		query = fmt.Sprintf("SELECT * FROM (%s)", query)
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" WHERE %s > '%v'", timeColumnOrDefault(opts.TimeColumn), opts.Since)
	}
	return a.run(ctx, query)
}

func timeColumnOrDefault(col string) string {
	if col == "" {
		return "time"
	}
	return col
}

func (a *Adapter) run(ctx context.Context, query string) (<-chan arrow.Record, <-chan error) {
	recCh := make(chan arrow.Record, 4)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		it, err := a.client.Query(ctx, query)
		if err != nil {
			errCh <- fmt.Errorf("query: %w", err)
			return
		}

		var schema *arrowbatch.Schema
		const batchSize = 4096
		var batch [][]any
		var colOrder []string

		for it.Next() {
			row := it.Value()
			if schema == nil {
				schema, colOrder = schemaFromRow(row)
			}
			r := make([]any, len(colOrder))
			for i, c := range colOrder {
				r[i] = row[c]
			}
			batch = append(batch, r)
			if len(batch) >= batchSize {
				if err := flush(schema, batch, recCh); err != nil {
					errCh <- err
					return
				}
				batch = nil
			}
		}
		if schema == nil {
			return
		}
		if len(batch) > 0 {
			if err := flush(schema, batch, recCh); err != nil {
				errCh <- err
			}
		}
	}()

	return recCh, errCh
}

func flush(schema *arrowbatch.Schema, rows [][]any, out chan<- arrow.Record) error {
	rec, err := arrowbatch.BuildRecord(schema, rows)
	if err != nil {
		return err
	}
	out <- rec
	return nil
}

func (a *Adapter) Close() error {
	a.client.Close()
	return nil
}
