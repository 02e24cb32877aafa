package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/spiceai/spice/internal/accel"
	accelfile "github.com/spiceai/spice/internal/accel/file"
	accelmem "github.com/spiceai/spice/internal/accel/memory"
	"github.com/spiceai/spice/internal/accel/remotesql"
	accelsqlite "github.com/spiceai/spice/internal/accel/sqlite"
	"github.com/spiceai/spice/internal/config"
	"github.com/spiceai/spice/internal/source"
	"github.com/spiceai/spice/internal/source/clickhouse"
	"github.com/spiceai/spice/internal/source/flight"
	"github.com/spiceai/spice/internal/source/influx"
	"github.com/spiceai/spice/internal/source/postgres"
	"github.com/spiceai/spice/internal/source/s3parquet"
)

// buildAdapters constructs one Source Adapter per Spicepod connection,
// keyed by connection name, dispatching on Connection.Driver.
func buildAdapters(ctx context.Context, log *slog.Logger, conns map[string]config.Connection) (map[string]source.Adapter, error) {
	out := make(map[string]source.Adapter, len(conns))
	for name, conn := range conns {
		adapter, err := buildAdapter(ctx, log, conn)
		if err != nil {
			return nil, fmt.Errorf("connection %q: %w", name, err)
		}
		out[name] = adapter
	}
	return out, nil
}

func buildAdapter(ctx context.Context, log *slog.Logger, conn config.Connection) (source.Adapter, error) {
	switch conn.Driver {
	case "clickhouse":
		return clickhouse.New(ctx, log, clickhouse.Config{
			Addr:     conn.Params["addr"],
			Database: conn.Params["database"],
			Username: conn.Params["username"],
			Password: conn.Params["password"],
			Secure:   conn.Params["secure"] == "true",
		})
	case "postgres":
		return postgres.New(ctx, log, conn.Params["dsn"])
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(conn.Params["region"]))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint := conn.Params["endpoint"]; endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		return s3parquet.New(log, client, s3parquet.Config{
			Bucket: conn.Params["bucket"],
			Prefix: conn.Params["prefix"],
			Region: conn.Params["region"],
		}), nil
	case "influxdb":
		return influx.New(log, influx.Config{
			Host:     conn.Params["host"],
			Token:    conn.Params["token"],
			Database: conn.Params["database"],
		})
	case "flight":
		useFlightSQL, _ := strconv.ParseBool(conn.Params["flight_sql"])
		return flight.New(ctx, log, flight.Config{Addr: conn.Params["addr"]}, useFlightSQL)
	default:
		return nil, fmt.Errorf("unknown connection driver %q", conn.Driver)
	}
}

// buildStore constructs the Acceleration Store variant the dataset
// declares under acceleration.variant, defaulting to memory when unset.
// remotesql is the one variant whose backing connection is not the
// dataset's source connection but a separate one named by
// acceleration.target, so conns is threaded through to resolve it.
func buildStore(ctx context.Context, log *slog.Logger, conns map[string]config.Connection, ds config.DatasetSpec) (accel.Store, error) {
	switch ds.Acceleration.Variant {
	case "", "memory":
		return accelmem.New(), nil
	case "file":
		dir := ds.Acceleration.Target
		if dir == "" {
			dir = "./data/" + ds.Name
		}
		return accelfile.New(dir), nil
	case "sqlite":
		path := ds.Acceleration.Target
		if path == "" {
			path = "./data/spice.db"
		}
		return accelsqlite.New(ctx, log, path, ds.Name)
	case "remotesql":
		return buildRemoteSQLStore(ctx, log, conns, ds)
	default:
		return nil, fmt.Errorf("unknown acceleration variant %q", ds.Acceleration.Variant)
	}
}

// buildRemoteSQLStore resolves the remotesql target connection's driver to
// a Dialect; the target connection's own params (not the source
// connection's) carry the DSN the accelerated copy is written into.
func buildRemoteSQLStore(ctx context.Context, log *slog.Logger, conns map[string]config.Connection, ds config.DatasetSpec) (accel.Store, error) {
	target, ok := conns[ds.Acceleration.Target]
	if !ok {
		return nil, fmt.Errorf("acceleration target connection %q not found", ds.Acceleration.Target)
	}
	var dialect remotesql.Dialect
	switch target.Driver {
	case "clickhouse":
		dialect = remotesql.ClickHouse{}
	case "postgres":
		dialect = remotesql.Postgres{}
	default:
		return nil, fmt.Errorf("acceleration target %q: driver %q cannot back a remotesql store", ds.Acceleration.Target, target.Driver)
	}
	dsn := target.Params["dsn"]
	if dsn == "" {
		dsn = target.Params["addr"]
	}
	return remotesql.New(ctx, log, dialect, dsn, ds.Name)
}
