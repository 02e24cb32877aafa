// Package enginetest centralizes the fake Source Adapter and schema/batch
// builders every package's tests reach for, so a
// new test for the Refresh Engine, the Federation Arbiter, or the server's
// query path doesn't re-derive its own throwaway fakeAdapter.
package enginetest

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/source"
)

// Adapter is a scriptable source.Adapter. Its ExecuteFederated and Changes
// methods are always defined, so *Adapter satisfies source.FederatedAdapter
// and source.ChangeAdapter whether or not FederatedFn or ChangesFn is set;
// those methods call FederatedFn and ChangesFn, which must then be non-nil.
type Adapter struct {
	AdapterName string
	Records     []arrow.Record
	Err         error

	FederatedFn func(ctx context.Context, sql string) (<-chan arrow.Record, <-chan error)
	ChangesFn   func(ctx context.Context, table string, since any) (<-chan source.ChangeEvent, <-chan error)
}

func (a *Adapter) Name() string {
	if a.AdapterName == "" {
		return "enginetest"
	}
	return a.AdapterName
}

func (a *Adapter) Schema(ctx context.Context, table string) (*arrowbatch.Schema, error) {
	return nil, nil
}

func (a *Adapter) Scan(ctx context.Context, opts source.ScanOptions) (<-chan arrow.Record, <-chan error) {
	recCh := make(chan arrow.Record, len(a.Records))
	errCh := make(chan error, 1)
	for _, r := range a.Records {
		r.Retain()
		recCh <- r
	}
	close(recCh)
	errCh <- a.Err
	close(errCh)
	return recCh, errCh
}

func (a *Adapter) ExecuteFederated(ctx context.Context, sql string) (<-chan arrow.Record, <-chan error) {
	return a.FederatedFn(ctx, sql)
}

func (a *Adapter) Changes(ctx context.Context, table string, since any) (<-chan source.ChangeEvent, <-chan error) {
	return a.ChangesFn(ctx, table, since)
}

var (
	_ source.Adapter = (*Adapter)(nil)
)

// Schema returns a small two-column (id, value) schema, the shape most
// refresh/cache/arbiter tests need and don't care about beyond its shape.
func Schema() *arrowbatch.Schema {
	return &arrowbatch.Schema{Columns: []arrowbatch.Column{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	}}
}

// Record builds one arrow.Record against Schema() from parallel id/value
// slices. Callers own the returned record's reference and must Release it.
func Record(schema *arrowbatch.Schema, ids []int64, vals []float64) arrow.Record {
	pool := memory.NewGoAllocator()
	idb := array.NewInt64Builder(pool)
	vb := array.NewFloat64Builder(pool)
	for i := range ids {
		idb.Append(ids[i])
		vb.Append(vals[i])
	}
	idArr, vArr := idb.NewArray(), vb.NewArray()
	defer idArr.Release()
	defer vArr.Release()
	return array.NewRecord(schema.Arrow(), []arrow.Array{idArr, vArr}, int64(len(ids)))
}
