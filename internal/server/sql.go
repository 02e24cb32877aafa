package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/cache"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/federation"
	"github.com/spiceai/spice/internal/metrics"
	"github.com/spiceai/spice/internal/source"
)

type sqlRequest struct {
	SQL          string `json:"sql"`
	CacheControl string `json:"cache_control,omitempty"`
	Accept       string `json:"accept,omitempty"`
}

type sqlResponse struct {
	Rows     []map[string]any `json:"rows"`
	Decision string           `json:"decision"`
}

// tableRefPattern extracts the first table reference from a query for
// routing purposes. Full SQL parsing is out of scope for the HTTP surface
// here: the server dispatches by table identity to the Federation
// Arbiter and the named dataset's Store/Adapter, rather than rewriting
// or evaluating arbitrary SQL locally.
var tableRefPattern = regexp.MustCompile(`(?i)from\s+([a-zA-Z0-9_\.]+)`)

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sql is required")
		return
	}

	table := extractTable(req.SQL)
	if strings.HasPrefix(table, "runtime.") {
		s.serveRuntimeTable(w, strings.TrimPrefix(table, "runtime."))
		return
	}

	h, ok := s.registry.Get(table)
	if !ok {
		writeError(w, http.StatusNotFound, "not_ready", fmt.Sprintf("dataset %q not found", table))
		return
	}
	if err := h.WaitReady(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}

	bypassCache := req.CacheControl == "no-cache" || strings.HasPrefix(table, "system.")
	fp := cache.Fingerprint(req.SQL)

	entry := cache.Entry{}
	hit := false
	if !bypassCache {
		entry, hit = s.cache.Get(fp, s.epochLookup)
	}

	decision := federation.DecisionAccelerated
	if !hit {
		capability := s.capabilityFor(table, h)
		plan := federation.PlanFragment(federation.Fragment{Kind: federation.KindScan, Dataset: table}, func(string) federation.Capability { return capability })
		decision = plan.Decision

		batches, err := s.fetch(r.Context(), table, h, decision)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_invariant", err.Error())
			s.history.record(queryHistoryEntry{At: start, SQL: req.SQL, Dataset: table, Decision: string(decision), Error: err.Error()})
			return
		}
		var size int64
		for _, b := range batches {
			size += b.NumRows() * int64(b.NumCols()) * 8
		}
		entry = cache.Entry{Batches: batches, Epochs: map[string]uint64{table: h.Epoch()}, CreatedAt: time.Now(), Size: size}
		if !bypassCache {
			s.cache.Put(fp, entry)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if hit {
		w.Header().Set("X-Cache", "Hit")
	} else {
		w.Header().Set("X-Cache", "Miss")
	}

	rows := batchesToRows(entry.Batches)
	metrics.QueryTotal.WithLabelValues(string(decision), "ok").Inc()
	metrics.QueryDuration.WithLabelValues(string(decision)).Observe(time.Since(start).Seconds())
	s.history.record(queryHistoryEntry{
		At: start, SQL: req.SQL, Dataset: table, Decision: string(decision),
		CacheHit: hit, Duration: time.Since(start).Seconds(),
	})

	_ = json.NewEncoder(w).Encode(sqlResponse{Rows: rows, Decision: string(decision)})
}

func (s *Server) fetch(ctx context.Context, dataset string, h *engine.Handle, decision federation.Decision) ([]arrow.Record, error) {
	b, ok := s.bindings[dataset]
	if !ok {
		return nil, fmt.Errorf("no binding for dataset %q", dataset)
	}

	// Live-source fallback: a ready_state=on_registration dataset is
	// visible to queries before its first refresh lands (its epoch is
	// still 0; the Refresh Engine marks it ready before that refresh), but
	// the accelerated store has no rows yet in that window. Serve straight
	// from the Source Adapter instead of scanning an empty table.
	if h.Dataset.ReadyState == engine.ReadyOnRegistration && h.Epoch() == 0 {
		out, err := s.fetchFromSource(ctx, dataset, b.Adapter)
		if err != nil {
			return nil, fmt.Errorf("live source fallback: %w", err)
		}
		return out, nil
	}

	if decision == federation.DecisionPushdown {
		if fed, ok := b.Adapter.(source.FederatedAdapter); ok {
			recCh, errCh := fed.ExecuteFederated(ctx, fmt.Sprintf("SELECT * FROM %s", dataset))
			return drain(recCh, errCh)
		}
	}

	out, err := s.fetchFromStore(ctx, b.Store)
	if err != nil {
		return nil, err
	}

	// on_zero_results=use_source: a single-shot re-issue against the
	// source when the accelerated table has nothing matching, rather
	// than returning an empty result the source might actually satisfy
	// (e.g. a row newer than the last completed refresh).
	if len(out) == 0 && h.Dataset.OnZeroResults == engine.ZeroResultsUseSource {
		fromSource, srcErr := s.fetchFromSource(ctx, dataset, b.Adapter)
		if srcErr == nil && len(fromSource) > 0 {
			return fromSource, nil
		}
	}
	return out, nil
}

func (s *Server) fetchFromStore(ctx context.Context, store accel.Store) ([]arrow.Record, error) {
	stream, err := store.Scan(ctx, nil, accel.Predicate{}, 0)
	if err != nil {
		return nil, err
	}
	defer stream.Release()

	var out []arrow.Record
	for {
		rec, err := stream.Next()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Server) fetchFromSource(ctx context.Context, dataset string, adapter source.Adapter) ([]arrow.Record, error) {
	recCh, errCh := adapter.Scan(ctx, source.ScanOptions{Table: dataset})
	return drain(recCh, errCh)
}

func drain(recCh <-chan arrow.Record, errCh <-chan error) ([]arrow.Record, error) {
	var out []arrow.Record
	for rec := range recCh {
		out = append(out, rec)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// capabilityFor reports h's bound adapter's federation support and
// whether h's Readiness Gate currently has a usable local replica — the
// two facts the Federation Arbiter needs to decide pushdown vs local
// execution for a fragment touching dataset.
func (s *Server) capabilityFor(dataset string, h *engine.Handle) federation.Capability {
	b, ok := s.bindings[dataset]
	if !ok {
		return federation.Capability{}
	}
	cap := federation.Capability{}
	if _, ok := b.Adapter.(source.FederatedAdapter); ok {
		cap.Federated = true
	}
	switch h.State() {
	case engine.StateReady, engine.StateRefreshing:
		cap.AcceleratedReady = true
	}
	return cap
}

func (s *Server) epochLookup(dataset string) (uint64, bool) {
	h, ok := s.registry.Get(dataset)
	if !ok {
		return 0, false
	}
	return h.Epoch(), true
}

func extractTable(sql string) string {
	m := tableRefPattern.FindStringSubmatch(sql)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func batchesToRows(batches []arrow.Record) []map[string]any {
	var rows []map[string]any
	for _, rec := range batches {
		fields := rec.Schema().Fields()
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make(map[string]any, len(fields))
			for c, f := range fields {
				row[f.Name] = arrowbatch.ValueAt(rec.Column(c), r)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
