// Package server exposes the Accelerated Dataset Engine's external HTTP
// interface: POST /v1/sql, dataset refresh triggers, the runtime
// relations, and health/readiness/version probes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/spiceai/spice/internal/cache"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/refresh"
)

// Refresher is the subset of refresh.Engine the server needs to trigger
// manual refreshes, kept as an interface to avoid a hard dependency on
// the concrete engine type in tests.
type Refresher interface {
	TriggerRefresh(name string)
}

type Server struct {
	log      *slog.Logger
	cfg      Config
	registry *engine.Registry
	refresh  Refresher
	bindings map[string]refresh.Binding
	cache    *cache.Cache
	history  *queryHistory
	rl       *rateLimiter
	httpSrv  *http.Server
}

func New(log *slog.Logger, cfg Config, registry *engine.Registry, refresher Refresher, bindings map[string]refresh.Binding, clock clockwork.Clock) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:      log,
		cfg:      cfg,
		registry: registry,
		refresh:  refresher,
		bindings: bindings,
		cache:    cache.New(cfg.CacheMaxBytes, cfg.CacheTTL, clock),
		history:  newQueryHistory(1000),
		rl:       newRateLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.rl.middleware).Post("/v1/sql", s.handleSQL)
	r.Post("/v1/datasets/{name}/refresh", s.handleTriggerRefresh)
	r.Get("/v1/runtime/datasets", s.handleRuntimeDatasets)
	r.Get("/v1/runtime/query_history", s.handleRuntimeQueryHistory)
	r.Get("/v1/runtime/metrics", s.handleRuntimeMetrics)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// InvalidateCache drops every cached result tagged with dataset, called
// after a refresh completes (successful or not: a failed refresh may
// still have left the store in a different state than what was cached).
func (s *Server) InvalidateCache(dataset string) {
	s.cache.Invalidate(dataset)
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("listen and serve: %w", err)
		}
	}()
	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.VersionInfo)
}

func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "not_ready", fmt.Sprintf("dataset %q not found", name))
		return
	}
	s.refresh.TriggerRefresh(name)
	s.cache.Invalidate(name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"triggered": true})
}

func (s *Server) handleRuntimeDatasets(w http.ResponseWriter, r *http.Request) {
	var out []datasetStatus
	for _, h := range s.registry.All() {
		errMsg := ""
		if err := h.LastError(); err != nil {
			errMsg = err.Error()
		}
		out = append(out, datasetStatus{Name: h.Dataset.Name, State: string(h.State()), Epoch: h.Epoch(), Error: errMsg})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleRuntimeQueryHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.history.recent()
	if r != nil {
		entries = paginate(entries, parsePagination(r))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleRuntimeMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"note": "scrape /metrics (prometheus exposition) for the full set; this endpoint summarizes per-dataset counters",
		"datasets": func() []map[string]any {
			var out []map[string]any
			for _, h := range s.registry.All() {
				out = append(out, map[string]any{"name": h.Dataset.Name, "epoch": h.Epoch()})
			}
			return out
		}(),
	})
}

// serveRuntimeTable answers a POST /v1/sql query whose FROM clause named
// a runtime.* relation directly, without going through the Federation
// Arbiter — these are server-local relations, not accelerated datasets.
func (s *Server) serveRuntimeTable(w http.ResponseWriter, table string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "Miss")
	switch table {
	case "datasets":
		s.handleRuntimeDatasets(w, nil)
	case "query_history":
		s.handleRuntimeQueryHistory(w, nil)
	case "metrics":
		s.handleRuntimeMetrics(w, nil)
	default:
		writeError(w, http.StatusNotFound, "not_ready", fmt.Sprintf("unknown runtime relation %q", table))
	}
}

