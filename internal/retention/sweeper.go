// Package retention implements the Retention Sweeper: an independent
// ticker per dataset that deletes rows older than the declared retention
// window and bumps the dataset's epoch whenever it deletes at least one
// row.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/clock"
	"github.com/spiceai/spice/internal/engine"
)

// Sweeper runs retention sweeps on its own schedule, independent of the
// Refresh Engine's loop, per the design note that retention must not
// block or be blocked by refresh.
type Sweeper struct {
	log   *slog.Logger
	clock clockwork.Clock
}

func New(log *slog.Logger, clk clockwork.Clock) *Sweeper {
	return &Sweeper{log: log, clock: clock.OrDefault(clk)}
}

// Start launches h's sweep loop against store, if h.Dataset.Retention is
// set. It is a no-op for datasets without a retention policy.
func (s *Sweeper) Start(ctx context.Context, h *engine.Handle, store accel.Store) {
	policy := h.Dataset.Retention
	if policy == nil {
		return
	}
	checkInterval := parseDuration(policy.Check, 5*time.Minute)
	ticker := s.clock.NewTicker(checkInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.sweep(ctx, h, store, policy)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context, h *engine.Handle, store accel.Store, policy *engine.RetentionPolicy) {
	window := parseDuration(policy.Window, 0)
	if window <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-window)

	deleted, err := store.Delete(ctx, accel.Predicate{Clauses: []accel.Clause{
		{Column: policy.Column, Op: accel.OpLt, Value: cutoff},
	}})
	if err != nil {
		s.log.Error("retention sweep failed", "dataset", h.Dataset.Name, "error", err)
		return
	}
	if deleted > 0 {
		h.Transition(h.State(), true, nil)
		s.log.Info("retention sweep deleted rows", "dataset", h.Dataset.Name, "rows", deleted, "epoch", h.Epoch())
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
