// Package refresh implements the Refresh Engine: the per-dataset state
// machine that pulls from a Source Adapter into an Acceleration Store
// under the full, append, or changes discipline, with retry-with-jitter
// and at-most-one-in-flight-refresh-per-dataset enforcement.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/spiceai/spice/internal/accel"
	"github.com/spiceai/spice/internal/clock"
	"github.com/spiceai/spice/internal/engine"
	"github.com/spiceai/spice/internal/metrics"
	"github.com/spiceai/spice/internal/retry"
	"github.com/spiceai/spice/internal/source"
)

// Binding couples a dataset's Store and Source Adapter for the engine to
// drive; the engine itself stays generic over both. ScanLimit, when set,
// paces how fast batches are pulled off the Source Adapter's scan channel
// (spec.md §5: "the source scan is polled only as fast as the store
// accepts" — here made explicit instead of relying solely on the channel's
// own buffering).
type Binding struct {
	Store     accel.Store
	Adapter   source.Adapter
	ScanLimit *rate.Limiter
}

// Engine runs one refresh loop goroutine per registered dataset.
type Engine struct {
	log   *slog.Logger
	clock clockwork.Clock

	mu       sync.Mutex
	bindings map[string]Binding
	triggers map[string]chan struct{}

	sf singleflight.Group

	onComplete func(dataset string, err error) // hook for metrics/cache invalidation
}

func New(log *slog.Logger, clk clockwork.Clock) *Engine {
	return &Engine{
		log:      log,
		clock:    clock.OrDefault(clk),
		bindings: map[string]Binding{},
		triggers: map[string]chan struct{}{},
	}
}

// OnComplete registers a callback invoked after every refresh attempt
// (success or failure); internal/runtime uses it to drop the server's
// cached results for the dataset. RefreshNow records metrics itself.
func (e *Engine) OnComplete(fn func(dataset string, err error)) { e.onComplete = fn }

func (e *Engine) Bind(name string, b Binding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings[name] = b
	e.triggers[name] = make(chan struct{}, 1) // coalesce to one pending trigger
}

// TriggerRefresh requests a manual refresh of name. If one is already
// pending it is a no-op (the buffered channel already holds a signal).
func (e *Engine) TriggerRefresh(name string) {
	e.mu.Lock()
	ch, ok := e.triggers[name]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches h's refresh loop: an immediate refresh followed by a
// ticker at the policy's check_interval plus the manual-trigger channel,
// both funneled through singleflight so at most one refresh runs per
// dataset at any time.
func (e *Engine) Start(ctx context.Context, h *engine.Handle) {
	go func() {
		e.markOnRegistration(h)
		e.runOnce(ctx, h)
		e.loop(ctx, h)
	}()
}

// StartAll runs the initial refresh of every handle bounded to at most
// parallelism concurrent operations — spec.md §5's dataset_load_parallelism
// pool, which exists so a process with hundreds of configured datasets
// doesn't open hundreds of simultaneous source connections at boot — then
// launches each handle's ongoing ticking loop, which is governed purely by
// per-dataset singleflight thereafter.
func (e *Engine) StartAll(ctx context.Context, handles []*engine.Handle, parallelism int) {
	if parallelism <= 0 {
		parallelism = len(handles)
	}
	if parallelism <= 0 {
		return
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(parallelism)
	for _, h := range handles {
		h := h
		e.markOnRegistration(h)
		g.Go(func() error {
			e.runOnce(gctx, h)
			return nil // per-dataset failures surface on the Handle, never abort the pool
		})
	}
	_ = g.Wait()

	for _, h := range handles {
		h := h
		go e.loop(ctx, h)
	}
}

func (e *Engine) markOnRegistration(h *engine.Handle) {
	if h.Dataset.ReadyState == engine.ReadyOnRegistration {
		h.Transition(engine.StateReady, false, nil)
	}
}

func (e *Engine) loop(ctx context.Context, h *engine.Handle) {
	e.mu.Lock()
	ch := e.triggers[h.Dataset.Name]
	e.mu.Unlock()

	interval := parseIntervalOrDefault(h.Dataset.Refresh.Common().CheckInterval, 30*time.Second)
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.runOnce(ctx, h)
		case <-ch:
			e.runOnce(ctx, h)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, h *engine.Handle) {
	_ = e.RefreshNow(ctx, h)
}

// RefreshNow runs a single refresh attempt for h, through the same
// singleflight/metrics/onComplete path as the ticking loop, and returns
// its error. Exported for one-shot CLI use, where there is no ticker to
// wait on.
func (e *Engine) RefreshNow(ctx context.Context, h *engine.Handle) error {
	name := h.Dataset.Name
	discipline := disciplineLabel(h.Dataset.Refresh)
	start := e.clock.Now()

	_, err, _ := e.sf.Do(name, func() (any, error) {
		return nil, e.refresh(ctx, h)
	})

	metrics.RefreshDuration.WithLabelValues(name, discipline).Observe(e.clock.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RefreshTotal.WithLabelValues(name, discipline, status).Inc()
	if h.Ready() {
		metrics.DatasetReady.WithLabelValues(name).Set(1)
	} else {
		metrics.DatasetReady.WithLabelValues(name).Set(0)
	}
	metrics.DatasetEpoch.WithLabelValues(name).Set(float64(h.Epoch()))

	if e.onComplete != nil {
		e.onComplete(name, err)
	}
	return err
}

func (e *Engine) refresh(ctx context.Context, h *engine.Handle) error {
	name := h.Dataset.Name
	e.mu.Lock()
	b, ok := e.bindings[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no binding for dataset %q", name)
	}

	wasLoading := h.State() != engine.StateReady
	if wasLoading {
		h.Transition(engine.StateLoading, false, nil)
	} else {
		h.Transition(engine.StateRefreshing, false, nil)
	}

	policy := retrySpecToPolicy(h.Dataset.Refresh.Common().RetryPolicy)
	var rows int64
	err := retry.Do(ctx, policy, e.clockSleep, func() error {
		n, err := e.runDiscipline(ctx, h, b)
		rows = n
		return err
	})
	if err != nil {
		h.Transition(engine.StateFailed, false, err)
		e.log.Error("refresh failed", "dataset", name, "error", err)
		return err
	}

	// Full replace is a commit event regardless of row count (it always
	// changes what's visible, even to the empty set); append and changes
	// only constitute a committed change — and so only bump the epoch —
	// when they actually wrote or removed at least one row (spec.md §4.2:
	// a zero-row append inside the overlap window is still a successful
	// no-op commit, but does not advance freshness).
	_, isFull := h.Dataset.Refresh.(engine.FullRefresh)
	advance := isFull || rows > 0

	h.Transition(engine.StateReady, advance, nil)
	e.log.Info("refresh complete", "dataset", name, "epoch", h.Epoch(), "rows", rows)
	return nil
}

func (e *Engine) clockSleep(d time.Duration) <-chan time.Time {
	return e.clock.After(d)
}

// runDiscipline executes one refresh attempt and returns the number of
// rows committed (written or deleted), used to decide whether this
// attempt should advance the FreshnessEpoch.
func (e *Engine) runDiscipline(ctx context.Context, h *engine.Handle, b Binding) (int64, error) {
	switch p := h.Dataset.Refresh.(type) {
	case engine.FullRefresh:
		return e.runFull(ctx, h, b)
	case engine.AppendRefresh:
		return e.runAppend(ctx, h, b, p)
	case engine.ChangesRefresh:
		return e.runChanges(ctx, h, b, p)
	default:
		return 0, fmt.Errorf("dataset %q: unknown refresh policy %T", h.Dataset.Name, p)
	}
}

func disciplineLabel(p engine.RefreshPolicy) string {
	switch p.(type) {
	case engine.FullRefresh:
		return "full"
	case engine.AppendRefresh:
		return "append"
	case engine.ChangesRefresh:
		return "changes"
	default:
		return "unknown"
	}
}

func parseIntervalOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func retrySpecToPolicy(spec engine.RetrySpec) retry.Policy {
	p := retry.DefaultPolicy()
	if spec.MaxAttempts > 0 {
		p.MaxAttempts = spec.MaxAttempts
	}
	if d, err := time.ParseDuration(spec.BaseBackoff); err == nil && d > 0 {
		p.Base = d
	}
	if d, err := time.ParseDuration(spec.MaxBackoff); err == nil && d > 0 {
		p.Max = d
	}
	if d, err := time.ParseDuration(spec.Jitter); err == nil && d > 0 {
		p.Jitter = d
	}
	return p
}
