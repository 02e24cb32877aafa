package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the dataset lifecycle state exposed by the Readiness Gate.
type State string

const (
	StateRegistered State = "registered"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateRefreshing State = "refreshing"
	StateFailed     State = "failed"
)

type readinessSnapshot struct {
	State State
	Epoch uint64
	Err   error
}

// Handle is the per-dataset runtime object the Refresh Engine, Readiness
// Gate, and query path all share. Readiness is published via an
// atomically-swapped pointer so Ready()/Epoch() never block on a mutex;
// the mutex below guards only the transition itself, never reads.
type Handle struct {
	Dataset *Dataset

	mu       sync.Mutex
	snapshot atomic.Pointer[readinessSnapshot]

	waiters struct {
		mu sync.Mutex
		ch chan struct{}
	}
}

func NewHandle(ds *Dataset) *Handle {
	h := &Handle{Dataset: ds}
	h.snapshot.Store(&readinessSnapshot{State: StateRegistered})
	h.waiters.ch = make(chan struct{})
	return h
}

// Ready reports whether the dataset currently satisfies its ReadyState
// contract: true once the first successful refresh has landed (or
// immediately, for ReadyOnRegistration datasets, once registered).
func (h *Handle) Ready() bool {
	snap := h.snapshot.Load()
	if h.Dataset.ReadyState == ReadyOnRegistration {
		return snap.State != StateFailed
	}
	return snap.State == StateReady || snap.State == StateRefreshing
}

// WaitReady blocks until Ready() would return true or ctx is canceled.
func (h *Handle) WaitReady(ctx context.Context) error {
	for {
		if h.Ready() {
			return nil
		}
		ch := h.waitChan()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (h *Handle) waitChan() chan struct{} {
	h.waiters.mu.Lock()
	defer h.waiters.mu.Unlock()
	return h.waiters.ch
}

// Transition atomically publishes a new state, bumping Epoch when advance
// is true (a completed refresh or a retention sweep that deleted rows),
// and wakes every WaitReady caller.
func (h *Handle) Transition(state State, advance bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.snapshot.Load()
	epoch := prev.Epoch
	if advance {
		epoch++
	}
	h.snapshot.Store(&readinessSnapshot{State: state, Epoch: epoch, Err: err})

	h.waiters.mu.Lock()
	close(h.waiters.ch)
	h.waiters.ch = make(chan struct{})
	h.waiters.mu.Unlock()
}

// Epoch returns the current FreshnessEpoch, used by the Results Cache to
// tag and invalidate entries.
func (h *Handle) Epoch() uint64 { return h.snapshot.Load().Epoch }

func (h *Handle) State() State { return h.snapshot.Load().State }

func (h *Handle) LastError() error { return h.snapshot.Load().Err }
