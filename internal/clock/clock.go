// Package clock centralizes the two small clockwork.Clock adapters every
// scheduling component (the Refresh Engine's loop, the Retention Sweeper,
// the Results Cache's TTL accounting, internal/retry.Do) needs, so a test
// only has to construct one clockwork.FakeClock and thread it through a
// component's constructor to make every time-dependent decision in that
// component deterministic.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Default returns a real clock, used wherever a caller doesn't pass one
// explicitly (production wiring in cmd/spiced, mainly).
func Default() clockwork.Clock { return clockwork.NewRealClock() }

// OrDefault returns c if non-nil, else Default(). Every component that
// accepts an injected clockwork.Clock for testability runs its
// constructor argument through this so a nil clock never reaches a
// scheduling loop.
func OrDefault(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return Default()
	}
	return c
}

// Sleeper adapts a clockwork.Clock to the (time.Duration) <-chan time.Time
// shape internal/retry.Do expects for its injectable sleep function,
// letting a refresh discipline's retry policy run against a fake clock in
// tests instead of wall time.
func Sleeper(c clockwork.Clock) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		return c.After(d)
	}
}
