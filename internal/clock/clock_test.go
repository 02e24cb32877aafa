package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestOrDefault_NilFallsBackToRealClock(t *testing.T) {
	t.Parallel()
	require.IsType(t, clockwork.NewRealClock(), OrDefault(nil))
}

func TestOrDefault_PassesThroughGivenClock(t *testing.T) {
	t.Parallel()
	fake := clockwork.NewFakeClock()
	require.Same(t, fake, OrDefault(fake))
}

func TestSleeper_FiresWhenFakeClockAdvances(t *testing.T) {
	t.Parallel()
	fake := clockwork.NewFakeClock()
	sleep := Sleeper(fake)

	ch := sleep(time.Second)
	fake.Advance(time.Second)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("sleeper channel never fired after clock advanced")
	}
}
