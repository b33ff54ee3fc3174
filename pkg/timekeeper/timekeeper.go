package timekeeper

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Elapsing measures laps: every Report returns the time since the previous one.
type Elapsing struct {
	clock clockwork.Clock

	checkpoint time.Time
}

func NewElapsingWithClock(clock clockwork.Clock) *Elapsing {
	return &Elapsing{
		clock: clock,
		// In Go, Now keeps track both of wallclock and monotonic clock
		// therefore we can use it to check delta as well
		checkpoint: clock.Now(),
	}
}

func (e *Elapsing) Report() time.Duration {
	now := e.clock.Now()
	total := now.Sub(e.checkpoint)
	e.checkpoint = now

	return total
}
