package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// runClock drives validation against GFS availability, stage timing and run
// timestamps. Tests pin it with SetClock.
var runClock clockwork.Clock = clockwork.NewRealClock()

// SetClock replaces the run clock; nil restores wall time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	runClock = c
}

// Now is the run clock's current time in UTC.
func Now() time.Time {
	return runClock.Now().UTC()
}
