package domain

import (
	"fmt"
	"time"
)

// CycleInterval is the spacing between GFS initializations.
const CycleInterval = 6 * time.Hour

// Cycle identifies the GFS initialization that covers a valid time and the
// forecast-hour offset from that initialization.
type Cycle struct {
	Date   time.Time // UTC midnight of the cycle day
	Hour   int       // 0, 6, 12 or 18
	Offset int       // hours since initialization, in [0,6)
}

// CycleFor maps a timestamp to its GFS cycle. The timestamp is interpreted in UTC.
func CycleFor(t time.Time) Cycle {
	t = t.UTC()
	hour := t.Hour()
	cycleHour := 6 * (hour / 6)
	return Cycle{
		Date:   time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
		Hour:   cycleHour,
		Offset: hour - cycleHour,
	}
}

// HourString renders the cycle hour as used in remote names, e.g. "06".
func (c Cycle) HourString() string {
	return fmt.Sprintf("%02d", c.Hour)
}

// OffsetString renders the forecast-hour offset zero-padded to three digits, e.g. "002".
func (c Cycle) OffsetString() string {
	return fmt.Sprintf("%03d", c.Offset)
}

// DateString renders the cycle day as YYYYMMDD.
func (c Cycle) DateString() string {
	return c.Date.Format("20060102")
}

// InitTime is the cycle's initialization instant.
func (c Cycle) InitTime() time.Time {
	return c.Date.Add(time.Duration(c.Hour) * time.Hour)
}

// LatestAvailable returns the latest valid time whose cycle is plausibly
// published at now, given the lag between a cycle's initialization and its
// files appearing upstream. Every offset of a published cycle is assumed present.
func LatestAvailable(now time.Time, lag time.Duration) time.Time {
	published := now.UTC().Add(-lag).Truncate(CycleInterval)
	return published.Add(CycleInterval - time.Hour)
}
