package clock

import "time"

// Clock allows deterministic time behavior in tests and settlement replay.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock pinned to a single instant. Tests that assert on
// rolling-day windows or token expiry advance it explicitly.
type Fixed struct {
	Instant time.Time
}

func NewFixed(at time.Time) *Fixed {
	return &Fixed{Instant: at}
}

func (f *Fixed) Now() time.Time {
	return f.Instant.UTC()
}

func (f *Fixed) Advance(d time.Duration) {
	f.Instant = f.Instant.Add(d)
}

// DayWindow returns the UTC calendar-day bounds of t:
// [00:00:00.000000000, 23:59:59.999999999]. Spending-limit day windows are
// always UTC, never the payer's local timezone.
func DayWindow(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	end = start.Add(24*time.Hour - time.Nanosecond)
	return start, end
}
