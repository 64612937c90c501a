// Package clock abstracts wall-clock reads so the window engine and
// coordinator can be driven by fixed instants in tests. Nothing in the
// core reads time.Now directly.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// System reads the real wall clock in the local zone. Session keys depend
// on local time-of-day, so Now is not normalized to UTC here; persistence
// converts as needed.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}
