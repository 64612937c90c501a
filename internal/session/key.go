package session

import "time"

// KeyFor assigns an instant to a session date using the evening rollover
// rule: before rolloverHour local time the instant belongs to the previous
// calendar date's session.
func KeyFor(now time.Time, rolloverHour int) string {
	if now.Hour() < rolloverHour {
		now = now.AddDate(0, 0, -1)
	}
	return now.Format("2006-01-02")
}
