package strategy

import "time"

// sessionCloseHour/Minute mark the SPX settlement cutoff. After 16:15
// eastern the front expiry is no longer tradeable, so DTE counting starts
// from the next day.
const (
	sessionCloseHour   = 16
	sessionCloseMinute = 15
)

// ExpiryFromDTE resolves a days-to-expiration count into a concrete date.
// Weekends are skipped in both directions: the base date rolls forward off a
// weekend, and the landed date rolls forward to the next weekday. The caller
// passes eastern time.
func ExpiryFromDTE(now time.Time, dte int) time.Time {
	base := now
	if now.Hour() > sessionCloseHour ||
		(now.Hour() == sessionCloseHour && now.Minute() >= sessionCloseMinute) {
		base = base.AddDate(0, 0, 1)
	}
	base = nextWeekday(base)

	expiry := base.AddDate(0, 0, dte)
	expiry = nextWeekday(expiry)

	return time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
}

func nextWeekday(t time.Time) time.Time {
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
