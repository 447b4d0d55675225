package watcher

import "time"

// clockSeconds is the hour:minute:second of t as seconds since midnight.
// The date is ignored.
func clockSeconds(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// clockBefore reports whether a's time of day is strictly before b's.
func clockBefore(a, b time.Time) bool {
	return clockSeconds(a) < clockSeconds(b)
}

// dayBounds returns local midnight of t's day and of the next day.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
