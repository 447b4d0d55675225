package watcher

import "errors"

var (
	// ErrDataSourceUnavailable wraps a failed calendar query. The calendar
	// is skipped for the day.
	ErrDataSourceUnavailable = errors.New("calendar data source unavailable")

	// ErrSchedulerRejected wraps a trigger registration the alarm service
	// refused. The event is skipped; other events are still scheduled.
	ErrSchedulerRejected = errors.New("scheduler rejected trigger")

	// ErrStopped is returned by lifecycle calls after Stop.
	ErrStopped = errors.New("watcher session stopped")
)
