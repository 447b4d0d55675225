// Package watcher turns today's calendar events into ringer-mode triggers.
//
// A Session is one lifecycle of the background component:
//
//	Start    fetch today's events, schedule MUTE/RESTORE pairs, arm rollover
//	Refetch  cancel event triggers, fetch again, schedule again
//	Stop     cancel everything, forget the stashed ringer mode
//
// Fired triggers come back through Serve and are applied by the
// Dispatcher, which stashes the ringer mode on the first MUTE and puts it
// back on the last RESTORE. ROLLOVER triggers run Refetch.
package watcher
