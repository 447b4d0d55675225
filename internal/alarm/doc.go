// Package alarm is the deferred-execution service the watcher registers
// its triggers with. It keeps a min-heap of pending triggers ordered by
// fire time (ties in registration order) and a single goroutine that
// sleeps until the earliest one, capped at 60 seconds so wall-clock steps,
// DST changes and system suspend are noticed.
//
// Fired triggers are delivered on the Fired channel. Schedule and Cancel
// only take a mutex, so the consumer of Fired may call them while handling
// a trigger. Nothing is persisted: a process restart loses every pending
// trigger, and a trigger whose time passes while the machine is off fires
// late (on wake) or never (after a restart).
package alarm
