package watcher

import (
	"context"
	"sync"

	appLog "calmute/internal/log"
	"calmute/internal/metrics"
	"calmute/internal/model"
	"calmute/internal/ringer"
)

// Dispatcher applies fired MUTE and RESTORE triggers to the ringer.
//
// The mode in effect before the first MUTE of a muted period is stashed
// once and written back by the RESTORE that ends the period. While events
// overlap, the active set keeps the device muted until the last one ends.
// Repeated deliveries for the same event are ignored.
type Dispatcher struct {
	ringer  ringer.Controller
	metrics *metrics.Metrics

	mu     sync.Mutex
	stash  *model.Mode
	active map[string]string // event key -> title
}

func NewDispatcher(rc ringer.Controller, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		ringer:  rc,
		metrics: m,
		active:  make(map[string]string),
	}
}

// Mute handles a fired MUTE trigger.
func (d *Dispatcher) Mute(ctx context.Context, t model.Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[t.EventKey]; ok {
		appLog.Debug("mute already applied", "title", t.Title)
		return
	}

	if len(d.active) == 0 {
		cur, err := d.ringer.Mode(ctx)
		if err != nil {
			d.metrics.RingerError()
			appLog.Error("read ringer mode before mute", err, "title", t.Title)
		} else {
			d.stash = &cur
		}
	}
	d.active[t.EventKey] = t.Title

	if err := d.ringer.SetMode(ctx, t.Mode); err != nil {
		d.metrics.RingerError()
		appLog.Error("set ringer mode", err, "title", t.Title, "mode", t.Mode.String())
		return
	}
	appLog.Info("ringer muted", "title", t.Title, "mode", t.Mode.String(), "stashed", d.stashName())
}

// Restore handles a fired RESTORE trigger.
func (d *Dispatcher) Restore(ctx context.Context, t model.Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[t.EventKey]; !ok {
		appLog.Debug("restore without active mute, ignoring", "title", t.Title)
		return
	}
	delete(d.active, t.EventKey)

	if n := len(d.active); n > 0 {
		appLog.Info("event ended, still muted by overlapping events", "title", t.Title, "remaining", n)
		return
	}
	d.restoreLocked(ctx, t.Mode, t.Title)
}

// Reconcile drops active events that no longer have a RESTORE scheduled
// (removed from the calendar between fetches). If that ends the muted
// period the stashed mode is written back.
func (d *Dispatcher) Reconcile(ctx context.Context, scheduled map[string]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.active) == 0 {
		return
	}
	for key, title := range d.active {
		if _, ok := scheduled[key]; !ok {
			appLog.Info("active event disappeared from calendar", "title", title)
			delete(d.active, key)
		}
	}
	if len(d.active) == 0 && d.stash != nil {
		d.restoreLocked(ctx, *d.stash, "reconcile")
	}
}

// restoreLocked writes back the stashed mode, or fallback when nothing was
// stashed, and ends the muted period. d.mu must be held.
func (d *Dispatcher) restoreLocked(ctx context.Context, fallback model.Mode, title string) {
	mode := fallback
	if d.stash != nil {
		mode = *d.stash
	}
	d.stash = nil

	if err := d.ringer.SetMode(ctx, mode); err != nil {
		d.metrics.RingerError()
		appLog.Error("restore ringer mode", err, "title", title, "mode", mode.String())
		return
	}
	appLog.Info("ringer restored", "title", title, "mode", mode.String())
}

// Reset forgets the stash and the active set without touching the ringer.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.active) > 0 {
		appLog.Info("dispatcher reset while muted", "active", len(d.active), "stashed", d.stashName())
	}
	d.stash = nil
	d.active = make(map[string]string)
}

// Stashed returns the stashed mode, if a muted period is in progress and
// the pre-mute mode could be read.
func (d *Dispatcher) Stashed() (model.Mode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stash == nil {
		return 0, false
	}
	return *d.stash, true
}

// Active returns the number of events currently holding the device muted.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) stashName() string {
	if d.stash == nil {
		return "none"
	}
	return d.stash.String()
}
