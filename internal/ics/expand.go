package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calmute/internal/log"
	"calmute/internal/model"
)

// Window is the half-open range [Start, End) that occurrences must
// intersect. For the watcher it is always one local day.
type Window struct {
	Start time.Time
	End   time.Time
}

// intersects reports whether [start, end) overlaps the window. A
// zero-length event counts when its start lies inside the window.
func (w Window) intersects(start, end time.Time) bool {
	if !end.After(start) {
		return !start.Before(w.Start) && start.Before(w.End)
	}
	return start.Before(w.End) && end.After(w.Start)
}

// Expand turns parsed VEVENTs into concrete model.Events intersecting w.
// Recurring events are expanded with their EXDATEs, RECURRENCE-ID
// overrides replace the instance they point at, and cancelled instances
// are dropped. Times are converted into loc.
func Expand(events []ParsedEvent, w Window, loc *time.Location) ([]model.Event, error) {
	if w.End.Before(w.Start) {
		return nil, errors.New("expand: window end is before start")
	}
	if loc == nil {
		loc = time.Local
	}

	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		}
	}

	out := make([]model.Event, 0)
	for _, ev := range events {
		if ev.Recurrence != nil {
			continue
		}
		for _, inst := range instances(ev, overrides[ev.UID], w) {
			if inst.Cancelled() || !w.intersects(inst.Start, inst.End) {
				continue
			}
			out = append(out, model.Event{
				CalendarID: inst.Source.ID,
				UID:        inst.UID,
				Title:      inst.Summary,
				AllDay:     inst.AllDay,
				Start:      inst.Start.In(loc),
				End:        inst.End.In(loc),
			})
		}
	}

	// Overrides whose base event is missing from the feed still describe
	// a real instance.
	for uid, ovs := range overrides {
		if hasBase(events, uid) {
			continue
		}
		for _, ov := range ovs {
			if ov.Cancelled() || !w.intersects(ov.Start, ov.End) {
				continue
			}
			out = append(out, model.Event{
				CalendarID: ov.Source.ID,
				UID:        ov.UID,
				Title:      ov.Summary,
				AllDay:     ov.AllDay,
				Start:      ov.Start.In(loc),
				End:        ov.End.In(loc),
			})
		}
	}

	return out, nil
}

func hasBase(events []ParsedEvent, uid string) bool {
	for _, ev := range events {
		if ev.UID == uid && ev.Recurrence == nil {
			return true
		}
	}
	return false
}

// maxInstancesPerEvent caps a single RRULE expansion within the window.
const maxInstancesPerEvent = 500

// instances returns the occurrences of ev near w, with overrides applied.
func instances(ev ParsedEvent, overrides []ParsedEvent, w Window) []ParsedEvent {
	if ev.RawRRule == "" {
		if o, ok := findOverride(overrides, ev.Start); ok {
			return []ParsedEvent{o}
		}
		return []ParsedEvent{ev}
	}

	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	opt.Dtstart = ev.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: invalid RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Start the search one duration early so an instance already running
	// when the window opens is found.
	dur := ev.End.Sub(ev.Start)
	from := w.Start.Add(-dur).In(ev.Start.Location())
	to := w.End.In(ev.Start.Location())

	starts := set.Between(from, to, true)
	if len(starts) > maxInstancesPerEvent {
		appLog.Error("expand: truncated instances", errors.New("max instances reached"),
			"uid", ev.UID, "cap", maxInstancesPerEvent)
		starts = starts[:maxInstancesPerEvent]
	}

	out := make([]ParsedEvent, 0, len(starts))
	for _, s := range starts {
		if o, ok := findOverride(overrides, s); ok {
			out = append(out, o)
			continue
		}
		inst := ev
		inst.Start = s
		inst.End = s.Add(dur)
		out = append(out, inst)
	}
	return out
}

// findOverride finds the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}
