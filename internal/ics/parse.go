package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"
	_ "time/tzdata" // TZID lookups on hosts without a zoneinfo database

	ical "github.com/arran4/golang-ical"

	appLog "calmute/internal/log"
)

// ParsedEvent is a VEVENT as read from the feed, before recurrence
// expansion.
type ParsedEvent struct {
	Source Source

	UID     string
	Summary string
	Status  string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, if this VEVENT overrides one instance
}

// Cancelled reports whether the organizer cancelled the event.
func (e ParsedEvent) Cancelled() bool {
	return strings.EqualFold(e.Status, "CANCELLED")
}

// ParseICS parses a single ICS payload. Broken VEVENTs are logged and
// skipped; only an unreadable calendar is an error.
func ParseICS(src Source, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(src, ve, loc)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "id", src.ID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{Source: src}

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty("STATUS"); p != nil {
		out.Status = strings.TrimSpace(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	start, err := propTime(func() (time.Time, error) { return ve.GetStartAt() }, dtStart, out.AllDay, loc)
	if err != nil {
		return out, err
	}
	out.Start = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, err := propTime(func() (time.Time, error) { return ve.GetEndAt() }, dtEnd, out.AllDay, loc)
		if err != nil {
			return out, err
		}
		out.End = end
	}
	if out.End.IsZero() {
		// RFC 5545: no DTEND means one day for DATE starts, zero length otherwise.
		if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	// EXDATE and RECURRENCE-ID must match occurrences exactly, so they are
	// read in their own TZID, or in DTSTART's zone when they have none.
	startZone := out.Start.Location()
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		zone := paramZone(p, startZone)
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, zone); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, paramZone(p, startZone)); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

// isDateValue reports whether a DTSTART is a DATE (all-day) rather than a
// DATE-TIME.
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// propTime reads a DTSTART/DTEND value in the zone it was written in:
// its TZID, UTC for the Z form, loc for floating times and dates. The
// zone is kept so recurrence rules expand in the event's own zone and
// survive daylight-saving changes; callers convert to loc when they
// build model.Events.
func propTime(get func() (time.Time, error), p *ical.IANAProperty, allDay bool, loc *time.Location) (time.Time, error) {
	if allDay {
		return parseICSTime(p.Value, loc)
	}
	if tz := tzid(p); tz != "" {
		if zone, err := time.LoadLocation(tz); err == nil {
			return parseICSTime(p.Value, zone)
		}
		// Not an IANA name; let the library try before falling back to
		// floating time.
		if t, err := get(); err == nil && !t.IsZero() {
			return t, nil
		}
		appLog.Debug("ics unknown TZID, reading as local time", "tzid", tz)
	}
	return parseICSTime(p.Value, loc)
}

// paramZone resolves the TZID parameter of p, or returns fallback.
func paramZone(p *ical.IANAProperty, fallback *time.Location) *time.Location {
	if tz := tzid(p); tz != "" {
		if zone, err := time.LoadLocation(tz); err == nil {
			return zone
		}
	}
	return fallback
}

func tzid(p *ical.IANAProperty) string {
	if vs, ok := p.ICalParameters["TZID"]; ok && len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}

// parseICSTime parses a basic DATE / DATE-TIME value. The Z form is UTC;
// floating and date-only values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
