package ics

import (
	"context"
	"fmt"
	"time"

	"calmute/internal/config"
	"calmute/internal/model"
)

// Provider answers "events of calendar X between two instants" from the
// configured ICS feeds. It is the calendar source the watcher queries.
type Provider struct {
	fetcher *Fetcher
	sources map[string]Source
	loc     *time.Location
}

// NewProvider builds a Provider for every configured calendar, selected
// or not; the watcher decides which ones to query.
func NewProvider(fetcher *Fetcher, calendars []config.CalendarConfig, loc *time.Location) *Provider {
	if loc == nil {
		loc = time.Local
	}
	sources := make(map[string]Source, len(calendars))
	for _, c := range calendars {
		sources[c.ID] = Source{ID: c.ID, URL: c.URL, Path: c.Path}
	}
	return &Provider{fetcher: fetcher, sources: sources, loc: loc}
}

// Events fetches, parses and expands one calendar for [dayStart, dayEnd).
func (p *Provider) Events(ctx context.Context, calendarID string, dayStart, dayEnd time.Time) ([]model.Event, error) {
	src, ok := p.sources[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %q is not configured", calendarID)
	}

	res, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch calendar %q: %w", calendarID, err)
	}

	parsed, err := ParseICS(src, res.Body, p.loc)
	if err != nil {
		return nil, fmt.Errorf("parse calendar %q: %w", calendarID, err)
	}

	return Expand(parsed, Window{Start: dayStart, End: dayEnd}, p.loc)
}
