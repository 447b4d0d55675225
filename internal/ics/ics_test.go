package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"calmute/internal/config"
	"calmute/internal/model"
)

func icsFeed(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//calmute test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

var sampleFeed = icsFeed(
	"BEGIN:VEVENT",
	"UID:meeting-1",
	"SUMMARY:Meeting",
	"DTSTART:20250310T090000",
	"DTEND:20250310T100000",
	"END:VEVENT",

	"BEGIN:VEVENT",
	"UID:holiday",
	"SUMMARY:Holiday",
	"DTSTART;VALUE=DATE:20250310",
	"DTEND;VALUE=DATE:20250311",
	"END:VEVENT",

	"BEGIN:VEVENT",
	"UID:cancelled",
	"SUMMARY:Cancelled sync",
	"STATUS:CANCELLED",
	"DTSTART:20250310T130000",
	"DTEND:20250310T133000",
	"END:VEVENT",

	"BEGIN:VEVENT",
	"UID:standup",
	"SUMMARY:Standup",
	"DTSTART:20250303T093000Z",
	"DTEND:20250303T094500Z",
	"RRULE:FREQ=DAILY",
	"EXDATE:20250311T093000Z",
	"END:VEVENT",

	"BEGIN:VEVENT",
	"UID:standup",
	"SUMMARY:Standup (moved)",
	"RECURRENCE-ID:20250312T093000Z",
	"DTSTART:20250312T140000Z",
	"DTEND:20250312T141500Z",
	"END:VEVENT",

	"BEGIN:VEVENT",
	"UID:tomorrow",
	"SUMMARY:Tomorrow",
	"DTSTART:20250311T090000",
	"DTEND:20250311T100000",
	"END:VEVENT",
)

func day(y int, m time.Month, d int) Window {
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

func byTitle(evs []model.Event) map[string]model.Event {
	out := make(map[string]model.Event, len(evs))
	for _, ev := range evs {
		out[ev.Title] = ev
	}
	return out
}

func TestParseICS(t *testing.T) {
	parsed, err := ParseICS(Source{ID: "work"}, sampleFeed, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	if len(parsed) != 6 {
		t.Fatalf("expected 6 VEVENTs, got %d", len(parsed))
	}

	got := make(map[string]ParsedEvent)
	for _, ev := range parsed {
		got[ev.Summary] = ev
	}

	meeting := got["Meeting"]
	if want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC); !meeting.Start.Equal(want) {
		t.Errorf("Meeting start = %s, want %s", meeting.Start, want)
	}
	if meeting.AllDay {
		t.Error("Meeting should not be all-day")
	}
	if !got["Holiday"].AllDay {
		t.Error("Holiday should be all-day")
	}
	if !got["Cancelled sync"].Cancelled() {
		t.Error("expected STATUS:CANCELLED to be recognised")
	}
	standup := got["Standup"]
	if standup.RawRRule != "FREQ=DAILY" || len(standup.ExDates) != 1 {
		t.Errorf("Standup rrule=%q exdates=%v", standup.RawRRule, standup.ExDates)
	}
	if got["Standup (moved)"].Recurrence == nil {
		t.Error("expected RECURRENCE-ID on the override")
	}
}

func TestParseICS_MissingDTEND(t *testing.T) {
	body := icsFeed(
		"BEGIN:VEVENT",
		"UID:reminder",
		"SUMMARY:Reminder",
		"DTSTART:20250310T120000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:birthday",
		"SUMMARY:Birthday",
		"DTSTART;VALUE=DATE:20250310",
		"END:VEVENT",
	)
	parsed, err := ParseICS(Source{ID: "x"}, body, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	for _, ev := range parsed {
		switch ev.Summary {
		case "Reminder":
			if !ev.End.Equal(ev.Start) {
				t.Errorf("timed event without DTEND should be zero length, got %s-%s", ev.Start, ev.End)
			}
		case "Birthday":
			if !ev.End.Equal(ev.Start.AddDate(0, 0, 1)) {
				t.Errorf("all-day event without DTEND should last a day, got %s-%s", ev.Start, ev.End)
			}
		}
	}
}

func TestParseICS_SkipsEventWithoutStart(t *testing.T) {
	body := icsFeed(
		"BEGIN:VEVENT",
		"UID:broken",
		"SUMMARY:Broken",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ok",
		"SUMMARY:OK",
		"DTSTART:20250310T120000",
		"DTEND:20250310T130000",
		"END:VEVENT",
	)
	parsed, err := ParseICS(Source{ID: "x"}, body, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	if len(parsed) != 1 || parsed[0].Summary != "OK" {
		t.Errorf("expected only the valid event, got %+v", parsed)
	}
}

func TestParseICS_Empty(t *testing.T) {
	if _, err := ParseICS(Source{ID: "x"}, nil, time.UTC); err == nil {
		t.Error("expected error for empty body")
	}
}

func TestParseICSTime(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"20250310T090000Z", time.Date(2025, 3, 10, 11, 0, 0, 0, loc)},
		{"20250310T090000", time.Date(2025, 3, 10, 9, 0, 0, 0, loc)},
		{"20250310", time.Date(2025, 3, 10, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		got, err := parseICSTime(tt.in, loc)
		if err != nil {
			t.Errorf("parseICSTime(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseICSTime(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := parseICSTime("", loc); err == nil {
		t.Error("expected error for empty value")
	}
}

func TestExpand(t *testing.T) {
	parsed, err := ParseICS(Source{ID: "work"}, sampleFeed, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}

	tests := []struct {
		name   string
		window Window
		want   map[string]time.Time // title -> start
	}{
		{
			name:   "single events and recurring instance",
			window: day(2025, time.March, 10),
			want: map[string]time.Time{
				"Meeting": time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
				"Holiday": time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
				"Standup": time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
			},
		},
		{
			name:   "excluded instance",
			window: day(2025, time.March, 11),
			want: map[string]time.Time{
				"Tomorrow": time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC),
			},
		},
		{
			name:   "overridden instance",
			window: day(2025, time.March, 12),
			want: map[string]time.Time{
				"Standup (moved)": time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC),
			},
		},
		{
			name:   "before the series starts",
			window: day(2025, time.March, 1),
			want:   map[string]time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := Expand(parsed, tt.window, time.UTC)
			if err != nil {
				t.Fatalf("Expand: %v", err)
			}
			got := byTitle(evs)
			if len(got) != len(tt.want) || len(evs) != len(tt.want) {
				t.Fatalf("got %d events %v, want %v", len(evs), evs, tt.want)
			}
			for title, start := range tt.want {
				ev, ok := got[title]
				if !ok {
					t.Errorf("missing %q", title)
					continue
				}
				if !ev.Start.Equal(start) {
					t.Errorf("%q start = %s, want %s", title, ev.Start, start)
				}
				if ev.CalendarID != "work" {
					t.Errorf("%q calendar = %q", title, ev.CalendarID)
				}
			}
		})
	}
}

func TestExpand_InstanceRunningAtMidnight(t *testing.T) {
	body := icsFeed(
		"BEGIN:VEVENT",
		"UID:night",
		"SUMMARY:Night shift",
		"DTSTART:20250301T220000Z",
		"DTEND:20250302T060000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
	)
	parsed, err := ParseICS(Source{ID: "x"}, body, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	evs, err := Expand(parsed, day(2025, time.March, 10), time.UTC)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	// The shift that began on the 9th and the one beginning on the 10th.
	if len(evs) != 2 {
		t.Fatalf("expected 2 instances, got %d: %v", len(evs), evs)
	}
}

var newYorkFeed = icsFeed(
	"BEGIN:VEVENT",
	"UID:weekly-sync",
	"SUMMARY:Weekly sync",
	"DTSTART;TZID=America/New_York:20250303T090000",
	"DTEND;TZID=America/New_York:20250303T093000",
	"RRULE:FREQ=WEEKLY",
	"EXDATE;TZID=America/New_York:20250317T090000",
	"END:VEVENT",

	"BEGIN:VEVENT",
	"UID:weekly-sync",
	"SUMMARY:Weekly sync (late)",
	"RECURRENCE-ID;TZID=America/New_York:20250324T090000",
	"DTSTART;TZID=America/New_York:20250324T110000",
	"DTEND;TZID=America/New_York:20250324T113000",
	"END:VEVENT",
)

func TestExpand_EventTimezoneAcrossDST(t *testing.T) {
	parsed, err := ParseICS(Source{ID: "work"}, newYorkFeed, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS: %v", err)
	}
	for _, ev := range parsed {
		if got := ev.Start.Location().String(); got != "America/New_York" {
			t.Errorf("%q start zone = %s, want the event's TZID", ev.Summary, got)
		}
	}

	utc := func(d, hh int) time.Time { return time.Date(2025, time.March, d, hh, 0, 0, 0, time.UTC) }
	tests := []struct {
		name      string
		window    Window
		wantTitle string
		wantStart time.Time
	}{
		{"before DST", day(2025, time.March, 3), "Weekly sync", utc(3, 14)},
		{"after DST", day(2025, time.March, 10), "Weekly sync", utc(10, 13)},
		{"excluded", day(2025, time.March, 17), "", time.Time{}},
		{"overridden", day(2025, time.March, 24), "Weekly sync (late)", utc(24, 15)},
		{"back to normal", day(2025, time.March, 31), "Weekly sync", utc(31, 13)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := Expand(parsed, tt.window, time.UTC)
			if err != nil {
				t.Fatalf("Expand: %v", err)
			}
			if tt.wantTitle == "" {
				if len(evs) != 0 {
					t.Fatalf("expected no occurrence, got %v", evs)
				}
				return
			}
			if len(evs) != 1 {
				t.Fatalf("expected 1 occurrence, got %v", evs)
			}
			ev := evs[0]
			if ev.Title != tt.wantTitle || !ev.Start.Equal(tt.wantStart) || !ev.End.Equal(tt.wantStart.Add(30*time.Minute)) {
				t.Errorf("got %q %s-%s, want %q at %s", ev.Title, ev.Start, ev.End, tt.wantTitle, tt.wantStart)
			}
			if ev.Start.Location() != time.UTC {
				t.Errorf("start not converted to the configured zone: %s", ev.Start.Location())
			}
		})
	}
}

func TestExpand_BadWindow(t *testing.T) {
	w := day(2025, time.March, 10)
	if _, err := Expand(nil, Window{Start: w.End, End: w.Start}, time.UTC); err == nil {
		t.Error("expected error for inverted window")
	}
}

func TestFetcher_ConditionalGetAndStaleFallback(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var conditional atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(sampleFeed)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "work", URL: srv.URL + "/private/secret.ics"}
	ctx := context.Background()

	res, err := f.Fetch(ctx, src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if res.FromCache || string(res.Body) != string(sampleFeed) {
		t.Fatalf("expected fresh body, got FromCache=%v", res.FromCache)
	}

	res, err = f.Fetch(ctx, src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !res.FromCache || conditional.Load() != 1 {
		t.Errorf("expected a 304 served from cache, FromCache=%v conditional=%d", res.FromCache, conditional.Load())
	}

	status.Store(http.StatusInternalServerError)
	res, err = f.Fetch(ctx, src)
	if err != nil {
		t.Fatalf("fetch during outage: %v", err)
	}
	if !res.FromCache || string(res.Body) != string(sampleFeed) {
		t.Error("expected the stale cached body during an outage")
	}
}

func TestFetcher_ErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	if _, err := f.Fetch(context.Background(), Source{ID: "x", URL: srv.URL}); err == nil {
		t.Error("expected error when the server fails and nothing is cached")
	}
	if _, err := f.Fetch(context.Background(), Source{ID: "x"}); err == nil {
		t.Error("expected error for a source with neither url nor path")
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://calendar.example.com/private-abc123/basic.ics?token=xyz")
	if strings.Contains(got, "abc123") || strings.Contains(got, "xyz") {
		t.Errorf("secret leaked: %s", got)
	}
	if !strings.HasPrefix(got, "https://calendar.example.com") {
		t.Errorf("expected scheme and host kept, got %s", got)
	}
}

func TestProvider_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work.ics")
	if err := os.WriteFile(path, sampleFeed, 0o600); err != nil {
		t.Fatal(err)
	}

	p := NewProvider(NewFetcher(t.TempDir(), nil), []config.CalendarConfig{{ID: "work", Path: path}}, time.UTC)
	w := day(2025, time.March, 10)

	evs, err := p.Events(context.Background(), "work", w.Start, w.End)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	got := byTitle(evs)
	if _, ok := got["Meeting"]; !ok {
		t.Errorf("expected Meeting in %v", evs)
	}
	if _, ok := got["Cancelled sync"]; ok {
		t.Error("cancelled event should be dropped")
	}

	if _, err := p.Events(context.Background(), "unknown", w.Start, w.End); err == nil {
		t.Error("expected error for an unconfigured calendar")
	}
}
