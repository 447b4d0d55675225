package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calmute/internal/alarm"
	appLog "calmute/internal/log"
	"calmute/internal/metrics"
	"calmute/internal/model"
	"calmute/internal/ringer"
)

// Source is the calendar provider: events of one calendar intersecting
// [dayStart, dayEnd).
type Source interface {
	Events(ctx context.Context, calendarID string, dayStart, dayEnd time.Time) ([]model.Event, error)
}

// Scheduler is the deferred-execution service triggers are registered with.
type Scheduler interface {
	Schedule(at time.Time, t model.Trigger) (model.Handle, error)
	Cancel(h model.Handle) bool
}

// Options configures a Session.
type Options struct {
	Calendars []model.Calendar
	Source    Source
	Scheduler Scheduler
	Ringer    ringer.Controller
	Metrics   *metrics.Metrics

	// MuteMode is applied when a MUTE trigger fires.
	MuteMode model.Mode
	// Rollover is the cron expression for the daily re-fetch
	// (default "0 0 * * *").
	Rollover string
	// Location defines "today". Defaults to time.Local.
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// Rejection reasons reported by ScheduleAlarms.
const (
	ReasonEndBeforeStart = "end_before_start"
	ReasonPassed         = "passed"
	ReasonDuplicate      = "duplicate"
)

// ScheduleReport summarizes one ScheduleAlarms pass.
type ScheduleReport struct {
	Scheduled int            `json:"scheduled"`
	Rejected  map[string]int `json:"rejected"`
	Failed    int            `json:"failed"`
}

// Status is a snapshot of the session for the control API.
type Status struct {
	Day        time.Time             `json:"day"`
	Events     []model.Event         `json:"events"`
	Records    []model.TriggerRecord `json:"records"`
	RolloverAt time.Time             `json:"rollover_at,omitempty"`
	Stashed    *model.Mode           `json:"stashed,omitempty"`
	Active     int                   `json:"active"`
	LastReport ScheduleReport        `json:"last_report"`
	Stopped    bool                  `json:"stopped"`
}

// Session is one lifecycle of the watcher. It replaces process-wide state
// with fields that are dropped on Stop.
type Session struct {
	calendars []model.Calendar
	source    Source
	scheduler Scheduler
	ringer    ringer.Controller
	metrics   *metrics.Metrics
	muteMode  model.Mode
	rollover  cron.Schedule
	loc       *time.Location
	now       func() time.Time

	dispatcher *Dispatcher

	// opMu serializes Start, Refetch and Stop. mu guards the fields below
	// for short reads and writes.
	opMu sync.Mutex

	mu         sync.Mutex
	day        time.Time
	events     []model.Event
	records    map[model.TriggerRecord]struct{}
	scheduled  map[string]struct{} // event keys with a RESTORE registered
	rolloverH  model.Handle
	rolloverAt time.Time
	lastReport ScheduleReport
	stopped    bool
}

// New validates opts and returns an idle Session.
func New(opts Options) (*Session, error) {
	if opts.Source == nil || opts.Scheduler == nil || opts.Ringer == nil {
		return nil, errors.New("watcher: source, scheduler and ringer are required")
	}
	expr := opts.Rollover
	if expr == "" {
		expr = "0 0 * * *"
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("watcher: rollover %q: %w", expr, err)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		calendars:  opts.Calendars,
		source:     opts.Source,
		scheduler:  opts.Scheduler,
		ringer:     opts.Ringer,
		metrics:    opts.Metrics,
		muteMode:   opts.MuteMode,
		rollover:   sched,
		loc:        loc,
		now:        now,
		dispatcher: NewDispatcher(opts.Ringer, opts.Metrics),
		records:    make(map[model.TriggerRecord]struct{}),
		scheduled:  make(map[string]struct{}),
	}, nil
}

// Dispatcher returns the session's trigger dispatcher.
func (s *Session) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Start performs the initial fetch and schedules today's triggers. A
// calendar that could not be read is reported in the returned error but
// does not stop the others from being scheduled.
func (s *Session) Start(ctx context.Context) (ScheduleReport, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isStopped() {
		return ScheduleReport{}, ErrStopped
	}
	appLog.Info("watcher started", "calendars", len(s.calendars))

	fetchErr := s.fetchToday(ctx)
	return s.scheduleAlarms(ctx), fetchErr
}

// Refetch replaces today's events and triggers with a fresh fetch. It is
// the handler for the rollover trigger and for explicit refetch commands.
func (s *Session) Refetch(ctx context.Context) (ScheduleReport, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isStopped() {
		return ScheduleReport{}, ErrStopped
	}
	appLog.Info("refetching today's events")

	s.cancelEventTriggers()
	fetchErr := s.fetchToday(ctx)
	report := s.scheduleAlarms(ctx)

	s.mu.Lock()
	keep := make(map[string]struct{}, len(s.scheduled))
	for k := range s.scheduled {
		keep[k] = struct{}{}
	}
	s.mu.Unlock()
	s.dispatcher.Reconcile(ctx, keep)

	return report, fetchErr
}

// FetchToday queries every selected calendar for today's events, keeps the
// timed ones and arms the rollover trigger. The previous event list is
// replaced, not appended to.
func (s *Session) FetchToday(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isStopped() {
		return ErrStopped
	}
	return s.fetchToday(ctx)
}

// ScheduleAlarms registers MUTE/RESTORE triggers for the fetched events.
func (s *Session) ScheduleAlarms(ctx context.Context) ScheduleReport {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isStopped() {
		return ScheduleReport{Rejected: map[string]int{}}
	}
	return s.scheduleAlarms(ctx)
}

func (s *Session) fetchToday(ctx context.Context) error {
	now := s.now().In(s.loc)
	dayStart, dayEnd := dayBounds(now, s.loc)

	var errs []error
	events := make([]model.Event, 0)
	for _, cal := range s.calendars {
		evs, err := s.source.Events(ctx, cal.ID, dayStart, dayEnd)
		if err != nil {
			err = fmt.Errorf("%w: calendar %q: %w", ErrDataSourceUnavailable, cal.ID, err)
			s.metrics.SourceError()
			appLog.Error("calendar query failed, skipping", err, "calendar", cal.Title)
			errs = append(errs, err)
			continue
		}
		kept := 0
		for _, ev := range evs {
			if ev.AllDay {
				continue
			}
			ev.Start = ev.Start.In(s.loc)
			ev.End = ev.End.In(s.loc)
			events = append(events, ev)
			kept++
		}
		appLog.Info("calendar processed", "calendar", cal.Title, "events", kept, "all_day_skipped", len(evs)-kept)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })

	s.mu.Lock()
	s.day = dayStart
	s.events = events
	s.mu.Unlock()

	s.metrics.Fetched(len(events), float64(now.Unix()))
	appLog.Info("today's events fetched", "day", dayStart.Format("2006-01-02"), "events", len(events))

	s.armRollover(now)
	return errors.Join(errs...)
}

// armRollover (re)registers the day-rollover trigger at the next time the
// rollover schedule fires after now.
func (s *Session) armRollover(now time.Time) {
	next := s.rollover.Next(now)

	s.mu.Lock()
	prev := s.rolloverH
	s.rolloverH = ""
	s.rolloverAt = time.Time{}
	s.mu.Unlock()

	if prev != "" {
		s.scheduler.Cancel(prev)
	}

	h, err := s.scheduler.Schedule(next, model.RolloverTrigger())
	if err != nil {
		s.metrics.SchedulerRejected()
		appLog.Error("arm day rollover", fmt.Errorf("%w: %w", ErrSchedulerRejected, err), "at", next)
		return
	}
	s.metrics.Scheduled(model.ActionRollover)

	s.mu.Lock()
	s.rolloverH = h
	s.rolloverAt = next
	s.mu.Unlock()
	appLog.Debug("day rollover armed", "at", next)
}

func (s *Session) scheduleAlarms(ctx context.Context) ScheduleReport {
	report := ScheduleReport{Rejected: make(map[string]int)}

	s.mu.Lock()
	events := make([]model.Event, len(s.events))
	copy(events, s.events)
	s.mu.Unlock()

	for _, ev := range events {
		now := s.now().In(s.loc)

		if clockBefore(ev.End, ev.Start) {
			s.reject(&report, ev, ReasonEndBeforeStart, "invalid event, ending time less than starting time")
			continue
		}
		if clockBefore(ev.End, now) {
			s.reject(&report, ev, ReasonPassed, "event passed, ignoring")
			continue
		}

		key := ev.Key()
		s.mu.Lock()
		_, dup := s.scheduled[key]
		s.mu.Unlock()
		if dup {
			s.reject(&report, ev, ReasonDuplicate, "event already scheduled")
			continue
		}

		if err := s.schedulePair(ctx, ev, now); err != nil {
			report.Failed++
			appLog.Error("event not scheduled", err, "title", ev.Title)
			continue
		}
		report.Scheduled++
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	appLog.Info("alarms set", "scheduled", report.Scheduled, "failed", report.Failed,
		"rejected", report.Rejected)
	return report
}

func (s *Session) reject(report *ScheduleReport, ev model.Event, reason, msg string) {
	report.Rejected[reason]++
	s.metrics.Rejected(reason)
	appLog.Info(msg, "title", ev.Title, "start", ev.Start.Format(time.TimeOnly), "end", ev.End.Format(time.TimeOnly))
}

// schedulePair registers the MUTE and RESTORE triggers for ev. Either both
// are recorded or neither is.
func (s *Session) schedulePair(ctx context.Context, ev model.Event, now time.Time) error {
	restoreMode, err := s.ringer.Mode(ctx)
	if err != nil {
		s.metrics.RingerError()
		appLog.Error("read ringer mode for restore trigger, assuming normal", err, "title", ev.Title)
		restoreMode = model.ModeNormal
	}

	muteAt := clampToNow(ev.Start, now, ev.Title)
	restoreAt := clampToNow(ev.End, now, ev.Title)

	muteH, err := s.scheduler.Schedule(muteAt, model.MuteTrigger(ev, s.muteMode))
	if err != nil {
		s.metrics.SchedulerRejected()
		return fmt.Errorf("%w: mute: %w", ErrSchedulerRejected, err)
	}
	restoreH, err := s.scheduler.Schedule(restoreAt, model.RestoreTrigger(ev, restoreMode))
	if err != nil {
		s.metrics.SchedulerRejected()
		s.scheduler.Cancel(muteH)
		return fmt.Errorf("%w: restore: %w", ErrSchedulerRejected, err)
	}

	s.mu.Lock()
	s.records[model.TriggerRecord{Handle: muteH, Title: ev.Title}] = struct{}{}
	s.records[model.TriggerRecord{Handle: restoreH, Title: ev.Title}] = struct{}{}
	s.scheduled[ev.Key()] = struct{}{}
	s.mu.Unlock()

	s.metrics.Scheduled(model.ActionMute)
	s.metrics.Scheduled(model.ActionRestore)
	appLog.Info("starting alarm set", "title", ev.Title, "at", muteAt.Format(time.DateTime))
	appLog.Info("ending alarm set", "title", ev.Title, "at", restoreAt.Format(time.DateTime))
	return nil
}

// clampToNow moves a fire time that already passed to now.
func clampToNow(at, now time.Time, title string) time.Time {
	if at.Before(now) {
		appLog.Debug("trigger time moved to now", "title", title, "from", at, "to", now)
		return now
	}
	return at
}

// cancelEventTriggers cancels every MUTE/RESTORE record. The rollover
// trigger is left alone.
func (s *Session) cancelEventTriggers() int {
	s.mu.Lock()
	records := s.records
	s.records = make(map[model.TriggerRecord]struct{})
	s.scheduled = make(map[string]struct{})
	s.mu.Unlock()

	for rec := range records {
		s.scheduler.Cancel(rec.Handle)
		appLog.Debug("trigger canceled", "title", rec.Title, "handle", rec.Handle)
	}
	return len(records)
}

// Stop tears the session down: every recorded trigger and the rollover
// trigger are cancelled and the stashed ringer mode is forgotten. Calling
// Stop again is a no-op.
func (s *Session) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	n := s.cancelEventTriggers()

	s.mu.Lock()
	rollover := s.rolloverH
	s.rolloverH = ""
	s.rolloverAt = time.Time{}
	s.events = nil
	s.mu.Unlock()

	if rollover != "" {
		s.scheduler.Cancel(rollover)
		appLog.Info("date change alarm canceled")
	}
	s.dispatcher.Reset()

	appLog.Info("watcher stopped", "canceled", n)
}

// Handle applies a fired trigger.
func (s *Session) Handle(ctx context.Context, t model.Trigger) {
	if s.isStopped() {
		// Delivered while Stop was cancelling it.
		appLog.Debug("trigger after stop, ignoring", "action", t.Action, "title", t.Title)
		return
	}
	s.metrics.Fired(t.Action)
	switch t.Action {
	case model.ActionMute:
		s.dispatcher.Mute(ctx, t)
	case model.ActionRestore:
		s.dispatcher.Restore(ctx, t)
	case model.ActionRollover:
		if _, err := s.Refetch(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			appLog.Error("daily refetch incomplete", err)
		}
	default:
		appLog.Error("unknown trigger action", fmt.Errorf("action %q", t.Action), "title", t.Title)
	}
}

// Serve handles fired triggers until ctx ends or fired is closed.
func (s *Session) Serve(ctx context.Context, fired <-chan alarm.Fired) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fired:
			if !ok {
				return
			}
			appLog.Debug("trigger fired", "action", f.Trigger.Action, "title", f.Trigger.Title, "handle", f.Handle)
			s.Handle(ctx, f.Trigger)
		}
	}
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Day:        s.day,
		Events:     append([]model.Event(nil), s.events...),
		Records:    make([]model.TriggerRecord, 0, len(s.records)),
		RolloverAt: s.rolloverAt,
		LastReport: s.lastReport,
		Stopped:    s.stopped,
	}
	for rec := range s.records {
		st.Records = append(st.Records, rec)
	}
	s.mu.Unlock()

	sort.Slice(st.Records, func(i, j int) bool {
		if st.Records[i].Title == st.Records[j].Title {
			return st.Records[i].Handle < st.Records[j].Handle
		}
		return st.Records[i].Title < st.Records[j].Title
	})
	if m, ok := s.dispatcher.Stashed(); ok {
		st.Stashed = &m
	}
	st.Active = s.dispatcher.Active()
	return st
}

// Events returns today's fetched events.
func (s *Session) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
