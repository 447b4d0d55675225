package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Calendar identifies one calendar the user picked for watching.
type Calendar struct {
	ID    string `json:"id"`    // config calendar ID
	Title string `json:"title"` // display name used in logs
}

// Event is a snapshot of a single calendar event for today.
// Events are fetched once per day and never mutated afterwards.
type Event struct {
	CalendarID string `json:"calendar_id"`
	UID        string `json:"uid,omitempty"` // iCalendar UID, may be empty for local sources

	Title string `json:"title"`

	AllDay bool `json:"all_day"`

	// Start / End in the configured local timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Key returns a stable identity for the event within a day. MUTE and
// RESTORE triggers for the same event carry the same key.
func (e Event) Key() string {
	return e.CalendarID + "|" + e.UID + "|" + e.Title + "|" +
		e.Start.Format(time.RFC3339) + "|" + e.End.Format(time.RFC3339)
}

// ErrUnknownMode is returned when a ringer mode name cannot be parsed.
var ErrUnknownMode = errors.New("unknown ringer mode")

// Mode is the device-wide ringer mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeVibrate
	ModeSilent
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeVibrate:
		return "vibrate"
	case ModeSilent:
		return "silent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return ModeNormal, nil
	case "vibrate":
		return ModeVibrate, nil
	case "silent":
		return ModeSilent, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if m < ModeNormal || m > ModeSilent {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Action tags what a trigger does when it fires.
type Action string

const (
	ActionMute     Action = "MUTE"
	ActionRestore  Action = "RESTORE"
	ActionRollover Action = "ROLLOVER"
)

// Handle is the opaque identifier the scheduler returns for a trigger.
type Handle string

// Trigger is the payload registered with the scheduler and handed back when
// it fires. Build it with MuteTrigger, RestoreTrigger or RolloverTrigger so
// Mode is only set for the variants that carry one.
type Trigger struct {
	Action   Action `json:"action"`
	Title    string `json:"title"`
	EventKey string `json:"event_key,omitempty"`

	// Mode is the mode to apply for MUTE and the fallback mode to go back
	// to for RESTORE. Unused for ROLLOVER.
	Mode Mode `json:"mode"`
}

func MuteTrigger(ev Event, mode Mode) Trigger {
	return Trigger{Action: ActionMute, Title: ev.Title, EventKey: ev.Key(), Mode: mode}
}

func RestoreTrigger(ev Event, mode Mode) Trigger {
	return Trigger{Action: ActionRestore, Title: ev.Title, EventKey: ev.Key(), Mode: mode}
}

func RolloverTrigger() Trigger {
	return Trigger{Action: ActionRollover, Title: "day rollover"}
}

// TriggerRecord pairs a scheduler handle with the title of the event it
// belongs to. Records are compared by value.
type TriggerRecord struct {
	Handle Handle `json:"handle"`
	Title  string `json:"title"`
}
