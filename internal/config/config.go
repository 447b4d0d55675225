package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calmute/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	defaultListen   = "127.0.0.1:8765"
	defaultRollover = "0 0 * * *"
	defaultCacheDir = "./var/ics-cache"

	BackendMemory  = "memory"
	BackendCommand = "command"
)

// CalendarConfig describes a single calendar source.
type CalendarConfig struct {
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is an ICS subscription endpoint. Either URL or Path is set.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Path is a local .ics file.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Selected marks the calendar as watched. Unselected calendars are
	// kept in the file so they can be toggled without losing the URL.
	Selected bool `yaml:"selected" json:"selected"`
}

// RingerConfig selects how the ringer mode is read and written.
type RingerConfig struct {
	// Backend is "memory" (in-process only) or "command".
	Backend string `yaml:"backend" json:"backend"`
	// Get is a shell command printing the current mode name on stdout.
	// Optional for the command backend; without it the last written mode
	// is reported.
	Get string `yaml:"get,omitempty" json:"get,omitempty"`
	// Set maps a mode name (normal, vibrate, silent) to the shell command
	// that applies it.
	Set map[string]string `yaml:"set,omitempty" json:"set,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the control API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the control API. Empty
	// disables the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone that defines "today" (e.g. "Europe/Berlin").
	// Empty means the system local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// MuteMode is the ringer mode applied while an event is running.
	MuteMode model.Mode `yaml:"mute_mode" json:"mute_mode"`

	// Rollover is a cron-style schedule string for the daily re-fetch.
	Rollover string `yaml:"rollover" json:"rollover"`

	// CacheDir holds the per-URL ICS cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	Ringer RingerConfig `yaml:"ringer" json:"ringer"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    defaultListen,
		Timezone:  "",
		MuteMode:  model.ModeSilent,
		Rollover:  defaultRollover,
		CacheDir:  defaultCacheDir,
		Calendars: []CalendarConfig{},
		Ringer: RingerConfig{
			Backend: BackendMemory,
		},
		BasicAuth: nil,
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/calmute/config.yaml (or the
// platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "calmute", "config.yaml")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Rollover == "" {
		c.Rollover = defaultRollover
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.Ringer.Backend == "" {
		c.Ringer.Backend = BackendMemory
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		if cal.ID == "" {
			switch {
			case cal.Name != "":
				cal.ID = cal.Name
			case cal.URL != "":
				cal.ID = cal.URL
			default:
				cal.ID = cal.Path
			}
		}
	}
}

// Validate reports configuration errors that Normalize cannot fix.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.Rollover); err != nil {
		errs = append(errs, fmt.Errorf("rollover %q: %w", c.Rollover, err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Ringer.Backend {
	case BackendMemory:
	case BackendCommand:
		for name := range c.Ringer.Set {
			if _, err := model.ParseMode(name); err != nil {
				errs = append(errs, fmt.Errorf("ringer.set: %w", err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("ringer.backend %q: want %q or %q", c.Ringer.Backend, BackendMemory, BackendCommand))
	}
	seen := make(map[string]bool, len(c.Calendars))
	for _, cal := range c.Calendars {
		if cal.URL == "" && cal.Path == "" {
			errs = append(errs, fmt.Errorf("calendar %q: url or path is required", cal.ID))
		}
		if seen[cal.ID] {
			errs = append(errs, fmt.Errorf("calendar %q: duplicate id", cal.ID))
		}
		seen[cal.ID] = true
	}
	return errors.Join(errs...)
}

// Location resolves Timezone. An empty Timezone is the system local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SelectedCalendars returns the calendars marked as watched.
func (c *Config) SelectedCalendars() []CalendarConfig {
	out := make([]CalendarConfig, 0, len(c.Calendars))
	for _, cal := range c.Calendars {
		if cal.Selected {
			out = append(out, cal)
		}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Unset keys keep their defaults (mute_mode in particular, whose zero
	// value is "normal").
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmute-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
