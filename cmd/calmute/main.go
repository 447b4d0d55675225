package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"calmute/internal/alarm"
	"calmute/internal/autostart"
	"calmute/internal/config"
	"calmute/internal/ics"
	appLog "calmute/internal/log"
	"calmute/internal/metrics"
	"calmute/internal/model"
	"calmute/internal/ringer"
	"calmute/internal/watcher"
	"calmute/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	dryRun     bool
	debug      bool
	autostart  string
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("calmute starting", "version", "0.1.0")

	if flags.autostart != "" {
		if err := autostart.Apply(flags.autostart, flags.configPath); err != nil {
			appLog.Error("autostart failed", err)
			os.Exit(1)
		}
		return
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.dryRun {
		conf.Ringer.Backend = config.BackendMemory
	}

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone", err)
		os.Exit(1)
	}

	selected := conf.SelectedCalendars()
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"mute_mode", conf.MuteMode.String(),
		"rollover", conf.Rollover,
		"ringer", conf.Ringer.Backend,
		"calendars", len(conf.Calendars),
		"selected", len(selected),
		"once", flags.once,
		"dry_run", flags.dryRun,
	)
	if len(selected) == 0 {
		appLog.Info("no calendars selected; edit the config to watch one", "config_path", flags.configPath)
	}

	rc, err := ringer.New(conf.Ringer)
	if err != nil {
		appLog.Error("failed to initialize ringer backend", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Root context for the alarm service and HTTP server; cancelled after
	// the session has been stopped.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alarms := alarm.New(ctx)
	provider := ics.NewProvider(ics.NewFetcher(conf.CacheDir, nil), conf.Calendars, loc)

	calendars := make([]model.Calendar, 0, len(selected))
	for _, c := range selected {
		title := c.Name
		if title == "" {
			title = c.ID
		}
		calendars = append(calendars, model.Calendar{ID: c.ID, Title: title})
	}

	session, err := watcher.New(watcher.Options{
		Calendars: calendars,
		Source:    provider,
		Scheduler: alarms,
		Ringer:    rc,
		Metrics:   m,
		MuteMode:  conf.MuteMode,
		Rollover:  conf.Rollover,
		Location:  loc,
	})
	if err != nil {
		appLog.Error("failed to create watcher", err)
		os.Exit(1)
	}

	if flags.once {
		runOnce(ctx, session, alarms)
		return
	}

	go session.Serve(ctx, alarms.Fired())

	if _, err := session.Start(ctx); err != nil {
		appLog.Error("initial fetch incomplete", err)
	}

	if conf.Listen != "" {
		srv := web.NewServer(conf, session, alarms, reg)
		go func() {
			if err := srv.Run(ctx); err != nil {
				appLog.Error("HTTP server stopped", err)
			}
		}()
	}

	// Signal handling: SIGHUP re-fetches, SIGINT/SIGTERM stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			appLog.Info("signal received, refetching", "signal", sig.String())
			if _, err := session.Refetch(ctx); err != nil {
				appLog.Error("refetch incomplete", err)
			}
			continue
		}
		appLog.Info("signal received, shutting down", "signal", sig.String())
		break
	}

	session.Stop()
	cancel()

	// Give the HTTP server a moment to finish its shutdown.
	time.Sleep(100 * time.Millisecond)
	appLog.Info("calmute exiting")
}

// runOnce fetches and schedules, prints what would be armed, then tears
// everything down without waiting for any trigger.
func runOnce(ctx context.Context, session *watcher.Session, alarms *alarm.Service) {
	report, err := session.Start(ctx)
	if err != nil {
		appLog.Error("fetch incomplete", err)
	}

	out := struct {
		Report  watcher.ScheduleReport `json:"report"`
		Events  []model.Event          `json:"events"`
		Pending []alarm.Pending        `json:"pending"`
	}{
		Report:  report,
		Events:  session.Events(),
		Pending: alarms.Pending(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		appLog.Error("failed to print schedule", err)
	}

	session.Stop()
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath(), "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address for the control API (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch today's events, print the schedule and exit")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Keep the ringer mode in memory instead of running ringer commands")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.StringVar(&cfg.autostart, "autostart", "", "Register (enable) or remove (disable) the login autostart entry and exit")

	flag.Parse()

	return cfg
}
