package web

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calmute/internal/alarm"
	"calmute/internal/config"
	appLog "calmute/internal/log"
	"calmute/internal/model"
	"calmute/internal/watcher"
)

// Watcher is the part of the watcher session the API exposes.
type Watcher interface {
	Status() watcher.Status
	Refetch(ctx context.Context) (watcher.ScheduleReport, error)
}

// PendingLister lists triggers that have not fired yet.
type PendingLister interface {
	Pending() []alarm.Pending
}

// Server provides the local control API.
type Server struct {
	cfg      *config.Config
	watcher  Watcher
	alarms   PendingLister
	gatherer prometheus.Gatherer
	now      func() time.Time
	mux      *http.ServeMux
}

// NewServer constructs a new Server. alarms and gatherer may be nil.
func NewServer(cfg *config.Config, w Watcher, alarms PendingLister, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		cfg:      cfg,
		watcher:  w,
		alarms:   alarms,
		gatherer: gatherer,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials count as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calmute", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/alarms", s.handleAlarms)
	s.mux.HandleFunc("POST /api/refetch", s.handleRefetch)
	s.mux.HandleFunc("GET /api/schedule.ics", s.handleScheduleICS)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.watcher.Status())
}

func (s *Server) handleAlarms(w http.ResponseWriter, _ *http.Request) {
	if s.alarms == nil {
		writeJSON(w, http.StatusOK, []alarm.Pending{})
		return
	}
	writeJSON(w, http.StatusOK, s.alarms.Pending())
}

// refetchResponse is the JSON response shape for POST /api/refetch.
type refetchResponse struct {
	Report watcher.ScheduleReport `json:"report"`
	Error  string                 `json:"error,omitempty"`
}

// handleRefetch runs the re-fetch command. Calendars that failed are
// reported but do not fail the request; a stopped watcher does.
func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	report, err := s.watcher.Refetch(r.Context())
	if errors.Is(err, watcher.ErrStopped) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	resp := refetchResponse{Report: report}
	if err != nil {
		appLog.Error("api refetch: partial failure", err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScheduleICS exports today's timed events, i.e. the windows during
// which the device is muted, as an iCalendar feed.
func (s *Server) handleScheduleICS(w http.ResponseWriter, _ *http.Request) {
	st := s.watcher.Status()
	if len(st.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	stamp := s.now().UTC()

	mode := model.ModeSilent
	if s.cfg != nil {
		mode = s.cfg.MuteMode
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calmute//mute schedule//EN")

	for _, ev := range st.Events {
		vevent := ical.NewEvent()
		vevent.Props.SetText(ical.PropUID, exportUID(ev))
		vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
		vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
		vevent.Props.SetText(ical.PropSummary, ev.Title)
		vevent.Props.SetText(ical.PropDescription, "ringer: "+mode.String())
		cal.Children = append(cal.Children, vevent.Component)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		appLog.Error("failed to encode schedule", err)
		writeError(w, http.StatusInternalServerError, "failed to encode schedule")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// exportUID derives a stable UID from the event identity.
func exportUID(ev model.Event) string {
	sum := sha256.Sum256([]byte(ev.Key()))
	return hex.EncodeToString(sum[:12]) + "@calmute"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
