// Package metrics holds the Prometheus collectors for the watcher. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"calmute/internal/model"
)

type Metrics struct {
	eventsFetched      prometheus.Gauge
	eventsRejected     *prometheus.CounterVec
	triggersScheduled  *prometheus.CounterVec
	triggersFired      *prometheus.CounterVec
	sourceErrors       prometheus.Counter
	schedulerRejection prometheus.Counter
	ringerErrors       prometheus.Counter
	lastFetch          prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsFetched: f.NewGauge(prometheus.GaugeOpts{
			Name: "calmute_events_fetched",
			Help: "Timed events found for today on the last fetch",
		}),
		eventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calmute_events_rejected_total",
			Help: "Events skipped by the scheduling checks",
		}, []string{"reason"}),
		triggersScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calmute_triggers_scheduled_total",
			Help: "Triggers registered with the alarm service",
		}, []string{"action"}),
		triggersFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calmute_triggers_fired_total",
			Help: "Triggers delivered by the alarm service",
		}, []string{"action"}),
		sourceErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "calmute_source_errors_total",
			Help: "Calendar queries that failed",
		}),
		schedulerRejection: f.NewCounter(prometheus.CounterOpts{
			Name: "calmute_scheduler_rejections_total",
			Help: "Trigger registrations refused by the alarm service",
		}),
		ringerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "calmute_ringer_errors_total",
			Help: "Failed ringer mode reads or writes",
		}),
		lastFetch: f.NewGauge(prometheus.GaugeOpts{
			Name: "calmute_last_fetch_timestamp_seconds",
			Help: "Unix time of the last completed fetch",
		}),
	}
}

func (m *Metrics) Fetched(n int, unix float64) {
	if m == nil {
		return
	}
	m.eventsFetched.Set(float64(n))
	m.lastFetch.Set(unix)
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Scheduled(a model.Action) {
	if m == nil {
		return
	}
	m.triggersScheduled.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) Fired(a model.Action) {
	if m == nil {
		return
	}
	m.triggersFired.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) SourceError() {
	if m == nil {
		return
	}
	m.sourceErrors.Inc()
}

func (m *Metrics) SchedulerRejected() {
	if m == nil {
		return
	}
	m.schedulerRejection.Inc()
}

func (m *Metrics) RingerError() {
	if m == nil {
		return
	}
	m.ringerErrors.Inc()
}
