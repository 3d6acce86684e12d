package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ActivityMetrics tracks the audit trail and its websocket subscribers.
type ActivityMetrics struct {
	appended  *prometheus.CounterVec
	streams   prometheus.Gauge
	delivered *prometheus.CounterVec
}

var (
	activityMetricsOnce sync.Once
	activityRegistry    *ActivityMetrics
)

// Events returns the lazily registered activity metrics.
func Events() *ActivityMetrics {
	activityMetricsOnce.Do(func() {
		activityRegistry = &ActivityMetrics{
			appended: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "events",
				Name:      "audit_total",
				Help:      "Audit events appended, by entity and action.",
			}, []string{"entity", "action"}),
			streams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "marketd",
				Subsystem: "events",
				Name:      "streams_active",
				Help:      "Open activity stream connections.",
			}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketd",
				Subsystem: "events",
				Name:      "streamed_total",
				Help:      "Events written to activity stream subscribers, by entity.",
			}, []string{"entity"}),
		}
		prometheus.MustRegister(activityRegistry.appended, activityRegistry.streams, activityRegistry.delivered)
	})
	return activityRegistry
}

// RecordAudit counts an appended audit event.
func (m *ActivityMetrics) RecordAudit(entity, action string) {
	if m == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		action = "unknown"
	}
	m.appended.WithLabelValues(entityLabel(entity), action).Inc()
}

// StreamOpened tracks a new subscriber and returns the matching close hook.
func (m *ActivityMetrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.streams.Inc()
	var once sync.Once
	return func() { once.Do(m.streams.Dec) }
}

// RecordStreamed counts an event delivered to a subscriber.
func (m *ActivityMetrics) RecordStreamed(entity string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(entityLabel(entity)).Inc()
}

func entityLabel(entity string) string {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if entity == "" {
		return "unknown"
	}
	return entity
}
