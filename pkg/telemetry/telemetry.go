// Package telemetry exposes the connector's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Link flow stages.
const (
	StageSignIn   = "sign_in"
	StageCallback = "callback"
	StageVerify   = "verify"
	StageRefresh  = "refresh"
	StageUnlink   = "unlink"
)

// Outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the connector metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	linkEvents    *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewMetrics creates and registers the connector metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		linkEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chatlink_link_events_total",
			Help: "Identity link flow events by stage and outcome.",
		}, []string{"stage", "outcome"}),
		notifications: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chatlink_notifications_total",
			Help: "Inbound notifications relayed to linked principals by outcome.",
		}, []string{"outcome"}),
	}
}

// LinkEvent records one link-flow event.
func (m *Metrics) LinkEvent(stage, outcome string) {
	if m == nil {
		return
	}
	m.linkEvents.WithLabelValues(stage, outcome).Inc()
}

// Notification records one inbound notification.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
