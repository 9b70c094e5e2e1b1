package monitoring

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertKind names the condition that raised an alert.
type AlertKind string

const (
	// More failover events for one endpoint than allowed in the alert window.
	AlertFailoverThreshold AlertKind = "failover_threshold"

	// Success rate of an endpoint fell below the degradation threshold.
	AlertPerformanceDegraded AlertKind = "performance_degraded"

	// Too many low quality responses from one endpoint.
	AlertModelSwitch AlertKind = "model_switch_recommended"

	// Daily spend reached the alert percent of the budget.
	AlertBudget AlertKind = "budget"

	// A component entered a degraded mode.
	AlertDegradedMode AlertKind = "degraded_mode"
)

type Alert struct {
	Kind       AlertKind `json:"kind"`
	EndpointID string    `json:"endpoint_id,omitempty"`
	Message    string    `json:"message"`

	// Measurement that crossed the threshold. E.g., 4 events, 0.75 success rate
	Value float64 `json:"value"`

	// True when the condition starts, false when it clears.
	Active bool `json:"active"`

	RaisedAt time.Time `json:"raised_at"`
}

// AlertSink receives alert signals for the external observability layer.
// Must not block.
type AlertSink interface {
	Raise(alert Alert)
}

// Alerter logs every alert, counts it in Prometheus and keeps the most recent
// ones for the telemetry API.
type Alerter struct {
	logger  *zap.SugaredLogger
	metrics *Metrics

	mutex  sync.Mutex
	recent []Alert
	limit  int
}

func NewAlerter(logger *zap.SugaredLogger, metrics *Metrics) *Alerter {
	return &Alerter{
		logger:  logger,
		metrics: metrics,
		limit:   100,
	}
}

func (a *Alerter) Raise(alert Alert) {
	if alert.Active {
		a.logger.Warnw("Alert raised", "kind", alert.Kind, "endpoint", alert.EndpointID, "value", alert.Value, "message", alert.Message)
	} else {
		a.logger.Infow("Alert cleared", "kind", alert.Kind, "endpoint", alert.EndpointID, "value", alert.Value, "message", alert.Message)
	}
	a.metrics.ObserveAlert(alert)

	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.recent = append(a.recent, alert)
	if len(a.recent) > a.limit {
		a.recent = append([]Alert(nil), a.recent[len(a.recent)-a.limit:]...)
	}
}

// Recent returns the latest alerts, oldest first.
func (a *Alerter) Recent() []Alert {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]Alert(nil), a.recent...)
}

// NopAlertSink drops every alert.
type NopAlertSink struct{}

func (NopAlertSink) Raise(Alert) {}
