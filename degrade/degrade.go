package degrade

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter/monitoring"
)

// Mode names a component the router can run without.
type Mode string

const (
	// Requests are served without caching.
	ModeCache Mode = "cache"

	// Requests are served without historical weighting or persisted telemetry.
	ModeLedger Mode = "ledger"

	// Endpoints are treated as healthy.
	ModeHealth Mode = "health"
)

type status struct {
	since  time.Time
	reason string
}

// Tracker remembers which components are degraded. Each transition is logged
// once, never once per request. A nil Tracker ignores every call.
type Tracker struct {
	active map[Mode]status
	mutex  sync.RWMutex

	logger  *zap.SugaredLogger
	alerts  monitoring.AlertSink
	metrics *monitoring.Metrics
	clock   clock.Clock
}

func NewTracker(logger *zap.SugaredLogger, alerts monitoring.AlertSink, metrics *monitoring.Metrics) *Tracker {
	return NewTrackerWithClock(logger, alerts, metrics, clock.New())
}

func NewTrackerWithClock(logger *zap.SugaredLogger, alerts monitoring.AlertSink, metrics *monitoring.Metrics, clk clock.Clock) *Tracker {
	if alerts == nil {
		alerts = monitoring.NopAlertSink{}
	}
	return &Tracker{
		active:  make(map[Mode]status),
		logger:  logger,
		alerts:  alerts,
		metrics: metrics,
		clock:   clk,
	}
}

// Enter marks the mode degraded. Returns true when this call caused the
// transition.
func (t *Tracker) Enter(mode Mode, cause error) bool {
	if t == nil {
		return false
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	t.mutex.Lock()
	if _, ok := t.active[mode]; ok {
		t.mutex.Unlock()
		return false
	}
	now := t.clock.Now()
	t.active[mode] = status{since: now, reason: reason}
	t.mutex.Unlock()

	t.logger.Warnw("Entering degraded mode", "mode", mode, "reason", reason)
	t.metrics.SetDegraded(string(mode), true)
	t.alerts.Raise(monitoring.Alert{
		Kind:     monitoring.AlertDegradedMode,
		Message:  fmt.Sprintf("%s degraded: %s", mode, reason),
		Active:   true,
		RaisedAt: now,
	})
	return true
}

// Exit clears the mode. Returns true when this call caused the transition.
func (t *Tracker) Exit(mode Mode) bool {
	if t == nil {
		return false
	}
	t.mutex.Lock()
	previous, ok := t.active[mode]
	if !ok {
		t.mutex.Unlock()
		return false
	}
	delete(t.active, mode)
	now := t.clock.Now()
	t.mutex.Unlock()

	t.logger.Infow("Leaving degraded mode", "mode", mode, "duration", now.Sub(previous.since))
	t.metrics.SetDegraded(string(mode), false)
	t.alerts.Raise(monitoring.Alert{
		Kind:     monitoring.AlertDegradedMode,
		Message:  fmt.Sprintf("%s recovered", mode),
		Value:    now.Sub(previous.since).Seconds(),
		Active:   false,
		RaisedAt: now,
	})
	return true
}

// Report enters the mode when err is not nil and exits it otherwise.
func (t *Tracker) Report(mode Mode, err error) {
	if err != nil {
		t.Enter(mode, err)
		return
	}
	t.Exit(mode)
}

func (t *Tracker) IsDegraded(mode Mode) bool {
	if t == nil {
		return false
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	_, ok := t.active[mode]
	return ok
}

// Active lists the degraded modes with the time they started.
func (t *Tracker) Active() map[Mode]time.Time {
	if t == nil {
		return nil
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	result := make(map[Mode]time.Time, len(t.active))
	for mode, status := range t.active {
		result[mode] = status.since
	}
	return result
}
