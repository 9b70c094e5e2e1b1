package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/dispatch"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/retry"
	"github.com/yanolja/modelrouter/selector"
)

const (
	// Events older than this are dropped from memory.
	eventRetention = 24 * time.Hour

	maintenanceInterval = time.Minute
	sinkTimeout         = 5 * time.Second
	sinkQueueSize       = 256
)

// State of one request inside the coordinator.
type State string

const (
	StateSelecting   State = "selecting"
	StateDispatching State = "dispatching"
	StateRetrying    State = "retrying"
	StateFailingOver State = "failing_over"
	StateSucceeded   State = "succeeded"
	StateExhausted   State = "exhausted"
)

type Selector interface {
	Select(spec *modelrouter.RequestSpec, constraints modelrouter.Constraints) (selector.Ranking, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint modelrouter.EndpointDescriptor, spec *modelrouter.RequestSpec) (*modelrouter.NormalizedResponse, error)
}

type Sink interface {
	RecordFailoverEvent(ctx context.Context, event modelrouter.FailoverEvent) error
}

// Outcome of a successful Execute.
type Outcome struct {
	Response *modelrouter.NormalizedResponse

	// Failover events raised while serving the request.
	Events []modelrouter.FailoverEvent

	// Failures of the endpoints tried before the one that answered.
	Failures []modelrouter.AttemptFailure
}

type Coordinator struct {
	selector   Selector
	dispatcher Dispatcher
	config     config.FailoverConfig
	scheduler  retry.Scheduler
	alerts     monitoring.AlertSink
	metrics    *monitoring.Metrics
	logger     *zap.SugaredLogger

	// Recent events ordered by OccurredAt.
	events      []modelrouter.FailoverEvent
	eventsMutex sync.RWMutex

	// Endpoints whose failover alert is currently firing.
	alerting map[string]bool

	sink    Sink
	pending chan modelrouter.FailoverEvent

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewCoordinator(
	selector Selector,
	dispatcher Dispatcher,
	cfg config.FailoverConfig,
	alerts monitoring.AlertSink,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
) *Coordinator {
	clk := clock.New()
	return NewCoordinatorWithClock(selector, dispatcher, cfg, alerts, metrics, logger, retry.NewClockScheduler(clk), clk)
}

func NewCoordinatorWithClock(
	selector Selector,
	dispatcher Dispatcher,
	cfg config.FailoverConfig,
	alerts monitoring.AlertSink,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
	scheduler retry.Scheduler,
	clk clock.Clock,
) *Coordinator {
	if alerts == nil {
		alerts = monitoring.NopAlertSink{}
	}
	return &Coordinator{
		selector:   selector,
		dispatcher: dispatcher,
		config:     cfg,
		scheduler:  scheduler,
		alerts:     alerts,
		metrics:    metrics,
		logger:     logger,
		alerting:   make(map[string]bool),
		pending:    make(chan modelrouter.FailoverEvent, sinkQueueSize),
		clock:      clk,
	}
}

// SetSink persists every failover event. Must be called before Start.
func (c *Coordinator) SetSink(sink Sink) {
	c.sink = sink
}

// request is the bookkeeping of one Execute call.
type request struct {
	spec     *modelrouter.RequestSpec
	state    State
	excluded map[string]struct{}
	failures []modelrouter.AttemptFailure

	// Events waiting for the next endpoint to be chosen.
	open   []modelrouter.FailoverEvent
	events []modelrouter.FailoverEvent
}

// Execute selects endpoints and dispatches until one answers, asking the
// selector for a fresh ranking after every failure. Transient failures
// exclude the endpoint for the rest of the request. Rate-limited endpoints
// drop out of selection until their window resets. Permanent failures end
// the request. When nothing is eligible the request waits in queue with
// exponential backoff before giving up.
func (c *Coordinator) Execute(ctx context.Context, spec *modelrouter.RequestSpec) (*Outcome, error) {
	req := &request{spec: spec, state: StateSelecting, excluded: make(map[string]struct{})}
	queue := retry.NewState(retry.Policy{MaxRetries: c.config.MaxRetries, BaseDelay: c.config.BaseBackoff.Std()})

	for {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(req, modelrouter.ErrorCanceled, err)
		}

		// Endpoints dispatched in this pass. Rate-limited ones stay eligible
		// for the next pass.
		tried := make(map[string]struct{})
		var err error
		for {
			c.transition(req, StateSelecting)
			var candidate *selector.Candidate
			candidate, err = c.next(req, tried)
			if err != nil && !errors.Is(err, modelrouter.ErrNoEligibleEndpoint) {
				return nil, c.fail(req, modelrouter.ErrorPermanent, err)
			}
			if candidate == nil {
				break
			}

			c.transition(req, StateDispatching)
			c.choose(req, candidate.Endpoint.ID)
			tried[candidate.Endpoint.ID] = struct{}{}

			response, dispatchErr := c.dispatcher.Dispatch(ctx, candidate.Endpoint, spec)
			if dispatchErr == nil {
				c.transition(req, StateSucceeded)
				return &Outcome{Response: response, Events: req.events, Failures: req.failures}, nil
			}

			failure := toFailure(candidate.Endpoint.ID, dispatchErr)
			req.failures = append(req.failures, failure)

			switch failure.Kind {
			case modelrouter.ErrorCanceled:
				return nil, c.fail(req, modelrouter.ErrorCanceled, dispatchErr)
			case modelrouter.ErrorPermanent:
				return nil, c.fail(req, modelrouter.ErrorPermanent, dispatchErr)
			case modelrouter.ErrorAdmissionDenied:
				c.open(req, candidate.Endpoint.ID, modelrouter.FailoverAdmissionDenied)
			case modelrouter.ErrorRateLimited:
				c.open(req, candidate.Endpoint.ID, modelrouter.FailoverRateLimited)
			default:
				req.excluded[candidate.Endpoint.ID] = struct{}{}
				c.open(req, candidate.Endpoint.ID, modelrouter.FailoverTransientError)
			}
			c.transition(req, StateFailingOver)
		}

		// Every eligible endpoint failed, or none was eligible.
		delay, ok := queue.Advance(c.clock.Now())
		if !ok {
			if err == nil {
				err = modelrouter.ErrNoEligibleEndpoint
			}
			return nil, c.fail(req, modelrouter.ErrorNoEligibleEndpoint, err)
		}
		c.transition(req, StateRetrying)
		c.logger.Infow("Request queued",
			"request_id", spec.RequestID,
			"delay", delay,
			"retry", queue.Attempt,
			"failures", len(req.failures))
		if err := c.scheduler.Wait(ctx, delay); err != nil {
			return nil, c.fail(req, modelrouter.ErrorCanceled, err)
		}
	}
}

// next asks the selector for a fresh ranking and returns its best endpoint
// not yet tried in this pass. Nil when nothing is left.
func (c *Coordinator) next(req *request, tried map[string]struct{}) (*selector.Candidate, error) {
	constraints := modelrouter.ConstraintsFor(req.spec)
	constraints.ExcludedEndpoints = keys(req.excluded)
	ranking, err := c.selector.Select(req.spec, constraints)
	for i := range ranking {
		if _, ok := tried[ranking[i].Endpoint.ID]; !ok {
			return &ranking[i], nil
		}
	}
	return nil, err
}

// Events lists the events that occurred at or after since, oldest first.
func (c *Coordinator) Events(since time.Time) []modelrouter.FailoverEvent {
	c.eventsMutex.RLock()
	defer c.eventsMutex.RUnlock()

	start := sort.Search(len(c.events), func(i int) bool {
		return !c.events[i].OccurredAt.Before(since)
	})
	return append([]modelrouter.FailoverEvent(nil), c.events[start:]...)
}

// CountRecent returns the number of events for one endpoint in the alert
// window.
func (c *Coordinator) CountRecent(endpointID string) int {
	c.eventsMutex.RLock()
	defer c.eventsMutex.RUnlock()
	return c.countLocked(endpointID, c.clock.Now())
}

// Prune drops old events and re-arms alerts whose count fell back.
func (c *Coordinator) Prune() {
	now := c.clock.Now()

	c.eventsMutex.Lock()
	cutoff := now.Add(-eventRetention)
	start := sort.Search(len(c.events), func(i int) bool {
		return !c.events[i].OccurredAt.Before(cutoff)
	})
	c.events = append([]modelrouter.FailoverEvent(nil), c.events[start:]...)

	var cleared []string
	for endpointID := range c.alerting {
		if c.countLocked(endpointID, now) <= c.config.AlertThreshold {
			delete(c.alerting, endpointID)
			cleared = append(cleared, endpointID)
		}
	}
	c.eventsMutex.Unlock()

	for _, endpointID := range cleared {
		c.raise(endpointID, false, 0, now)
	}
}

// Start runs persistence and periodic pruning. Returns a function to stop it.
func (c *Coordinator) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := c.clock.Ticker(maintenanceInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case event := <-c.pending:
						c.persist(event)
					default:
						return
					}
				}
			case event := <-c.pending:
				c.persist(event)
			case <-ticker.C:
				c.Prune()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *Coordinator) transition(req *request, next State) {
	if req.state == next {
		return
	}
	c.logger.Debugw("Request state changed", "request_id", req.spec.RequestID, "from", req.state, "to", next)
	req.state = next
}

// open starts an event whose alternative is the next endpoint chosen.
func (c *Coordinator) open(req *request, endpointID string, reason modelrouter.FailoverReason) {
	req.open = append(req.open, modelrouter.FailoverEvent{
		ID:                 uuid.NewString(),
		RequestID:          req.spec.RequestID,
		OriginalEndpointID: endpointID,
		Reason:             reason,
		OccurredAt:         c.clock.Now(),
	})
}

// choose closes the open events with the endpoint about to be dispatched.
func (c *Coordinator) choose(req *request, endpointID string) {
	for _, event := range req.open {
		event.AlternativeEndpoint = endpointID
		c.record(req, event)
	}
	req.open = nil
}

func (c *Coordinator) fail(req *request, kind modelrouter.ErrorKind, cause error) error {
	c.transition(req, StateExhausted)
	for _, event := range req.open {
		c.record(req, event)
	}
	req.open = nil

	routeErr := modelrouter.NewRouteError(kind, cause, req.failures)
	c.logger.Warnw("Request failed",
		"request_id", req.spec.RequestID,
		"kind", kind,
		"endpoints_attempted", routeErr.EndpointsAttempted,
		"error", cause)
	return routeErr
}

func (c *Coordinator) record(req *request, event modelrouter.FailoverEvent) {
	req.events = append(req.events, event)
	now := c.clock.Now()

	c.eventsMutex.Lock()
	c.events = append(c.events, event)
	for i := len(c.events) - 1; i > 0 && c.events[i].OccurredAt.Before(c.events[i-1].OccurredAt); i-- {
		c.events[i], c.events[i-1] = c.events[i-1], c.events[i]
	}
	count := c.countLocked(event.OriginalEndpointID, now)
	crossed := count > c.config.AlertThreshold && !c.alerting[event.OriginalEndpointID]
	if crossed {
		c.alerting[event.OriginalEndpointID] = true
	}
	c.eventsMutex.Unlock()

	c.logger.Infow("Failover",
		"request_id", event.RequestID,
		"endpoint", event.OriginalEndpointID,
		"reason", event.Reason,
		"alternative", event.AlternativeEndpoint)
	c.metrics.ObserveFailover(event.OriginalEndpointID, string(event.Reason))
	if crossed {
		c.raise(event.OriginalEndpointID, true, count, now)
	}

	if c.sink != nil {
		select {
		case c.pending <- event:
		default:
			c.logger.Warnw("Dropped failover event, persistence queue is full", "event_id", event.ID)
		}
	}
}

func (c *Coordinator) raise(endpointID string, active bool, count int, now time.Time) {
	message := fmt.Sprintf("%d failover events within %s", count, c.config.AlertWindow.Std())
	if !active {
		message = "failover rate back under threshold"
	}
	c.alerts.Raise(monitoring.Alert{
		Kind:       monitoring.AlertFailoverThreshold,
		EndpointID: endpointID,
		Message:    message,
		Value:      float64(count),
		Active:     active,
		RaisedAt:   now,
	})
}

func (c *Coordinator) countLocked(endpointID string, now time.Time) int {
	from := now.Add(-c.config.AlertWindow.Std())
	count := 0
	for i := len(c.events) - 1; i >= 0 && !c.events[i].OccurredAt.Before(from); i-- {
		if c.events[i].OriginalEndpointID == endpointID && !c.events[i].OccurredAt.After(now) {
			count++
		}
	}
	return count
}

func (c *Coordinator) persist(event modelrouter.FailoverEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := c.sink.RecordFailoverEvent(ctx, event); err != nil {
		c.logger.Warnw("Failed to persist failover event", "event_id", event.ID, "error", err)
	}
}

func toFailure(endpointID string, err error) modelrouter.AttemptFailure {
	var dispatchErr *dispatch.DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Failure()
	}
	return modelrouter.AttemptFailure{EndpointID: endpointID, Kind: modelrouter.ErrorTransient, Message: err.Error()}
}

func keys(set map[string]struct{}) []string {
	result := make([]string, 0, len(set))
	for key := range set {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
