package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/dispatch"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/retry"
	"github.com/yanolja/modelrouter/selector"
)

// fakeSelector ranks its endpoints in order, honoring exclusions. Endpoints
// in hidden are treated as rate limited.
type fakeSelector struct {
	mutex       sync.Mutex
	endpoints   []string
	hidden      map[string]bool
	noneUntil   int
	calls       int
	constraints []modelrouter.Constraints
}

func (s *fakeSelector) Select(spec *modelrouter.RequestSpec, constraints modelrouter.Constraints) (selector.Ranking, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls++
	s.constraints = append(s.constraints, constraints)
	if s.calls <= s.noneUntil {
		return nil, &modelrouter.NoEligibleEndpointError{Considered: len(s.endpoints)}
	}

	excluded := map[string]bool{}
	for _, id := range constraints.ExcludedEndpoints {
		excluded[id] = true
	}
	var ranking selector.Ranking
	for _, id := range s.endpoints {
		if excluded[id] || s.hidden[id] {
			continue
		}
		ranking = append(ranking, selector.Candidate{Endpoint: modelrouter.EndpointDescriptor{ID: id, ProviderID: "fake", Enabled: true}})
	}
	if len(ranking) == 0 {
		return nil, &modelrouter.NoEligibleEndpointError{Considered: len(s.endpoints)}
	}
	return ranking, nil
}

// fakeDispatcher fails each endpoint with the scripted kinds, in order, then
// succeeds.
type fakeDispatcher struct {
	mutex      sync.Mutex
	script     map[string][]modelrouter.ErrorKind
	dispatched []string
	onDispatch func(endpointID string)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, endpoint modelrouter.EndpointDescriptor, spec *modelrouter.RequestSpec) (*modelrouter.NormalizedResponse, error) {
	d.mutex.Lock()
	d.dispatched = append(d.dispatched, endpoint.ID)
	var kind modelrouter.ErrorKind
	if kinds := d.script[endpoint.ID]; len(kinds) > 0 {
		kind = kinds[0]
		d.script[endpoint.ID] = kinds[1:]
	}
	onDispatch := d.onDispatch
	d.mutex.Unlock()

	if onDispatch != nil {
		onDispatch(endpoint.ID)
	}
	if kind != "" {
		return nil, &dispatch.DispatchError{EndpointID: endpoint.ID, Kind: kind, Message: string(kind), Attempts: 1}
	}
	return &modelrouter.NormalizedResponse{RequestID: spec.RequestID, Content: "done", SourceEndpoint: endpoint.ID}, nil
}

type recordingAlerts struct {
	mutex  sync.Mutex
	alerts []monitoring.Alert
}

func (r *recordingAlerts) Raise(alert monitoring.Alert) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingAlerts) all() []monitoring.Alert {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]monitoring.Alert(nil), r.alerts...)
}

type recordingSink struct {
	mutex  sync.Mutex
	events []modelrouter.FailoverEvent
}

func (s *recordingSink) RecordFailoverEvent(ctx context.Context, event modelrouter.FailoverEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, event)
	return nil
}

type fixture struct {
	selector   *fakeSelector
	dispatcher *fakeDispatcher
	alerts     *recordingAlerts
	scheduler  *retry.RecordingScheduler
	clock      *clock.Mock
	config     config.FailoverConfig
}

func newFixture(endpoints ...string) *fixture {
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	return &fixture{
		selector:   &fakeSelector{endpoints: endpoints, hidden: map[string]bool{}},
		dispatcher: &fakeDispatcher{script: map[string][]modelrouter.ErrorKind{}},
		alerts:     &recordingAlerts{},
		scheduler:  &retry.RecordingScheduler{Clock: mockClock},
		clock:      mockClock,
		config: config.FailoverConfig{
			MaxRetries:     3,
			BaseBackoff:    config.Duration(2 * time.Second),
			AlertThreshold: 3,
			AlertWindow:    config.Duration(time.Hour),
		},
	}
}

func (f *fixture) coordinator(t *testing.T) *Coordinator {
	return NewCoordinatorWithClock(
		f.selector,
		f.dispatcher,
		f.config,
		f.alerts,
		monitoring.NewMetrics("test"),
		zaptest.NewLogger(t).Sugar(),
		f.scheduler,
		f.clock,
	)
}

func testSpec() *modelrouter.RequestSpec {
	return &modelrouter.RequestSpec{RequestID: "req-1"}
}

func TestExecute(t *testing.T) {
	t.Run("transient failure fails over to the next endpoint", func(t *testing.T) {
		f := newFixture("A", "B")
		f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorTransient}
		coordinator := f.coordinator(t)

		outcome, err := coordinator.Execute(context.Background(), testSpec())
		require.NoError(t, err)
		assert.Equal(t, "B", outcome.Response.SourceEndpoint)
		assert.Equal(t, []string{"A", "B"}, f.dispatcher.dispatched)

		require.Len(t, outcome.Events, 1)
		event := outcome.Events[0]
		assert.Equal(t, "A", event.OriginalEndpointID)
		assert.Equal(t, "B", event.AlternativeEndpoint)
		assert.Equal(t, modelrouter.FailoverTransientError, event.Reason)
		assert.Equal(t, "req-1", event.RequestID)
		assert.NotEmpty(t, event.ID)

		assert.Equal(t, outcome.Events, coordinator.Events(time.Time{}))
		assert.Empty(t, f.scheduler.Delays())
	})

	t.Run("transient failure excludes the endpoint for the rest of the request", func(t *testing.T) {
		f := newFixture("A", "B")
		f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorTransient}
		f.dispatcher.script["B"] = []modelrouter.ErrorKind{modelrouter.ErrorRateLimited}
		f.dispatcher.onDispatch = func(endpointID string) {
			if endpointID == "B" {
				f.selector.mutex.Lock()
				f.selector.hidden["B"] = true
				f.selector.mutex.Unlock()
			}
		}

		_, err := f.coordinator(t).Execute(context.Background(), testSpec())
		var routeErr *modelrouter.RouteError
		require.True(t, errors.As(err, &routeErr))
		assert.Equal(t, modelrouter.ErrorNoEligibleEndpoint, routeErr.Kind)
		assert.True(t, routeErr.Retryable)
		assert.Equal(t, []string{"A", "B"}, routeErr.EndpointsAttempted)

		// Only the transient failure is excluded; B drops out through the selector.
		for _, constraints := range f.selector.constraints[1:] {
			assert.Equal(t, []string{"A"}, constraints.ExcludedEndpoints)
		}
	})

	t.Run("rate limit and admission denial fail over without exclusion", func(t *testing.T) {
		f := newFixture("A", "B", "C")
		f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorRateLimited}
		f.dispatcher.script["B"] = []modelrouter.ErrorKind{modelrouter.ErrorAdmissionDenied}

		outcome, err := f.coordinator(t).Execute(context.Background(), testSpec())
		require.NoError(t, err)
		assert.Equal(t, "C", outcome.Response.SourceEndpoint)

		require.Len(t, outcome.Events, 2)
		assert.Equal(t, modelrouter.FailoverRateLimited, outcome.Events[0].Reason)
		assert.Equal(t, "B", outcome.Events[0].AlternativeEndpoint)
		assert.Equal(t, modelrouter.FailoverAdmissionDenied, outcome.Events[1].Reason)
		assert.Equal(t, "C", outcome.Events[1].AlternativeEndpoint)
		assert.Len(t, outcome.Failures, 2)
	})

	t.Run("ranking is refreshed after every failure", func(t *testing.T) {
		f := newFixture("A", "B", "C")
		f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorTransient}
		f.dispatcher.onDispatch = func(endpointID string) {
			// B goes down while A is being served.
			if endpointID == "A" {
				f.selector.mutex.Lock()
				f.selector.hidden["B"] = true
				f.selector.mutex.Unlock()
			}
		}

		outcome, err := f.coordinator(t).Execute(context.Background(), testSpec())
		require.NoError(t, err)
		assert.Equal(t, "C", outcome.Response.SourceEndpoint)
		assert.Equal(t, []string{"A", "C"}, f.dispatcher.dispatched)
		assert.Equal(t, 2, f.selector.calls)
		require.Len(t, outcome.Events, 1)
		assert.Equal(t, "C", outcome.Events[0].AlternativeEndpoint)
	})

	t.Run("permanent failure is returned immediately", func(t *testing.T) {
		f := newFixture("A", "B")
		f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorPermanent}
		coordinator := f.coordinator(t)

		_, err := coordinator.Execute(context.Background(), testSpec())
		var routeErr *modelrouter.RouteError
		require.True(t, errors.As(err, &routeErr))
		assert.Equal(t, modelrouter.ErrorPermanent, routeErr.Kind)
		assert.False(t, routeErr.Retryable)
		assert.Equal(t, []modelrouter.AttemptFailure{{EndpointID: "A", Kind: modelrouter.ErrorPermanent, Message: "permanent"}}, routeErr.Failures)
		assert.Equal(t, []string{"A"}, f.dispatcher.dispatched)
		assert.Empty(t, coordinator.Events(time.Time{}))
	})

	t.Run("no eligible endpoint waits 2s 4s 8s in queue", func(t *testing.T) {
		f := newFixture()
		_, err := f.coordinator(t).Execute(context.Background(), testSpec())

		var routeErr *modelrouter.RouteError
		require.True(t, errors.As(err, &routeErr))
		assert.Equal(t, modelrouter.ErrorNoEligibleEndpoint, routeErr.Kind)
		assert.True(t, errors.Is(err, modelrouter.ErrNoEligibleEndpoint))
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, f.scheduler.Delays())
		assert.Equal(t, 4, f.selector.calls)
	})

	t.Run("queued request is served once an endpoint frees up", func(t *testing.T) {
		f := newFixture("A")
		f.selector.noneUntil = 2

		outcome, err := f.coordinator(t).Execute(context.Background(), testSpec())
		require.NoError(t, err)
		assert.Equal(t, "A", outcome.Response.SourceEndpoint)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.scheduler.Delays())
	})

	t.Run("event without alternative when nothing else answers", func(t *testing.T) {
		f := newFixture("A")
		f.config.MaxRetries = 0
		f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorTransient}
		coordinator := f.coordinator(t)

		_, err := coordinator.Execute(context.Background(), testSpec())
		require.Error(t, err)

		events := coordinator.Events(time.Time{})
		require.Len(t, events, 1)
		assert.Empty(t, events[0].AlternativeEndpoint)
	})

	t.Run("canceled request", func(t *testing.T) {
		f := newFixture("A")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.coordinator(t).Execute(ctx, testSpec())
		var routeErr *modelrouter.RouteError
		require.True(t, errors.As(err, &routeErr))
		assert.Equal(t, modelrouter.ErrorCanceled, routeErr.Kind)
		assert.Empty(t, f.dispatcher.dispatched)
	})
}

func TestFailoverAlert(t *testing.T) {
	f := newFixture("A", "B")
	coordinator := f.coordinator(t)
	failOnce := func() {
		f.dispatcher.mutex.Lock()
		f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorTransient}
		f.dispatcher.mutex.Unlock()
		_, err := coordinator.Execute(context.Background(), testSpec())
		require.NoError(t, err)
		f.clock.Add(time.Minute)
	}

	for i := 0; i < 3; i++ {
		failOnce()
	}
	assert.Empty(t, f.alerts.all())
	assert.Equal(t, 3, coordinator.CountRecent("A"))

	failOnce()
	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, monitoring.AlertFailoverThreshold, alerts[0].Kind)
	assert.Equal(t, "A", alerts[0].EndpointID)
	assert.True(t, alerts[0].Active)
	assert.Equal(t, 4.0, alerts[0].Value)

	// Still above the threshold: no new alert.
	failOnce()
	assert.Len(t, f.alerts.all(), 1)

	// Events age out of the window and the alert re-arms.
	f.clock.Add(time.Hour)
	coordinator.Prune()
	alerts = f.alerts.all()
	require.Len(t, alerts, 2)
	assert.False(t, alerts[1].Active)

	for i := 0; i < 4; i++ {
		failOnce()
	}
	assert.Len(t, f.alerts.all(), 3)
}

func TestPersistence(t *testing.T) {
	f := newFixture("A", "B")
	f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorTransient}
	coordinator := f.coordinator(t)
	sink := &recordingSink{}
	coordinator.SetSink(sink)
	stop := coordinator.Start(context.Background())

	_, err := coordinator.Execute(context.Background(), testSpec())
	require.NoError(t, err)
	stop()

	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "A", sink.events[0].OriginalEndpointID)
}

func TestPrune(t *testing.T) {
	f := newFixture("A", "B")
	f.dispatcher.script["A"] = []modelrouter.ErrorKind{modelrouter.ErrorTransient}
	coordinator := f.coordinator(t)

	_, err := coordinator.Execute(context.Background(), testSpec())
	require.NoError(t, err)
	since := f.clock.Now()

	f.clock.Add(25 * time.Hour)
	coordinator.Prune()
	assert.Empty(t, coordinator.Events(since.Add(-time.Minute)))
}
