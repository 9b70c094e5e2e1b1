package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/degrade"
	"github.com/yanolja/modelrouter/monitoring"
)

// Pinger issues a lightweight call against an endpoint.
type Pinger interface {
	Ping(ctx context.Context, endpoint modelrouter.EndpointDescriptor) error
}

// Catalog lists the endpoints to probe.
type Catalog interface {
	All() []modelrouter.EndpointDescriptor
	Get(endpointID string) (modelrouter.EndpointDescriptor, bool)
}

// Check is the outcome of one probe.
type Check struct {
	EndpointID string
	Success    bool
	Latency    time.Duration
	Error      string
	CheckedAt  time.Time
}

// Sink persists probe outcomes.
type Sink interface {
	RecordHealthCheck(ctx context.Context, check Check) error
}

type endpointState struct {
	mutex sync.RWMutex
	state modelrouter.AvailabilityState
}

// Prober owns the availability state of every endpoint. Each endpoint is
// probed on its own goroutine so a hung probe only delays that endpoint.
type Prober struct {
	// Endpoint id -> state. Entries are added, never removed.
	states map[string]*endpointState
	mutex  sync.RWMutex

	// Endpoint id -> cancels its probe loop.
	loops      map[string]context.CancelFunc
	loopsMutex sync.Mutex
	loopGroup  sync.WaitGroup
	rootCtx    context.Context
	running    bool

	pinger  Pinger
	catalog Catalog
	sink    Sink
	config  config.HealthConfig
	degrade *degrade.Tracker
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewProber(
	pinger Pinger,
	catalog Catalog,
	cfg config.HealthConfig,
	degradeTracker *degrade.Tracker,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
) *Prober {
	return NewProberWithClock(pinger, catalog, cfg, degradeTracker, metrics, logger, clock.New())
}

func NewProberWithClock(
	pinger Pinger,
	catalog Catalog,
	cfg config.HealthConfig,
	degradeTracker *degrade.Tracker,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Prober {
	return &Prober{
		states:  make(map[string]*endpointState),
		loops:   make(map[string]context.CancelFunc),
		pinger:  pinger,
		catalog: catalog,
		config:  cfg,
		degrade: degradeTracker,
		metrics: metrics,
		logger:  logger,
		clock:   clk,
	}
}

// SetSink persists every probe outcome. Must be called before Start.
func (p *Prober) SetSink(sink Sink) {
	p.sink = sink
}

// IsAvailable reports false only for endpoints that failed the threshold of
// consecutive probes. Unknown endpoints and a stopped prober count as
// available.
func (p *Prober) IsAvailable(endpointID string) bool {
	if !p.isRunning() {
		return true
	}
	state := p.lookup(endpointID)
	if state == nil {
		return true
	}
	state.mutex.RLock()
	defer state.mutex.RUnlock()
	return state.state.Status != modelrouter.StatusUnavailable
}

// Status returns a copy of the endpoint's availability state.
func (p *Prober) Status(endpointID string) modelrouter.AvailabilityState {
	state := p.lookup(endpointID)
	if state == nil {
		return modelrouter.AvailabilityState{
			EndpointID:  endpointID,
			Status:      modelrouter.StatusUnknown,
			IsAvailable: true,
		}
	}
	state.mutex.RLock()
	defer state.mutex.RUnlock()
	result := state.state
	result.IsAvailable = result.Status != modelrouter.StatusUnavailable
	return result
}

// Snapshot returns the state of every probed endpoint.
func (p *Prober) Snapshot() []modelrouter.AvailabilityState {
	p.mutex.RLock()
	ids := make([]string, 0, len(p.states))
	for id := range p.states {
		ids = append(ids, id)
	}
	p.mutex.RUnlock()

	result := make([]modelrouter.AvailabilityState, 0, len(ids))
	for _, id := range ids {
		result = append(result, p.Status(id))
	}
	return result
}

// NextDelay is the wait before the next probe: the base interval for a live
// endpoint, the backoff entry for its consecutive failures otherwise.
func (p *Prober) NextDelay(endpointID string) time.Duration {
	failures := 0
	if state := p.lookup(endpointID); state != nil {
		state.mutex.RLock()
		failures = state.state.ConsecutiveFailures
		state.mutex.RUnlock()
	}
	if failures == 0 || len(p.config.Backoff) == 0 {
		return p.config.ProbeInterval.Std()
	}
	index := failures - 1
	if index > len(p.config.Backoff)-1 {
		index = len(p.config.Backoff) - 1
	}
	return p.config.Backoff[index].Std()
}

// ProbeOnce probes the endpoint synchronously and applies the outcome.
func (p *Prober) ProbeOnce(ctx context.Context, endpointID string) error {
	endpoint, ok := p.catalog.Get(endpointID)
	if !ok {
		return fmt.Errorf("unknown endpoint: %s", endpointID)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout.Std())
	defer cancel()

	start := p.clock.Now()
	err := p.pinger.Ping(probeCtx, endpoint)
	latency := p.clock.Since(start)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Shutting down. Not a verdict on the endpoint.
		return err
	}

	p.Apply(endpointID, err, latency)
	return err
}

// Apply records a probe outcome. Exposed so callers with their own probes
// can feed results.
func (p *Prober) Apply(endpointID string, probeErr error, latency time.Duration) {
	state := p.getOrCreate(endpointID)
	now := p.clock.Now()

	state.mutex.Lock()
	previous := state.state.Status
	state.state.LastCheckedAt = now
	state.state.LastLatency = latency
	if probeErr == nil {
		state.state.ConsecutiveFailures = 0
		state.state.LastError = ""
		state.state.Status = modelrouter.StatusAvailable
	} else {
		state.state.ConsecutiveFailures++
		state.state.LastFailureAt = now
		state.state.LastError = probeErr.Error()
		if state.state.ConsecutiveFailures >= p.config.FailureThreshold {
			state.state.Status = modelrouter.StatusUnavailable
		}
	}
	current := state.state.Status
	failures := state.state.ConsecutiveFailures
	state.mutex.Unlock()

	if previous != current {
		if current == modelrouter.StatusUnavailable {
			p.logger.Warnw("Endpoint became unavailable", "endpoint", endpointID, "failures", failures, "error", probeErr)
		} else {
			p.logger.Infow("Endpoint status changed", "endpoint", endpointID, "from", previous, "to", current)
		}
	}
	p.metrics.SetEndpointAvailable(endpointID, current != modelrouter.StatusUnavailable)

	if p.sink != nil {
		check := Check{EndpointID: endpointID, Success: probeErr == nil, Latency: latency, CheckedAt: now}
		if probeErr != nil {
			check.Error = probeErr.Error()
		}
		if err := p.sink.RecordHealthCheck(context.Background(), check); err != nil {
			p.logger.Warnw("Failed to persist health check", "endpoint", endpointID, "error", err)
		}
	}
}

// Start launches one probe loop per enabled endpoint. Call Sync after the
// catalog changes.
func (p *Prober) Start(ctx context.Context) {
	p.loopsMutex.Lock()
	p.rootCtx = ctx
	p.running = true
	p.loopsMutex.Unlock()

	p.degrade.Exit(degrade.ModeHealth)
	p.Sync()
}

// Sync starts loops for newly enabled endpoints and stops loops of disabled
// ones.
func (p *Prober) Sync() {
	p.loopsMutex.Lock()
	defer p.loopsMutex.Unlock()
	if !p.running {
		return
	}

	enabled := make(map[string]bool)
	for _, endpoint := range p.catalog.All() {
		if !endpoint.Enabled {
			continue
		}
		enabled[endpoint.ID] = true
		if _, ok := p.loops[endpoint.ID]; ok {
			continue
		}
		p.getOrCreate(endpoint.ID)
		loopCtx, cancel := context.WithCancel(p.rootCtx)
		p.loops[endpoint.ID] = cancel
		p.loopGroup.Add(1)
		go p.run(loopCtx, endpoint.ID)
	}
	for id, cancel := range p.loops {
		if !enabled[id] {
			cancel()
			delete(p.loops, id)
		}
	}
}

// Stop ends every probe loop. Until the next Start, endpoints count as
// available.
func (p *Prober) Stop() {
	p.loopsMutex.Lock()
	for id, cancel := range p.loops {
		cancel()
		delete(p.loops, id)
	}
	wasRunning := p.running
	p.running = false
	p.loopsMutex.Unlock()

	p.loopGroup.Wait()
	if wasRunning {
		p.degrade.Enter(degrade.ModeHealth, errors.New("health prober stopped"))
	}
}

func (p *Prober) run(ctx context.Context, endpointID string) {
	defer p.loopGroup.Done()
	for {
		if err := p.ProbeOnce(ctx, endpointID); err != nil {
			p.logger.Debugw("Probe failed", "endpoint", endpointID, "error", err)
		}

		timer := p.clock.Timer(p.NextDelay(endpointID))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Prober) isRunning() bool {
	p.loopsMutex.Lock()
	defer p.loopsMutex.Unlock()
	return p.running
}

func (p *Prober) lookup(endpointID string) *endpointState {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.states[endpointID]
}

func (p *Prober) getOrCreate(endpointID string) *endpointState {
	if state := p.lookup(endpointID); state != nil {
		return state
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if state, ok := p.states[endpointID]; ok {
		return state
	}
	state := &endpointState{state: modelrouter.AvailabilityState{
		EndpointID: endpointID,
		Status:     modelrouter.StatusUnknown,
	}}
	p.states[endpointID] = state
	return state
}
