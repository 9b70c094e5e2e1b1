package quota

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/state"
)

const (
	ReasonRateLimited   = "rate_limited"
	ReasonRequestLimit  = "request_limit"
	ReasonTokenLimit    = "token_limit"
	ReasonUnknownTarget = "unknown_endpoint"
)

// Admission is the verdict of CheckAdmission.
type Admission struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Catalog resolves the declared limits of an endpoint.
type Catalog interface {
	Get(endpointID string) (modelrouter.EndpointDescriptor, bool)
}

// Event is emitted whenever an endpoint becomes rate-limited.
type Event struct {
	EndpointID string
	// True when the provider answered with a rate-limit error.
	Reported   bool
	Requests   int64
	Tokens     int64
	ResetAt    time.Time
	OccurredAt time.Time
}

type Sink interface {
	RecordRateLimitEvent(ctx context.Context, event Event) error
}

type window struct {
	mutex    sync.Mutex
	requests *ring
	tokens   *ring

	rateLimited bool
	resetAt     time.Time
}

// limitedAt reports the mark as it stands at now. The flag clears itself once
// resetAt has passed.
func (w *window) limitedAt(now time.Time) bool {
	return w.rateLimited && now.Before(w.resetAt)
}

type mark struct {
	endpointID string
	duration   time.Duration
}

// Tracker keeps per-endpoint sliding windows of requests and tokens.
type Tracker struct {
	// Endpoint id -> window. The mutex guards insertion only.
	windows map[string]*window
	mutex   sync.RWMutex

	catalog Catalog
	config  config.RateLimitConfig
	store   state.Store
	sink    Sink
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger

	// Provider-reported marks waiting to be published to the store.
	pending chan mark

	// Set while the shared store is failing so it is logged once.
	storeFailing bool

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewTracker(
	catalog Catalog,
	cfg config.RateLimitConfig,
	store state.Store,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
) *Tracker {
	return NewTrackerWithClock(catalog, cfg, store, metrics, logger, clock.New())
}

func NewTrackerWithClock(
	catalog Catalog,
	cfg config.RateLimitConfig,
	store state.Store,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Tracker {
	return &Tracker{
		windows: make(map[string]*window),
		catalog: catalog,
		config:  cfg,
		store:   store,
		metrics: metrics,
		logger:  logger,
		pending: make(chan mark, 256),
		clock:   clk,
	}
}

// SetSink persists rate-limit events. Must be called before use.
func (t *Tracker) SetSink(sink Sink) {
	t.sink = sink
}

// CheckAdmission tells whether one more request with the estimated tokens
// fits in the endpoint's window. It never changes any count.
func (t *Tracker) CheckAdmission(endpointID string, estimatedTokens int) Admission {
	endpoint, ok := t.catalog.Get(endpointID)
	if !ok {
		return Admission{Reason: ReasonUnknownTarget}
	}

	w := t.window(endpointID)
	now := t.clock.Now()

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.rateLimited && !w.limitedAt(now) {
		w.rateLimited = false
		t.metrics.SetRateLimited(endpointID, false)
		t.logger.Infow("Endpoint rate limit window reset", "endpoint", endpointID)
	}
	if w.limitedAt(now) {
		t.metrics.ObserveAdmissionDenied(endpointID)
		return Admission{Reason: ReasonRateLimited, RetryAfter: w.resetAt.Sub(now)}
	}

	limits := endpoint.RateLimits
	if limits.RequestsPerMinute > 0 && w.requests.sum(now)+1 > int64(limits.RequestsPerMinute) {
		t.metrics.ObserveAdmissionDenied(endpointID)
		return Admission{Reason: ReasonRequestLimit, RetryAfter: t.retryAfter(w.requests, now)}
	}
	if limits.TokensPerMinute > 0 && w.tokens.sum(now)+int64(estimatedTokens) > int64(limits.TokensPerMinute) {
		t.metrics.ObserveAdmissionDenied(endpointID)
		return Admission{Reason: ReasonTokenLimit, RetryAfter: t.retryAfter(w.tokens, now)}
	}
	return Admission{Allowed: true}
}

// RecordUsage adds one request and its tokens to the window. A provider
// rate-limit answer marks the endpoint immediately.
func (t *Tracker) RecordUsage(endpointID string, tokensUsed int, wasRateLimited bool) {
	endpoint, _ := t.catalog.Get(endpointID)
	w := t.window(endpointID)
	now := t.clock.Now()

	w.mutex.Lock()
	w.requests.add(now, 1)
	if tokensUsed > 0 {
		w.tokens.add(now, int64(tokensUsed))
	}
	requests := w.requests.sum(now)
	tokens := w.tokens.sum(now)

	marked := false
	if wasRateLimited {
		marked = t.markLocked(w, now.Add(t.config.Window.Std()))
	} else if !w.limitedAt(now) && t.overThreshold(endpoint.RateLimits, requests, tokens) {
		marked = t.markLocked(w, now.Add(t.config.Window.Std()))
	}
	resetAt := w.resetAt
	w.mutex.Unlock()

	if !marked {
		return
	}

	t.logger.Warnw("Endpoint rate limited",
		"endpoint", endpointID,
		"reported", wasRateLimited,
		"requests", requests,
		"tokens", tokens,
		"reset_at", resetAt)
	t.metrics.SetRateLimited(endpointID, true)
	if wasRateLimited {
		t.publish(mark{endpointID: endpointID, duration: resetAt.Sub(now)})
	}
	t.emit(Event{
		EndpointID: endpointID,
		Reported:   wasRateLimited,
		Requests:   requests,
		Tokens:     tokens,
		ResetAt:    resetAt,
		OccurredAt: now,
	})
}

func (t *Tracker) IsRateLimited(endpointID string) bool {
	w := t.lookup(endpointID)
	if w == nil {
		return false
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.limitedAt(t.clock.Now())
}

// TimeUntilReset returns the time left before the mark clears. False when the
// endpoint is not rate-limited.
func (t *Tracker) TimeUntilReset(endpointID string) (time.Duration, bool) {
	w := t.lookup(endpointID)
	if w == nil {
		return 0, false
	}
	now := t.clock.Now()
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if !w.limitedAt(now) {
		return 0, false
	}
	return w.resetAt.Sub(now), true
}

func (t *Tracker) Status(endpointID string) modelrouter.QuotaStatus {
	status := modelrouter.QuotaStatus{EndpointID: endpointID}
	w := t.lookup(endpointID)
	if w == nil {
		return status
	}
	now := t.clock.Now()
	w.mutex.Lock()
	defer w.mutex.Unlock()
	status.Requests = int(w.requests.sum(now))
	status.Tokens = int(w.tokens.sum(now))
	status.IsRateLimited = w.limitedAt(now)
	if status.IsRateLimited {
		status.WindowResetAt = w.resetAt
	}
	return status
}

// Start publishes provider-reported marks to the shared store and imports
// marks written by other instances. Returns a function to stop it.
func (t *Tracker) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var ticker *clock.Ticker
	var tick <-chan time.Time
	if t.store != nil && t.config.SyncInterval > 0 {
		ticker = t.clock.Ticker(t.config.SyncInterval.Std())
		tick = ticker.C
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				if ticker != nil {
					ticker.Stop()
				}
				return
			case m := <-t.pending:
				t.push(ctx, m)
			case <-tick:
				t.Sync(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Sync imports shared marks for every endpoint seen so far.
func (t *Tracker) Sync(ctx context.Context) {
	if t.store == nil {
		return
	}

	t.mutex.RLock()
	ids := make([]string, 0, len(t.windows))
	for id := range t.windows {
		ids = append(ids, id)
	}
	t.mutex.RUnlock()

	for _, id := range ids {
		remaining, err := t.store.DisabledFor(ctx, id)
		t.reportStore(err)
		if err != nil {
			return
		}
		if remaining <= 0 {
			continue
		}

		w := t.window(id)
		now := t.clock.Now()
		w.mutex.Lock()
		marked := t.markLocked(w, now.Add(remaining))
		w.mutex.Unlock()
		if marked {
			t.logger.Infow("Imported shared rate limit", "endpoint", id, "remaining", remaining)
			t.metrics.SetRateLimited(id, true)
		}
	}
}

// markLocked extends the mark to resetAt. Returns true when the endpoint was
// not limited before.
func (t *Tracker) markLocked(w *window, resetAt time.Time) bool {
	wasLimited := w.limitedAt(t.clock.Now())
	if !wasLimited || resetAt.After(w.resetAt) {
		w.resetAt = resetAt
	}
	w.rateLimited = true
	return !wasLimited
}

// overThreshold is strict: at 90% of a 10 request limit, 9 requests pass and
// the 10th marks the endpoint.
func (t *Tracker) overThreshold(limits modelrouter.RateLimits, requests int64, tokens int64) bool {
	ratio := t.config.ThresholdPercent / 100
	if limits.RequestsPerMinute > 0 && float64(requests) > ratio*float64(limits.RequestsPerMinute) {
		return true
	}
	if limits.TokensPerMinute > 0 && float64(tokens) > ratio*float64(limits.TokensPerMinute) {
		return true
	}
	return false
}

func (t *Tracker) retryAfter(r *ring, now time.Time) time.Duration {
	oldest, ok := r.oldest(now)
	if !ok {
		return 0
	}
	return oldest.Add(r.window).Sub(now)
}

func (t *Tracker) publish(m mark) {
	if t.store == nil {
		return
	}
	select {
	case t.pending <- m:
	default:
		t.logger.Warnw("Dropping shared rate limit mark", "endpoint", m.endpointID)
	}
}

func (t *Tracker) push(ctx context.Context, m mark) {
	err := t.store.Disable(ctx, m.endpointID, m.duration)
	t.reportStore(err)
}

func (t *Tracker) reportStore(err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err != nil && !t.storeFailing {
		t.storeFailing = true
		t.logger.Warnw("Shared rate limit store unavailable", "error", err)
	} else if err == nil && t.storeFailing {
		t.storeFailing = false
		t.logger.Infow("Shared rate limit store recovered")
	}
}

func (t *Tracker) emit(event Event) {
	if t.sink == nil {
		return
	}
	if err := t.sink.RecordRateLimitEvent(context.Background(), event); err != nil {
		t.logger.Warnw("Failed to persist rate limit event", "endpoint", event.EndpointID, "error", err)
	}
}

func (t *Tracker) lookup(endpointID string) *window {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.windows[endpointID]
}

func (t *Tracker) window(endpointID string) *window {
	if w := t.lookup(endpointID); w != nil {
		return w
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if w, ok := t.windows[endpointID]; ok {
		return w
	}
	w := &window{
		requests: newRing(t.config.Window.Std()),
		tokens:   newRing(t.config.Window.Std()),
	}
	t.windows[endpointID] = w
	return w
}
