package ledger

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
	"github.com/yanolja/modelrouter/degrade"
	"github.com/yanolja/modelrouter/monitoring"
)

const (
	// An endpoint is degraded when its success rate over the last day falls
	// below this.
	DegradationThreshold = 0.8

	// Fewer samples than this never mark an endpoint degraded.
	MinSamplesForDegradation = 5

	// Samples older than this are pruned.
	Retention = WindowWeek

	maintenanceInterval = 10 * time.Minute
	sinkTimeout         = 5 * time.Second
	sinkQueueSize       = 1024
)

// Filter selects samples for the telemetry API. Empty fields match all.
type Filter struct {
	From       time.Time
	To         time.Time
	EndpointID string
	ProviderID string
	Category   string
}

func (f *Filter) matches(sample *modelrouter.PerformanceSample) bool {
	if !f.From.IsZero() && sample.RecordedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && sample.RecordedAt.After(f.To) {
		return false
	}
	if f.ProviderID != "" && sample.ProviderID != f.ProviderID {
		return false
	}
	if f.Category != "" && sample.Category != f.Category {
		return false
	}
	return true
}

// Sink persists samples outside the process.
type Sink interface {
	RecordSample(ctx context.Context, sample modelrouter.PerformanceSample) error
}

// Recommendation suggests moving traffic away from an endpoint.
type Recommendation struct {
	EndpointID string    `json:"endpoint_id"`
	Reason     string    `json:"reason"`
	Since      time.Time `json:"since"`
}

// Ledger is the append-only record of completed calls.
type Ledger struct {
	// Endpoint id -> samples ordered by RecordedAt.
	samples map[string][]modelrouter.PerformanceSample
	mutex   sync.RWMutex

	// Endpoint id -> running sums over the day window of samples.
	days map[string]*tally

	// Endpoint id -> degraded since.
	degraded map[string]time.Time

	// Endpoint id -> active switch recommendation.
	recommendations map[string]Recommendation

	budget *budget

	sink    Sink
	pending chan modelrouter.PerformanceSample

	degrade *degrade.Tracker
	alerts  monitoring.AlertSink
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func New(
	budgetConfig config.BudgetConfig,
	degradeTracker *degrade.Tracker,
	alerts monitoring.AlertSink,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
) *Ledger {
	return NewWithClock(budgetConfig, degradeTracker, alerts, metrics, logger, clock.New())
}

func NewWithClock(
	budgetConfig config.BudgetConfig,
	degradeTracker *degrade.Tracker,
	alerts monitoring.AlertSink,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Ledger {
	if alerts == nil {
		alerts = monitoring.NopAlertSink{}
	}
	return &Ledger{
		samples:         make(map[string][]modelrouter.PerformanceSample),
		days:            make(map[string]*tally),
		degraded:        make(map[string]time.Time),
		recommendations: make(map[string]Recommendation),
		budget:          &budget{config: budgetConfig},
		pending:         make(chan modelrouter.PerformanceSample, sinkQueueSize),
		degrade:         degradeTracker,
		alerts:          alerts,
		metrics:         metrics,
		logger:          logger,
		clock:           clk,
	}
}

// SetSink persists every recorded sample. Must be called before Start.
func (l *Ledger) SetSink(sink Sink) {
	l.sink = sink
}

// Record appends a sample. Samples without an id or timestamp get one.
func (l *Ledger) Record(sample modelrouter.PerformanceSample) modelrouter.PerformanceSample {
	now := l.clock.Now()
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = now
	}

	l.mutex.Lock()
	samples := append(l.samples[sample.EndpointID], sample)
	// Keeps the order when a caller supplies an older timestamp.
	position := len(samples) - 1
	for ; position > 0 && samples[position].RecordedAt.Before(samples[position-1].RecordedAt); position-- {
		samples[position], samples[position-1] = samples[position-1], samples[position]
	}
	l.samples[sample.EndpointID] = samples
	l.dayOf(sample.EndpointID).insert(samples, position)
	transition, stats := l.evaluateLocked(sample.EndpointID, now)
	l.mutex.Unlock()

	l.announce(sample.EndpointID, transition, stats, now)

	if sample.Cost > 0 && l.budget.add(sample.Cost, now) {
		status := l.budget.status(now)
		l.alerts.Raise(monitoring.Alert{
			Kind:     monitoring.AlertBudget,
			Message:  fmt.Sprintf("daily spend %.2f reached %.0f%% of budget %.2f", status.Spent, l.budget.config.AlertThresholdPercent, status.Limit),
			Value:    status.Spent,
			Active:   true,
			RaisedAt: now,
		})
	}

	if l.sink != nil {
		select {
		case l.pending <- sample:
		default:
			l.degrade.Enter(degrade.ModeLedger, errors.New("persistence queue is full"))
		}
	}
	return sample
}

// Stats aggregates the samples of one key within the trailing window.
func (l *Ledger) Stats(dimension Dimension, key string, window time.Duration) Stats {
	return l.Aggregate(dimension, window)[key]
}

// Aggregate groups the samples within [now-window, now] by dimension.
func (l *Ledger) Aggregate(dimension Dimension, window time.Duration) map[string]Stats {
	now := l.clock.Now()
	return l.QueryStats(Filter{From: now.Add(-window), To: now}, dimension)
}

// EndpointSummary summarizes one endpoint without scanning other endpoints
// or sorting its latencies.
func (l *Ledger) EndpointSummary(endpointID string, window time.Duration) Summary {
	now := l.clock.Now()
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	samples := l.samples[endpointID]
	if day, ok := l.days[endpointID]; ok && window == WindowDay {
		current := *day
		current.advance(samples, now.Add(-window))
		return current.summary()
	}
	return summarizeWindow(samples, now.Add(-window), now)
}

// QueryStats aggregates the samples matching filter by dimension.
func (l *Ledger) QueryStats(filter Filter, dimension Dimension) map[string]Stats {
	groups := make(map[string][]*modelrouter.PerformanceSample)
	samples := l.Query(filter)
	for i := range samples {
		key := dimension.keyOf(&samples[i])
		groups[key] = append(groups[key], &samples[i])
	}

	result := make(map[string]Stats, len(groups))
	for key, group := range groups {
		result[key] = summarize(group)
	}
	return result
}

// Query returns copies of the matching samples ordered by time.
func (l *Ledger) Query(filter Filter) []modelrouter.PerformanceSample {
	l.mutex.RLock()
	var result []modelrouter.PerformanceSample
	for endpointID, samples := range l.samples {
		if filter.EndpointID != "" && endpointID != filter.EndpointID {
			continue
		}
		for i := range samples {
			if filter.matches(&samples[i]) {
				result = append(result, samples[i])
			}
		}
	}
	l.mutex.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RecordedAt.Before(result[j].RecordedAt)
	})
	return result
}

// IsDegraded reports whether the endpoint's success rate over the last day
// is below DegradationThreshold.
func (l *Ledger) IsDegraded(endpointID string) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	_, ok := l.degraded[endpointID]
	return ok
}

// SetRecommendation stores or clears a switch recommendation.
func (l *Ledger) SetRecommendation(endpointID string, active bool, reason string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if !active {
		delete(l.recommendations, endpointID)
		return
	}
	if _, ok := l.recommendations[endpointID]; ok {
		return
	}
	l.recommendations[endpointID] = Recommendation{
		EndpointID: endpointID,
		Reason:     reason,
		Since:      l.clock.Now(),
	}
}

func (l *Ledger) HasRecommendation(endpointID string) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	_, ok := l.recommendations[endpointID]
	return ok
}

func (l *Ledger) Recommendations() []Recommendation {
	l.mutex.RLock()
	result := make([]Recommendation, 0, len(l.recommendations))
	for _, recommendation := range l.recommendations {
		result = append(result, recommendation)
	}
	l.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EndpointID < result[j].EndpointID
	})
	return result
}

func (l *Ledger) Budget() BudgetStatus {
	return l.budget.status(l.clock.Now())
}

// BudgetExhausted is true when the daily budget is spent and enforced.
func (l *Ledger) BudgetExhausted() bool {
	return l.budget.config.Enforce && l.Budget().Exceeded
}

// Prune drops samples older than Retention and re-evaluates degradation so
// endpoints without new traffic recover once their failures age out.
func (l *Ledger) Prune() int {
	now := l.clock.Now()
	cutoff := now.Add(-Retention)
	pruned := 0

	type change struct {
		endpointID string
		transition int
		stats      Summary
	}
	var changes []change

	l.mutex.Lock()
	for endpointID, samples := range l.samples {
		day := l.dayOf(endpointID)
		day.advance(samples, now.Add(-WindowDay))
		start := sort.Search(len(samples), func(i int) bool {
			return !samples[i].RecordedAt.Before(cutoff)
		})
		if start > 0 {
			pruned += start
			day.start -= start
			samples = append([]modelrouter.PerformanceSample(nil), samples[start:]...)
			l.samples[endpointID] = samples
		}
		if len(samples) == 0 {
			delete(l.samples, endpointID)
			delete(l.days, endpointID)
		}
		if transition, stats := l.evaluateLocked(endpointID, now); transition != 0 {
			changes = append(changes, change{endpointID, transition, stats})
		}
	}
	l.mutex.Unlock()

	for _, c := range changes {
		l.announce(c.endpointID, c.transition, c.stats, now)
	}
	if pruned > 0 {
		l.logger.Infow("Pruned ledger samples", "count", pruned)
	}
	return pruned
}

// Start runs persistence and periodic pruning. Returns a function to stop
// it; pending samples are flushed before it returns.
func (l *Ledger) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := l.clock.Ticker(maintenanceInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				l.flush()
				return
			case sample := <-l.pending:
				l.persist(sample)
			case <-ticker.C:
				l.Prune()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (l *Ledger) flush() {
	for {
		select {
		case sample := <-l.pending:
			l.persist(sample)
		default:
			return
		}
	}
}

func (l *Ledger) persist(sample modelrouter.PerformanceSample) {
	if l.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	err := l.sink.RecordSample(ctx, sample)
	l.degrade.Report(degrade.ModeLedger, err)
}

// evaluateLocked recomputes degradation. Returns +1 when the endpoint became
// degraded, -1 when it recovered, 0 otherwise.
func (l *Ledger) evaluateLocked(endpointID string, now time.Time) (int, Summary) {
	var stats Summary
	if day, ok := l.days[endpointID]; ok {
		day.advance(l.samples[endpointID], now.Add(-WindowDay))
		stats = day.summary()
	}
	degraded := stats.Count >= MinSamplesForDegradation && stats.SuccessRate < DegradationThreshold
	_, was := l.degraded[endpointID]
	switch {
	case degraded && !was:
		l.degraded[endpointID] = now
		return 1, stats
	case !degraded && was:
		delete(l.degraded, endpointID)
		return -1, stats
	}
	return 0, stats
}

func (l *Ledger) dayOf(endpointID string) *tally {
	day, ok := l.days[endpointID]
	if !ok {
		day = &tally{}
		l.days[endpointID] = day
	}
	return day
}

func (l *Ledger) announce(endpointID string, transition int, stats Summary, now time.Time) {
	if transition == 0 {
		return
	}
	active := transition > 0
	if active {
		l.logger.Warnw("Endpoint performance degraded", "endpoint", endpointID, "success_rate", stats.SuccessRate, "samples", stats.Count)
	} else {
		l.logger.Infow("Endpoint performance recovered", "endpoint", endpointID, "success_rate", stats.SuccessRate)
	}
	l.alerts.Raise(monitoring.Alert{
		Kind:       monitoring.AlertPerformanceDegraded,
		EndpointID: endpointID,
		Message:    fmt.Sprintf("success rate %.2f over %d samples", stats.SuccessRate, stats.Count),
		Value:      stats.SuccessRate,
		Active:     active,
		RaisedAt:   now,
	})
}
