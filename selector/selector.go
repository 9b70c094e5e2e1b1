package selector

import (
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/cost"
	"github.com/yanolja/modelrouter/ledger"
	"github.com/yanolja/modelrouter/utils"
	"github.com/yanolja/modelrouter/utils/array"
)

// DefaultCapability is required when a request names none.
const DefaultCapability = "text-generation"

const (
	// Performance score of an endpoint without history.
	neutralPerformance = 0.7

	// Multipliers applied to the performance score.
	degradedPenalty       = 0.5
	recommendationPenalty = 0.75

	// Time after a failure at which the availability margin reaches 0.5.
	availabilityHalfLife = 5 * time.Minute

	// Scores are rounded to this many decimal places so that sums differing
	// only in float error compare equal.
	scoreDecimals = 9
)

type Catalog interface {
	All() []modelrouter.EndpointDescriptor
}

type Health interface {
	IsAvailable(endpointID string) bool
	Status(endpointID string) modelrouter.AvailabilityState
}

type Quota interface {
	IsRateLimited(endpointID string) bool
}

type Performance interface {
	EndpointSummary(endpointID string, window time.Duration) ledger.Summary
	IsDegraded(endpointID string) bool
	HasRecommendation(endpointID string) bool
}

// Weights of the four scoring criteria. They sum to 1.
type Weights struct {
	Capability   float64
	Cost         float64
	Performance  float64
	Availability float64
}

var (
	DefaultWeights = Weights{Capability: 0.30, Cost: 0.25, Performance: 0.25, Availability: 0.20}

	// Critical and high priority requests trade cost for reliability.
	UrgentWeights = Weights{Capability: 0.30, Cost: 0.10, Performance: 0.325, Availability: 0.275}
)

func WeightsFor(priority modelrouter.Priority) Weights {
	if priority.IsTopTwo() {
		return UrgentWeights
	}
	return DefaultWeights
}

// Breakdown holds the unweighted criterion scores, each in [0, 1].
type Breakdown struct {
	Capability   float64 `json:"capability"`
	Cost         float64 `json:"cost"`
	Performance  float64 `json:"performance"`
	Availability float64 `json:"availability"`
}

func (b Breakdown) weighted(weights Weights) float64 {
	return b.Capability*weights.Capability +
		b.Cost*weights.Cost +
		b.Performance*weights.Performance +
		b.Availability*weights.Availability
}

type Candidate struct {
	Endpoint         modelrouter.EndpointDescriptor `json:"endpoint"`
	Score            float64                        `json:"score"`
	Breakdown        Breakdown                      `json:"breakdown"`
	Estimate         cost.Estimate                  `json:"estimate"`
	EstimatedLatency time.Duration                  `json:"estimated_latency"`
}

// Ranking is ordered from the best candidate to the worst.
type Ranking []Candidate

func (r Ranking) IDs() []string {
	return array.Map(r, func(c Candidate) string { return c.Endpoint.ID })
}

type Selector struct {
	catalog     Catalog
	health      Health
	quota       Quota
	performance Performance
	logger      *zap.SugaredLogger

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func New(catalog Catalog, health Health, quota Quota, performance Performance, logger *zap.SugaredLogger) *Selector {
	return NewWithClock(catalog, health, quota, performance, logger, clock.New())
}

func NewWithClock(
	catalog Catalog,
	health Health,
	quota Quota,
	performance Performance,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Selector {
	return &Selector{
		catalog:     catalog,
		health:      health,
		quota:       quota,
		performance: performance,
		logger:      logger,
		clock:       clk,
	}
}

// Select ranks the endpoints able to serve the request. Returns a
// *modelrouter.NoEligibleEndpointError when none survives filtering.
func (s *Selector) Select(spec *modelrouter.RequestSpec, constraints modelrouter.Constraints) (Ranking, error) {
	required := spec.RequiredCapabilities
	if len(required) == 0 {
		required = []string{DefaultCapability}
	}
	excludedProviders := array.ToSet(constraints.ExcludedProviders)
	excludedEndpoints := array.ToSet(constraints.ExcludedEndpoints)

	rejected := &modelrouter.NoEligibleEndpointError{}
	var candidates []Candidate
	for _, endpoint := range s.catalog.All() {
		rejected.Considered++

		if !endpoint.Enabled {
			rejected.Disabled++
			continue
		}
		if !endpoint.HasCapabilities(required) {
			rejected.Capability++
			continue
		}
		_, providerExcluded := excludedProviders[endpoint.ProviderID]
		_, endpointExcluded := excludedEndpoints[endpoint.ID]
		if providerExcluded || endpointExcluded {
			rejected.Excluded++
			continue
		}
		estimate := cost.EstimateRequest(&endpoint, spec)
		if endpoint.ContextWindow > 0 && estimate.TotalTokens() > endpoint.ContextWindow {
			rejected.Capability++
			continue
		}
		if constraints.MaxCostPerRequest > 0 && estimate.Cost > constraints.MaxCostPerRequest {
			rejected.OverCost++
			continue
		}
		latency := s.estimateLatency(&endpoint)
		if constraints.MaxLatency > 0 && latency > constraints.MaxLatency {
			rejected.OverLatency++
			continue
		}

		if !s.health.IsAvailable(endpoint.ID) {
			rejected.Unavailable++
			continue
		}
		if s.quota.IsRateLimited(endpoint.ID) {
			rejected.RateLimited++
			continue
		}

		candidates = append(candidates, Candidate{
			Endpoint:         endpoint,
			Estimate:         estimate,
			EstimatedLatency: latency,
		})
	}

	if len(candidates) == 0 {
		s.logger.Debugw("No eligible endpoint", "request_id", spec.RequestID, "rejected", rejected)
		return nil, rejected
	}

	minCost := math.Inf(1)
	for _, candidate := range candidates {
		minCost = math.Min(minCost, candidate.Estimate.Cost)
	}

	weights := WeightsFor(spec.Priority)
	now := s.clock.Now()
	for i := range candidates {
		candidate := &candidates[i]
		candidate.Breakdown = Breakdown{
			Capability:   capabilityScore(&candidate.Endpoint, required, spec.PreferredCapabilities),
			Cost:         costScore(candidate.Estimate.Cost, minCost),
			Performance:  s.performanceScore(candidate.Endpoint.ID),
			Availability: s.availabilityScore(candidate.Endpoint.ID, now),
		}
		candidate.Score = roundScore(candidate.Breakdown.weighted(weights))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.EstimatedLatency != b.EstimatedLatency {
			return a.EstimatedLatency < b.EstimatedLatency
		}
		return a.Endpoint.ID < b.Endpoint.ID
	})
	return candidates, nil
}

func roundScore(score float64) float64 {
	scale := math.Pow10(scoreDecimals)
	return math.Round(score*scale) / scale
}

// capabilityScore is the share of requested capabilities the endpoint has.
func capabilityScore(endpoint *modelrouter.EndpointDescriptor, required []string, preferred []string) float64 {
	requested := array.Unique(append(append([]string(nil), required...), preferred...))
	if len(requested) == 0 {
		return 1
	}
	matched := len(array.Filter(requested, endpoint.HasCapability))
	return float64(matched) / float64(len(requested))
}

func costScore(estimated float64, minCost float64) float64 {
	if estimated <= 0 {
		return 1
	}
	return utils.Clamp01(minCost / estimated)
}

func (s *Selector) performanceScore(endpointID string) float64 {
	if s.performance == nil {
		return neutralPerformance
	}
	score := neutralPerformance
	if stats := s.performance.EndpointSummary(endpointID, ledger.WindowDay); stats.Count > 0 {
		score = (stats.SuccessRate + stats.AvgQuality) / 2
	}
	if s.performance.IsDegraded(endpointID) {
		score *= degradedPenalty
	}
	if s.performance.HasRecommendation(endpointID) {
		score *= recommendationPenalty
	}
	return utils.Clamp01(score)
}

// availabilityScore grows from 0 right after a failure towards 1.
func (s *Selector) availabilityScore(endpointID string, now time.Time) float64 {
	lastFailure := s.health.Status(endpointID).LastFailureAt
	if lastFailure.IsZero() {
		return 1
	}
	elapsed := now.Sub(lastFailure)
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) / float64(elapsed+availabilityHalfLife)
}

// estimateLatency prefers the last hour of history over the declared value.
func (s *Selector) estimateLatency(endpoint *modelrouter.EndpointDescriptor) time.Duration {
	if s.performance != nil {
		if stats := s.performance.EndpointSummary(endpoint.ID, ledger.WindowHour); stats.Count > 0 {
			return stats.AvgLatency
		}
	}
	return endpoint.AverageResponseTime
}
