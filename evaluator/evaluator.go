package evaluator

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/utils"
)

const (
	completenessWeight = 0.40
	relevanceWeight    = 0.35
	coherenceWeight    = 0.25
)

// Recommender stores switch recommendations. Implemented by the ledger.
type Recommender interface {
	SetRecommendation(endpointID string, active bool, reason string)
}

// Evaluator scores responses and recommends moving away from endpoints that
// keep producing low quality output.
type Evaluator struct {
	config      config.QualityConfig
	scorers     Scorers
	recommender Recommender

	// Endpoint id -> most recent overall scores, oldest first.
	history map[string][]float64

	// Endpoints with an active switch recommendation.
	switching map[string]bool

	mutex sync.Mutex

	alerts  monitoring.AlertSink
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func New(
	cfg config.QualityConfig,
	recommender Recommender,
	alerts monitoring.AlertSink,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
) *Evaluator {
	return NewWithClock(cfg, DefaultScorers(), recommender, alerts, metrics, logger, clock.New())
}

func NewWithClock(
	cfg config.QualityConfig,
	scorers Scorers,
	recommender Recommender,
	alerts monitoring.AlertSink,
	metrics *monitoring.Metrics,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Evaluator {
	if alerts == nil {
		alerts = monitoring.NopAlertSink{}
	}
	defaults := DefaultScorers()
	if scorers.Completeness == nil {
		scorers.Completeness = defaults.Completeness
	}
	if scorers.Relevance == nil {
		scorers.Relevance = defaults.Relevance
	}
	if scorers.Coherence == nil {
		scorers.Coherence = defaults.Coherence
	}
	return &Evaluator{
		config:      cfg,
		scorers:     scorers,
		recommender: recommender,
		history:     make(map[string][]float64),
		switching:   make(map[string]bool),
		alerts:      alerts,
		metrics:     metrics,
		logger:      logger,
		clock:       clk,
	}
}

// Enabled reports whether the response to spec gets a real score.
func (e *Evaluator) Enabled(spec *modelrouter.RequestSpec) bool {
	return e.config.Enabled && !spec.DisableEvaluation
}

// Evaluate returns the quality of a response. When evaluation is disabled the
// score is DefaultQualityScore.
func (e *Evaluator) Evaluate(response *modelrouter.NormalizedResponse, spec *modelrouter.RequestSpec) modelrouter.QualityScore {
	if !e.Enabled(spec) {
		return modelrouter.DefaultQualityScore
	}

	score := modelrouter.QualityScore{
		Completeness: utils.Clamp01(e.scorers.Completeness(response, spec)),
		Relevance:    utils.Clamp01(e.scorers.Relevance(response, spec)),
		Coherence:    utils.Clamp01(e.scorers.Coherence(response, spec)),
	}
	score.Overall = utils.Clamp01(
		score.Completeness*completenessWeight +
			score.Relevance*relevanceWeight +
			score.Coherence*coherenceWeight,
	)

	if score.Overall < e.config.Threshold {
		e.logger.Warnw("Low quality response",
			"endpoint", response.SourceEndpoint,
			"request_id", response.RequestID,
			"overall", score.Overall,
			"completeness", score.Completeness,
			"relevance", score.Relevance,
			"coherence", score.Coherence)
	}
	return score
}

// Observe adds a score to the endpoint's rolling window and updates the switch
// recommendation. Returns whether a switch is currently recommended.
func (e *Evaluator) Observe(endpointID string, score modelrouter.QualityScore) bool {
	e.metrics.ObserveQuality(endpointID, score.Overall)

	e.mutex.Lock()
	scores := append(e.history[endpointID], score.Overall)
	if len(scores) > e.config.Window {
		scores = append([]float64(nil), scores[len(scores)-e.config.Window:]...)
	}
	e.history[endpointID] = scores

	low := countBelow(scores, e.config.Threshold)
	recommend := low >= e.config.MinBelowThreshold
	changed := recommend != e.switching[endpointID]
	if recommend {
		e.switching[endpointID] = true
	} else {
		delete(e.switching, endpointID)
	}
	e.mutex.Unlock()

	if !changed {
		return recommend
	}

	reason := fmt.Sprintf("%d of the last %d responses scored below %.2f", low, len(scores), e.config.Threshold)
	if e.recommender != nil {
		e.recommender.SetRecommendation(endpointID, recommend, reason)
	}
	if recommend {
		e.logger.Warnw("Model switch recommended", "endpoint", endpointID, "low_scores", low, "window", len(scores))
	} else {
		e.logger.Infow("Model switch recommendation cleared", "endpoint", endpointID, "low_scores", low)
	}
	e.alerts.Raise(monitoring.Alert{
		Kind:       monitoring.AlertModelSwitch,
		EndpointID: endpointID,
		Message:    reason,
		Value:      float64(low),
		Active:     recommend,
		RaisedAt:   e.clock.Now(),
	})
	return recommend
}

// History returns the recent overall scores of an endpoint, oldest first.
func (e *Evaluator) History(endpointID string) []float64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]float64(nil), e.history[endpointID]...)
}

func (e *Evaluator) ShouldSwitch(endpointID string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.switching[endpointID]
}

func countBelow(scores []float64, threshold float64) int {
	count := 0
	for _, score := range scores {
		if score < threshold {
			count++
		}
	}
	return count
}
