package evaluator

import (
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/monitoring"
)

type recordingRecommender struct {
	calls []bool
}

func (r *recordingRecommender) SetRecommendation(endpointID string, active bool, reason string) {
	r.calls = append(r.calls, active)
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

func testConfig() config.QualityConfig {
	return config.QualityConfig{Enabled: true, Threshold: 0.7, Window: 10, MinBelowThreshold: 3}
}

func constant(value float64) Scorer {
	return func(*modelrouter.NormalizedResponse, *modelrouter.RequestSpec) float64 {
		return value
	}
}

func specWithPrompt(prompt string) *modelrouter.RequestSpec {
	return &modelrouter.RequestSpec{Payload: modelrouter.Payload{Messages: []modelrouter.Message{{Role: "user", Content: prompt}}}}
}

func TestEvaluate(t *testing.T) {
	t.Run("weights the three scores", func(t *testing.T) {
		evaluator := NewWithClock(testConfig(), Scorers{
			Completeness: constant(1),
			Relevance:    constant(0.5),
			Coherence:    constant(0),
		}, nil, nil, nil, zaptest.NewLogger(t).Sugar(), clock.NewMock())

		score := evaluator.Evaluate(&modelrouter.NormalizedResponse{Content: "x"}, specWithPrompt("y"))
		assert.InDelta(t, 0.40+0.175, score.Overall, 1e-9)
		assert.Equal(t, 1.0, score.Completeness)
		assert.Equal(t, 0.5, score.Relevance)
		assert.Equal(t, 0.0, score.Coherence)
	})

	t.Run("clamps scorer output", func(t *testing.T) {
		evaluator := NewWithClock(testConfig(), Scorers{
			Completeness: constant(3),
			Relevance:    constant(-1),
		}, nil, nil, nil, zaptest.NewLogger(t).Sugar(), clock.NewMock())

		score := evaluator.Evaluate(&modelrouter.NormalizedResponse{Content: "x"}, specWithPrompt("y"))
		assert.Equal(t, 1.0, score.Completeness)
		assert.Equal(t, 0.0, score.Relevance)
		assert.GreaterOrEqual(t, score.Overall, 0.0)
		assert.LessOrEqual(t, score.Overall, 1.0)
	})

	t.Run("disabled per request", func(t *testing.T) {
		evaluator := New(testConfig(), nil, nil, nil, zaptest.NewLogger(t).Sugar())
		spec := specWithPrompt("anything")
		spec.DisableEvaluation = true

		assert.Equal(t, modelrouter.DefaultQualityScore, evaluator.Evaluate(&modelrouter.NormalizedResponse{}, spec))
		assert.False(t, evaluator.Enabled(spec))
	})

	t.Run("disabled globally", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		evaluator := New(cfg, nil, nil, nil, zaptest.NewLogger(t).Sugar())

		score := evaluator.Evaluate(&modelrouter.NormalizedResponse{}, specWithPrompt("anything"))
		assert.Equal(t, 1.0, score.Overall)
	})

	t.Run("good answer scores above threshold", func(t *testing.T) {
		evaluator := New(testConfig(), nil, nil, nil, zaptest.NewLogger(t).Sugar())
		response := &modelrouter.NormalizedResponse{
			Content: "Goroutines are lightweight threads managed by the Go runtime. " +
				"Channels let goroutines communicate safely without explicit locks.",
		}

		score := evaluator.Evaluate(response, specWithPrompt("Explain goroutines and channels."))
		assert.Greater(t, score.Overall, 0.7)
	})
}

func TestScorers(t *testing.T) {
	spec := specWithPrompt("Describe the database migration strategy")

	t.Run("completeness", func(t *testing.T) {
		long := strings.Repeat("The migration runs in three phases. ", 3)
		assert.Equal(t, 0.0, Completeness(&modelrouter.NormalizedResponse{Content: "  "}, spec))
		assert.Equal(t, 1.0, Completeness(&modelrouter.NormalizedResponse{Content: long}, spec))
		assert.Equal(t, 0.5, Completeness(&modelrouter.NormalizedResponse{Content: "Short answer."}, spec))
		assert.InDelta(t, 0.6, Completeness(&modelrouter.NormalizedResponse{Content: "Sorry, " + long}, spec), 1e-9)
		assert.InDelta(t, 0.8, Completeness(&modelrouter.NormalizedResponse{Content: long, FinishReason: "length"}, spec), 1e-9)
	})

	t.Run("relevance", func(t *testing.T) {
		// Key terms: describe, database, migration, strategy.
		half := &modelrouter.NormalizedResponse{Content: "The database migration is simple."}
		assert.InDelta(t, 0.5, Relevance(half, spec), 1e-9)
		assert.Equal(t, 0.0, Relevance(&modelrouter.NormalizedResponse{}, spec))
		assert.Equal(t, 1.0, Relevance(half, specWithPrompt("is it on?")))
	})

	t.Run("coherence", func(t *testing.T) {
		assert.Equal(t, 1.0, Coherence(&modelrouter.NormalizedResponse{Content: "The plan has two steps. Each step is reversible."}, spec))
		assert.InDelta(t, 0.7, Coherence(&modelrouter.NormalizedResponse{Content: "the plan has two steps and each is reversible"}, spec), 1e-9)
		repeated := &modelrouter.NormalizedResponse{Content: strings.Repeat("migration ", 20) + "done."}
		assert.Less(t, Coherence(repeated, spec), 0.7)
	})
}

func TestObserve(t *testing.T) {
	recommender := &recordingRecommender{}
	alerts := &recordingAlerts{}
	evaluator := NewWithClock(testConfig(), DefaultScorers(), recommender, alerts, monitoring.NewMetrics("test"), zaptest.NewLogger(t).Sugar(), clock.NewMock())

	low := modelrouter.QualityScore{Overall: 0.5}
	good := modelrouter.QualityScore{Overall: 0.9}

	assert.False(t, evaluator.Observe("a", low))
	assert.False(t, evaluator.Observe("a", good))
	assert.False(t, evaluator.Observe("a", low))
	assert.True(t, evaluator.Observe("a", low))
	assert.True(t, evaluator.ShouldSwitch("a"))

	// Still recommended, no repeated alert.
	assert.True(t, evaluator.Observe("a", low))
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, monitoring.AlertModelSwitch, alerts.alerts[0].Kind)
	assert.True(t, alerts.alerts[0].Active)
	assert.Equal(t, []bool{true}, recommender.calls)

	// Good scores push the low ones out of the window.
	for i := 0; i < 8; i++ {
		evaluator.Observe("a", good)
	}
	assert.Len(t, evaluator.History("a"), 10)
	assert.False(t, evaluator.ShouldSwitch("a"))
	assert.Equal(t, []bool{true, false}, recommender.calls)
	require.Len(t, alerts.alerts, 2)
	assert.False(t, alerts.alerts[1].Active)

	assert.False(t, evaluator.ShouldSwitch("b"))
}

func TestDefaultScoreIsNeverPenalized(t *testing.T) {
	recommender := &recordingRecommender{}
	evaluator := New(testConfig(), recommender, nil, nil, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 10; i++ {
		evaluator.Observe("a", modelrouter.DefaultQualityScore)
	}
	assert.False(t, evaluator.ShouldSwitch("a"))
	assert.Empty(t, recommender.calls)
}
