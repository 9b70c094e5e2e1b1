package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanolja/modelrouter/config"
)

func TestDaySummary(t *testing.T) {
	ledger, mockClock, _, _ := newTestLedger(t, config.BudgetConfig{})
	for i := 0; i < 3; i++ {
		ledger.Record(sample("a", i > 0, time.Second))
	}
	mockClock.Add(12 * time.Hour)
	ledger.Record(sample("a", false, 3*time.Second))
	ledger.Record(sample("a", false, 3*time.Second))

	assert.Equal(t, 5, ledger.EndpointSummary("a", WindowDay).Count)

	t.Run("expires without new samples", func(t *testing.T) {
		mockClock.Add(13 * time.Hour)
		summary := ledger.EndpointSummary("a", WindowDay)
		assert.Equal(t, 2, summary.Count)
		assert.Equal(t, 0, summary.Successes)
		assert.Equal(t, 3*time.Second, summary.AvgLatency)
	})

	t.Run("counts late samples inside the window", func(t *testing.T) {
		late := sample("a", true, time.Second)
		late.RecordedAt = mockClock.Now().Add(-time.Hour)
		ledger.Record(late)

		expired := sample("a", true, time.Second)
		expired.RecordedAt = mockClock.Now().Add(-30 * time.Hour)
		ledger.Record(expired)

		now := mockClock.Now()
		expected := summarizeWindow(ledger.samples["a"], now.Add(-WindowDay), now)
		summary := ledger.EndpointSummary("a", WindowDay)
		assert.Equal(t, 3, summary.Count)
		assert.Equal(t, expected.Count, summary.Count)
		assert.Equal(t, expected.Successes, summary.Successes)
		assert.InDelta(t, expected.AvgQuality, summary.AvgQuality, 1e-9)
	})

	t.Run("survives pruning", func(t *testing.T) {
		mockClock.Add(6*24*time.Hour + 12*time.Hour)
		ledger.Record(sample("a", true, time.Second))
		assert.Positive(t, ledger.Prune())
		assert.Equal(t, 1, ledger.EndpointSummary("a", WindowDay).Count)

		mockClock.Add(8 * 24 * time.Hour)
		ledger.Prune()
		assert.Equal(t, Summary{}, ledger.EndpointSummary("a", WindowDay))
		ledger.mutex.RLock()
		defer ledger.mutex.RUnlock()
		require.NotContains(t, ledger.days, "a")
	})
}
