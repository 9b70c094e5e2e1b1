package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/utils"
)

func entry(id string, provider string, input float64, output float64, capabilities ...string) config.EndpointConfig {
	return config.EndpointConfig{
		ID:                    id,
		Provider:              provider,
		Capabilities:          capabilities,
		CostPer1kInput:        utils.ToPtr(input),
		CostPer1kOutput:       utils.ToPtr(output),
		RateLimits:            config.RateLimitsConfig{RequestsPerMinute: 60, TokensPerMinute: 100000},
		ContextWindow:         8192,
		AverageResponseTimeMs: 500,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	return New(zaptest.NewLogger(t).Sugar())
}

func TestLoad(t *testing.T) {
	t.Run("load then get round trips", func(t *testing.T) {
		r := newTestRegistry(t)
		result := r.Load([]config.EndpointConfig{entry("gpt", "openai", 0.01, 0.03, "text-generation", "code-generation")})
		assert.Equal(t, 1, result.Loaded)
		assert.Empty(t, result.Rejected)

		descriptor, ok := r.Get("gpt")
		require.True(t, ok)
		assert.Equal(t, modelrouter.EndpointDescriptor{
			ID:                  "gpt",
			ProviderID:          "openai",
			Model:               "gpt",
			Capabilities:        []string{"text-generation", "code-generation"},
			CostPer1kInput:      0.01,
			CostPer1kOutput:     0.03,
			RateLimits:          modelrouter.RateLimits{RequestsPerMinute: 60, TokensPerMinute: 100000},
			ContextWindow:       8192,
			AverageResponseTime: 500 * time.Millisecond,
			Enabled:             true,
		}, descriptor)
	})

	t.Run("invalid entries are excluded without aborting", func(t *testing.T) {
		r := newTestRegistry(t)
		missingProvider := entry("broken", "", 0.01, 0.01, "text-generation")
		negativeCost := entry("negative", "openai", -0.5, 0.01, "text-generation")
		noCapabilities := entry("empty", "openai", 0.01, 0.01)

		result := r.Load([]config.EndpointConfig{
			missingProvider,
			entry("good", "claude", 0.003, 0.015, "text-generation"),
			negativeCost,
			noCapabilities,
		})

		assert.Equal(t, 1, result.Loaded)
		assert.Len(t, result.Rejected, 3)
		_, ok := r.Get("good")
		assert.True(t, ok)
		for _, id := range []string{"broken", "negative", "empty"} {
			_, ok := r.Get(id)
			assert.False(t, ok, id)
		}
	})

	t.Run("duplicated ids keep the first entry", func(t *testing.T) {
		r := newTestRegistry(t)
		result := r.Load([]config.EndpointConfig{
			entry("a", "openai", 0.01, 0.01, "text-generation"),
			entry("a", "claude", 0.02, 0.02, "text-generation"),
		})
		assert.Equal(t, 1, result.Loaded)
		descriptor, _ := r.Get("a")
		assert.Equal(t, "openai", descriptor.ProviderID)
	})

	t.Run("reload is idempotent and disables missing endpoints", func(t *testing.T) {
		r := newTestRegistry(t)
		entries := []config.EndpointConfig{
			entry("a", "openai", 0.01, 0.01, "text-generation"),
			entry("b", "claude", 0.02, 0.02, "text-generation"),
		}
		r.Load(entries)
		first := r.All()
		r.Load(entries)
		assert.Equal(t, first, r.All())

		r.Load(entries[:1])
		b, ok := r.Get("b")
		require.True(t, ok)
		assert.False(t, b.Enabled)
	})

	t.Run("document with a broken entry", func(t *testing.T) {
		r := newTestRegistry(t)
		result, err := r.LoadDocument([]byte(`
endpoints:
  - id: a
    provider: openai
    capabilities: [text-generation]
    cost_per_1k_input_tokens: 0.001
    cost_per_1k_output_tokens: 0.002
    rate_limits: {requests_per_minute: 10, tokens_per_minute: 1000}
    context_window: 4096
  - id: b
    capabilities: [text-generation]
`))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Loaded)
		assert.Len(t, result.Rejected, 1)
	})

	t.Run("unparsable document", func(t *testing.T) {
		r := newTestRegistry(t)
		_, err := r.LoadDocument([]byte("endpoints: [unclosed"))
		var configError *config.ConfigError
		assert.True(t, errors.As(err, &configError))
	})
}

func TestQuery(t *testing.T) {
	r := newTestRegistry(t)
	r.Load([]config.EndpointConfig{
		entry("cheap", "openai", 0.0001, 0.0003, "text-generation"),
		entry("coder", "openai", 0.01, 0.03, "text-generation", "code-generation"),
		entry("sonnet", "claude", 0.003, 0.015, "text-generation", "code-generation", "analysis"),
	})

	ids := func(descriptors []modelrouter.EndpointDescriptor) []string {
		result := make([]string, len(descriptors))
		for i, descriptor := range descriptors {
			result[i] = descriptor.ID
		}
		return result
	}

	t.Run("no predicates match everything", func(t *testing.T) {
		assert.Equal(t, []string{"cheap", "coder", "sonnet"}, ids(r.Query(Filter{})))
	})

	t.Run("predicates combine with AND", func(t *testing.T) {
		assert.Equal(t, []string{"coder"}, ids(r.Query(Filter{ProviderID: "openai", Capability: "code-generation"})))
		assert.Empty(t, r.Query(Filter{ProviderID: "claude", Capability: "vision"}))
	})

	t.Run("cost range", func(t *testing.T) {
		got := r.Query(Filter{CostRange: &CostRange{Min: 0, Max: 0.01}})
		assert.Equal(t, []string{"cheap", "sonnet"}, ids(got))
	})

	t.Run("returned descriptors are copies", func(t *testing.T) {
		got := r.Query(Filter{ProviderID: "claude"})
		got[0].Capabilities[0] = "mutated"
		descriptor, _ := r.Get("sonnet")
		assert.Equal(t, "text-generation", descriptor.Capabilities[0])
	})
}

func TestUpdate(t *testing.T) {
	r := newTestRegistry(t)
	r.Load([]config.EndpointConfig{entry("a", "openai", 0.01, 0.01, "text-generation")})

	changes := 0
	r.OnChange(func() { changes++ })

	t.Run("applies patch", func(t *testing.T) {
		err := r.Update("a", Patch{Enabled: utils.ToPtr(false), CostPer1kInput: utils.ToPtr(0.02)})
		require.NoError(t, err)
		descriptor, _ := r.Get("a")
		assert.False(t, descriptor.Enabled)
		assert.Equal(t, 0.02, descriptor.CostPer1kInput)
		assert.Equal(t, 1, changes)
	})

	t.Run("rejects invalid patch and keeps the entry", func(t *testing.T) {
		err := r.Update("a", Patch{CostPer1kOutput: utils.ToPtr(-1.0)})
		var validationError *config.ValidationError
		require.True(t, errors.As(err, &validationError))
		descriptor, _ := r.Get("a")
		assert.Equal(t, 0.01, descriptor.CostPer1kOutput)
		assert.Equal(t, 1, changes)
	})

	t.Run("rejects unknown endpoint", func(t *testing.T) {
		err := r.Update("missing", Patch{Enabled: utils.ToPtr(true)})
		assert.Error(t, err)
	})
}
