package modelrouter

import (
	"fmt"
	"strings"
	"time"
)

// RateLimits are the limits a provider declares for one endpoint.
type RateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
}

// EndpointDescriptor is one callable backend: a provider plus a model.
type EndpointDescriptor struct {
	// Unique identifier of the endpoint. E.g., "claude-sonnet"
	ID string `json:"id"`

	// Provider that serves the endpoint. Selects the adapter. E.g., "claude"
	ProviderID string `json:"provider"`

	// Model name as the provider knows it. E.g., "claude-3-5-sonnet-20241022"
	Model string `json:"model"`

	// Ordered set of capability tags. E.g., ["text-generation", "code-generation"]
	Capabilities []string `json:"capabilities"`

	// Price in dollars per 1k input tokens.
	CostPer1kInput float64 `json:"cost_per_1k_input"`

	// Price in dollars per 1k output tokens.
	CostPer1kOutput float64 `json:"cost_per_1k_output"`

	RateLimits RateLimits `json:"rate_limits"`

	// Maximum number of tokens in a single request and response.
	ContextWindow int `json:"context_window"`

	// Declared average latency. Used until the ledger has history.
	AverageResponseTime time.Duration `json:"average_response_time"`

	Enabled bool `json:"enabled"`
}

// HasCapabilities reports whether the endpoint supports every given capability.
func (e *EndpointDescriptor) HasCapabilities(required []string) bool {
	for _, capability := range required {
		if !e.HasCapability(capability) {
			return false
		}
	}
	return true
}

func (e *EndpointDescriptor) HasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no memory with the original.
func (e EndpointDescriptor) Clone() EndpointDescriptor {
	e.Capabilities = append([]string(nil), e.Capabilities...)
	return e
}

// Priority of a request. Lower values are more important.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackground
)

// IsTopTwo reports whether the priority is one of the two most important levels.
func (p Priority) IsTopTwo() bool {
	return p == PriorityCritical || p == PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	}
	return 0, fmt.Errorf("unknown priority: %s", value)
}

type Message struct {
	// One of "system", "user" or "assistant".
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Payload struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

// Text concatenates every message of the payload. Used for token estimates
// and relevance scoring.
func (p *Payload) Text() string {
	var builder strings.Builder
	if p.System != "" {
		builder.WriteString(p.System)
	}
	for _, message := range p.Messages {
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(message.Content)
	}
	return builder.String()
}

// LastUserMessage returns the content of the last message sent by the user.
func (p *Payload) LastUserMessage() string {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == "user" {
			return p.Messages[i].Content
		}
	}
	return ""
}

// GenerationParams are the sampling parameters forwarded to the provider.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// RequestSpec is what a caller submits to the router.
type RequestSpec struct {
	// Trace identifier. Never part of a cache key.
	RequestID string `json:"request_id,omitempty"`

	Payload Payload          `json:"payload"`
	Params  GenerationParams `json:"params"`

	RequiredCapabilities  []string `json:"required_capabilities,omitempty"`
	PreferredCapabilities []string `json:"preferred_capabilities,omitempty"`

	Priority Priority `json:"priority,omitempty"`

	// Maximum estimated cost in dollars. Zero means no limit.
	MaxCost float64 `json:"max_cost,omitempty"`

	// Maximum expected latency. Zero means no limit.
	MaxLatency time.Duration `json:"max_latency,omitempty"`

	// Caller supplied label used to aggregate telemetry. E.g., agent type.
	Category string `json:"category,omitempty"`

	DisableEvaluation bool `json:"disable_evaluation,omitempty"`
	SkipCache         bool `json:"skip_cache,omitempty"`
}

// Constraints narrow down the endpoints a selection may return.
type Constraints struct {
	ExcludedProviders []string
	ExcludedEndpoints []string

	// Zero means no limit.
	MaxCostPerRequest float64

	// Zero means no limit.
	MaxLatency time.Duration
}

// ConstraintsFor derives the selection constraints a request carries on its own.
func ConstraintsFor(spec *RequestSpec) Constraints {
	return Constraints{
		MaxCostPerRequest: spec.MaxCost,
		MaxLatency:        spec.MaxLatency,
	}
}

type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

func NewTokenUsage(input int, output int) TokenUsage {
	return TokenUsage{Input: input, Output: output, Total: input + output}
}

type QualityScore struct {
	Overall      float64 `json:"overall"`
	Completeness float64 `json:"completeness"`
	Relevance    float64 `json:"relevance"`
	Coherence    float64 `json:"coherence"`
}

// DefaultQualityScore is recorded when evaluation is disabled. It means
// "unknown but good" and must never be treated as a penalty.
var DefaultQualityScore = QualityScore{Overall: 1, Completeness: 1, Relevance: 1, Coherence: 1}

// NormalizedResponse is the provider independent shape of a completion.
type NormalizedResponse struct {
	RequestID      string        `json:"request_id,omitempty"`
	Content        string        `json:"content"`
	FinishReason   string        `json:"finish_reason,omitempty"`
	Usage          TokenUsage    `json:"usage"`
	Cost           float64       `json:"cost"`
	Latency        time.Duration `json:"latency"`
	SourceEndpoint string        `json:"source_endpoint"`
	ProviderID     string        `json:"provider"`
	Model          string        `json:"model"`
	Cached         bool          `json:"cached"`
	Quality        *QualityScore `json:"quality,omitempty"`
}

// PerformanceSample is one completed call. Never mutated after recording.
type PerformanceSample struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpoint_id"`
	ProviderID string        `json:"provider"`
	Category   string        `json:"category,omitempty"`
	Latency    time.Duration `json:"latency"`
	Success    bool          `json:"success"`
	Quality    float64       `json:"quality"`
	Usage      TokenUsage    `json:"usage"`
	Cost       float64       `json:"cost"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

type FailoverReason string

const (
	FailoverUnavailable     FailoverReason = "unavailable"
	FailoverRateLimited     FailoverReason = "rate_limited"
	FailoverTransientError  FailoverReason = "transient_error"
	FailoverAdmissionDenied FailoverReason = "admission_denied"
)

// FailoverEvent records that a request moved away from an endpoint.
type FailoverEvent struct {
	ID                  string         `json:"id"`
	RequestID           string         `json:"request_id,omitempty"`
	OriginalEndpointID  string         `json:"original_endpoint_id"`
	Reason              FailoverReason `json:"reason"`
	AlternativeEndpoint string         `json:"alternative_endpoint_id,omitempty"`
	OccurredAt          time.Time      `json:"occurred_at"`
}

type AvailabilityStatus string

const (
	StatusUnknown     AvailabilityStatus = "unknown"
	StatusAvailable   AvailabilityStatus = "available"
	StatusUnavailable AvailabilityStatus = "unavailable"
)

// AvailabilityState is owned by the health prober.
type AvailabilityState struct {
	EndpointID          string             `json:"endpoint_id"`
	Status              AvailabilityStatus `json:"status"`
	IsAvailable         bool               `json:"is_available"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastCheckedAt       time.Time          `json:"last_checked_at"`
	LastFailureAt       time.Time          `json:"last_failure_at"`
	LastLatency         time.Duration      `json:"last_latency"`
	LastError           string             `json:"last_error,omitempty"`
}

// QuotaStatus is a read-only view of an endpoint's quota window.
type QuotaStatus struct {
	EndpointID    string    `json:"endpoint_id"`
	Requests      int       `json:"requests"`
	Tokens        int       `json:"tokens"`
	IsRateLimited bool      `json:"is_rate_limited"`
	WindowResetAt time.Time `json:"window_reset_at,omitempty"`
}

// CacheEntry is a cached response and its access bookkeeping.
type CacheEntry struct {
	Key            string             `json:"key"`
	Response       NormalizedResponse `json:"response"`
	CachedAt       time.Time          `json:"cached_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	HitCount       int64              `json:"hit_count"`
	LastAccessedAt time.Time          `json:"last_accessed_at"`
}
