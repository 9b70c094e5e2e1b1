package cost

import (
	"unicode/utf8"

	"github.com/yanolja/modelrouter"
)

const (
	// Rough average for English text across the supported tokenizers.
	charactersPerToken = 4

	// Output budget assumed when the request does not cap it.
	DefaultOutputTokens = 1024
)

// Breakdown splits a cost into its input and output parts.
type Breakdown struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
}

func (b Breakdown) Total() float64 {
	return b.InputCost + b.OutputCost
}

// Estimate is the expected usage and cost of a request before it is sent.
type Estimate struct {
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Breakdown    Breakdown `json:"breakdown"`
}

// TotalTokens is what CheckAdmission is asked about.
func (e Estimate) TotalTokens() int {
	return e.InputTokens + e.OutputTokens
}

// EstimateTokens approximates the token count of text. Any non-empty text
// counts as at least one token.
func EstimateTokens(text string) int {
	characters := utf8.RuneCountInString(text)
	if characters == 0 {
		return 0
	}
	return (characters + charactersPerToken - 1) / charactersPerToken
}

// EstimateInputTokens counts every message of the payload.
func EstimateInputTokens(payload *modelrouter.Payload) int {
	return EstimateTokens(payload.Text())
}

// EstimateOutputTokens is the caller's cap, or DefaultOutputTokens.
func EstimateOutputTokens(params *modelrouter.GenerationParams) int {
	if params.MaxTokens > 0 {
		return params.MaxTokens
	}
	return DefaultOutputTokens
}

// EstimateRequest prices a request on an endpoint before dispatch.
func EstimateRequest(endpoint *modelrouter.EndpointDescriptor, spec *modelrouter.RequestSpec) Estimate {
	usage := modelrouter.NewTokenUsage(
		EstimateInputTokens(&spec.Payload),
		EstimateOutputTokens(&spec.Params),
	)
	breakdown := Calculate(endpoint, usage)
	return Estimate{
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		Cost:         breakdown.Total(),
		Breakdown:    breakdown,
	}
}

// Calculate prices actual usage with the endpoint's declared rates.
func Calculate(endpoint *modelrouter.EndpointDescriptor, usage modelrouter.TokenUsage) Breakdown {
	return Breakdown{
		InputCost:  float64(usage.Input) * endpoint.CostPer1kInput / 1000.0,
		OutputCost: float64(usage.Output) * endpoint.CostPer1kOutput / 1000.0,
	}
}
