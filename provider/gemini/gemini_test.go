package gemini

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/utils"
)

type fakeModels struct {
	models   []string
	configs  []*genai.GenerateContentConfig
	response *genai.GenerateContentResponse
	err      error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.models = append(f.models, model)
	f.configs = append(f.configs, config)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

var testEndpoint = &modelrouter.EndpointDescriptor{ID: "gemini-flash", ProviderID: "gemini", Model: "gemini-2.0-flash"}

func TestFormat(t *testing.T) {
	adapter := newAdapterWithClient(&fakeModels{})
	spec := &modelrouter.RequestSpec{
		Payload: modelrouter.Payload{
			System: "Be brief.",
			Messages: []modelrouter.Message{
				{Role: "user", Content: "Hello"},
				{Role: "assistant", Content: "Hi"},
			},
		},
		Params: modelrouter.GenerationParams{Temperature: utils.ToPtr(0.5), TopP: utils.ToPtr(0.9), MaxTokens: 256},
	}

	request, err := adapter.Format(spec, testEndpoint)
	require.NoError(t, err)

	geminiRequest := request.(*Request)
	assert.Equal(t, "gemini-2.0-flash", geminiRequest.Model)
	require.Len(t, geminiRequest.Contents, 2)
	assert.Equal(t, "model", geminiRequest.Contents[1].Role)
	assert.Equal(t, "Be brief.", geminiRequest.Config.SystemInstruction.Parts[0].Text)
	assert.Equal(t, float32(0.5), *geminiRequest.Config.Temperature)
	assert.Equal(t, float32(0.9), *geminiRequest.Config.TopP)
	assert.Equal(t, int32(256), geminiRequest.Config.MaxOutputTokens)

	_, err = adapter.Format(&modelrouter.RequestSpec{}, testEndpoint)
	assert.Error(t, err)
}

func TestSend(t *testing.T) {
	models := &fakeModels{response: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: "Hi there"}}},
			FinishReason: genai.FinishReasonMaxTokens,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 2},
	}}
	adapter := newAdapterWithClient(models)

	spec := &modelrouter.RequestSpec{Payload: modelrouter.Payload{Messages: []modelrouter.Message{{Role: "user", Content: "Hello"}}}}
	request, err := adapter.Format(spec, testEndpoint)
	require.NoError(t, err)

	raw, err := adapter.Send(context.Background(), testEndpoint, request)
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-2.0-flash"}, models.models)

	completion, err := adapter.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", completion.Content)
	assert.Equal(t, "length", completion.FinishReason)

	usage, err := adapter.ExtractUsage(raw)
	require.NoError(t, err)
	assert.Equal(t, modelrouter.NewTokenUsage(7, 2), usage)

	_, err = adapter.Parse(&genai.GenerateContentResponse{})
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	adapter := newAdapterWithClient(&fakeModels{})

	tests := []struct {
		name     string
		err      error
		expected modelrouter.ErrorKind
	}{
		{"resource exhausted", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, modelrouter.ErrorRateLimited},
		{"wrapped unavailable", fmt.Errorf("generate: %w", genai.APIError{Code: 503}), modelrouter.ErrorTransient},
		{"invalid argument", genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"}, modelrouter.ErrorPermanent},
		{"deadline", context.DeadlineExceeded, modelrouter.ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, adapter.ClassifyError(tt.err))
		})
	}
}

func TestPing(t *testing.T) {
	models := &fakeModels{response: &genai.GenerateContentResponse{}}
	adapter := newAdapterWithClient(models)

	require.NoError(t, adapter.Ping(context.Background(), testEndpoint))
	assert.Equal(t, int32(1), models.configs[0].MaxOutputTokens)
}
