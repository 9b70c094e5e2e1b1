package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/provider"
)

type modelsClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Request bundles the arguments of a GenerateContent call.
type Request struct {
	Model    string
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig
}

type Adapter struct {
	client modelsClient
}

func NewAdapter(ctx context.Context, apiKey string) (*Adapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %v", err)
	}
	return &Adapter{client: client.Models}, nil
}

func newAdapterWithClient(client modelsClient) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Provider() string {
	return "gemini"
}

func (a *Adapter) Format(spec *modelrouter.RequestSpec, endpoint *modelrouter.EndpointDescriptor) (any, error) {
	system, messages := provider.SplitSystem(&spec.Payload)
	if len(messages) == 0 {
		return nil, provider.NewInvalidRequestError("request has no messages")
	}

	contents := make([]*genai.Content, 0, len(messages))
	for _, message := range messages {
		contents = append(contents, &genai.Content{
			Role:  provider.ToGeminiRole(message.Role),
			Parts: []*genai.Part{{Text: message.Content}},
		})
	}

	config := &genai.GenerateContentConfig{StopSequences: spec.Params.Stop}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if spec.Params.Temperature != nil {
		temperature := float32(*spec.Params.Temperature)
		config.Temperature = &temperature
	}
	if spec.Params.TopP != nil {
		topP := float32(*spec.Params.TopP)
		config.TopP = &topP
	}
	if spec.Params.MaxTokens > 0 {
		config.MaxOutputTokens = int32(spec.Params.MaxTokens)
	}

	return &Request{Model: endpoint.Model, Contents: contents, Config: config}, nil
}

func (a *Adapter) Send(ctx context.Context, endpoint *modelrouter.EndpointDescriptor, request any) (any, error) {
	geminiRequest, ok := request.(*Request)
	if !ok {
		return nil, provider.NewInvalidRequestError("unexpected request type: %T", request)
	}
	return a.client.GenerateContent(ctx, geminiRequest.Model, geminiRequest.Contents, geminiRequest.Config)
}

func (a *Adapter) Parse(raw any) (*provider.Completion, error) {
	response, err := asResponse(raw)
	if err != nil {
		return nil, err
	}
	if len(response.Candidates) == 0 {
		return nil, provider.NewMalformedResponseError(fmt.Errorf("no candidates"))
	}
	return &provider.Completion{
		Content:      response.Text(),
		FinishReason: toFinishReason(string(response.Candidates[0].FinishReason)),
	}, nil
}

func (a *Adapter) ExtractUsage(raw any) (modelrouter.TokenUsage, error) {
	response, err := asResponse(raw)
	if err != nil {
		return modelrouter.TokenUsage{}, err
	}
	if response.UsageMetadata == nil {
		return modelrouter.TokenUsage{}, provider.NewMalformedResponseError(fmt.Errorf("no usage metadata"))
	}
	return modelrouter.NewTokenUsage(
		int(response.UsageMetadata.PromptTokenCount),
		int(response.UsageMetadata.CandidatesTokenCount),
	), nil
}

func (a *Adapter) ClassifyError(err error) modelrouter.ErrorKind {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.ClassifyStatus(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return provider.ClassifyStatus(apiErrPtr.Code)
	}
	return provider.Classify(err)
}

func (a *Adapter) Ping(ctx context.Context, endpoint *modelrouter.EndpointDescriptor) error {
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: "Ping"}}}}
	_, err := a.client.GenerateContent(ctx, endpoint.Model, contents, &genai.GenerateContentConfig{MaxOutputTokens: 1})
	return err
}

func toFinishReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	}
	return strings.ToLower(reason)
}

func asResponse(raw any) (*genai.GenerateContentResponse, error) {
	response, ok := raw.(*genai.GenerateContentResponse)
	if !ok || response == nil {
		return nil, fmt.Errorf("unexpected response type: %T", raw)
	}
	return response, nil
}
