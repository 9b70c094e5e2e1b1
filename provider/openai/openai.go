package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/provider"
)

// ChatCompletionRequest is the subset of the chat completions body the router
// sends. Every OpenAI compatible provider accepts it.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionResponse struct {
	Id      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Adapter talks to OpenAI and to any provider exposing the same chat
// completions API, such as Groq, xAI, Mistral or OpenRouter.
type Adapter struct {
	providerName string
	apiKey       string
	baseUrl      *url.URL
	client       *http.Client
}

func NewAdapter(providerName string, baseUrl string, apiKey string) (*Adapter, error) {
	parsedBaseUrl, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %v", err)
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: URL must have a scheme and host")
	}

	return &Adapter{
		providerName: providerName,
		apiKey:       apiKey,
		baseUrl:      parsedBaseUrl,
		// Attempt deadlines come from the context.
		client: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (a *Adapter) Provider() string {
	return a.providerName
}

func (a *Adapter) Format(spec *modelrouter.RequestSpec, endpoint *modelrouter.EndpointDescriptor) (any, error) {
	messages := make([]Message, 0, len(spec.Payload.Messages)+1)
	if spec.Payload.System != "" {
		messages = append(messages, Message{Role: "system", Content: spec.Payload.System})
	}
	for _, message := range spec.Payload.Messages {
		messages = append(messages, Message{Role: message.Role, Content: message.Content})
	}
	if len(messages) == 0 {
		return nil, provider.NewInvalidRequestError("request has no messages")
	}

	request := &ChatCompletionRequest{
		Model:       endpoint.Model,
		Messages:    messages,
		Temperature: spec.Params.Temperature,
		TopP:        spec.Params.TopP,
		Stop:        spec.Params.Stop,
	}
	if spec.Params.MaxTokens > 0 {
		maxTokens := spec.Params.MaxTokens
		request.MaxTokens = &maxTokens
	}
	return request, nil
}

func (a *Adapter) Send(ctx context.Context, endpoint *modelrouter.EndpointDescriptor, request any) (any, error) {
	chatRequest, ok := request.(*ChatCompletionRequest)
	if !ok {
		return nil, provider.NewInvalidRequestError("unexpected request type: %T", request)
	}

	body, err := a.do(ctx, http.MethodPost, "chat/completions", chatRequest)
	if err != nil {
		return nil, err
	}

	var response ChatCompletionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, provider.NewMalformedResponseError(err)
	}
	return &response, nil
}

func (a *Adapter) Parse(raw any) (*provider.Completion, error) {
	response, err := asResponse(raw)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, provider.NewMalformedResponseError(fmt.Errorf("no choices"))
	}
	choice := response.Choices[0]
	return &provider.Completion{Content: choice.Message.Content, FinishReason: choice.FinishReason}, nil
}

func (a *Adapter) ExtractUsage(raw any) (modelrouter.TokenUsage, error) {
	response, err := asResponse(raw)
	if err != nil {
		return modelrouter.TokenUsage{}, err
	}
	if response.Usage == nil {
		return modelrouter.TokenUsage{}, provider.NewMalformedResponseError(fmt.Errorf("no usage"))
	}
	return modelrouter.NewTokenUsage(response.Usage.PromptTokens, response.Usage.CompletionTokens), nil
}

func (a *Adapter) ClassifyError(err error) modelrouter.ErrorKind {
	return provider.Classify(err)
}

// Ping lists the models, which costs no tokens.
func (a *Adapter) Ping(ctx context.Context, endpoint *modelrouter.EndpointDescriptor) error {
	_, err := a.do(ctx, http.MethodGet, "models", nil)
	return err
}

func (a *Adapter) do(ctx context.Context, method string, path string, payload any) ([]byte, error) {
	endpointPath, err := url.JoinPath(a.baseUrl.String(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint path: %v", err)
	}

	var requestBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, provider.NewInvalidRequestError("failed to marshal request: %v", err)
		}
		requestBody = bytes.NewReader(jsonData)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, endpointPath, requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	if payload != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	httpResponse, err := a.client.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		return nil, &provider.HTTPError{StatusCode: httpResponse.StatusCode, Body: string(body)}
	}
	return body, nil
}

func asResponse(raw any) (*ChatCompletionResponse, error) {
	response, ok := raw.(*ChatCompletionResponse)
	if !ok || response == nil {
		return nil, fmt.Errorf("unexpected response type: %T", raw)
	}
	return response, nil
}
