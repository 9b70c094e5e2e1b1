package ollama

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

const defaultBaseUrl = "http://localhost:11434"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

type ChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// Adapter talks to a local Ollama server. Local models never report rate
// limits; a busy server answers with 5xx which is retried as transient.
type Adapter struct {
	baseUrl *url.URL
	client  *http.Client
}

func NewAdapter(baseUrl string) (*Adapter, error) {
	if baseUrl == "" {
		baseUrl = defaultBaseUrl
	}
	parsedBaseUrl, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %v", err)
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: URL must have a scheme and host")
	}
	return &Adapter{baseUrl: parsedBaseUrl, client: &http.Client{Timeout: 10 * time.Minute}}, nil
}

func (a *Adapter) Provider() string {
	return "ollama"
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

	request := &ChatRequest{Model: endpoint.Model, Messages: messages}
	params := spec.Params
	if params.Temperature != nil || params.TopP != nil || params.MaxTokens > 0 || len(params.Stop) > 0 {
		request.Options = &Options{
			Temperature: params.Temperature,
			TopP:        params.TopP,
			NumPredict:  params.MaxTokens,
			Stop:        params.Stop,
		}
	}
	return request, nil
}

func (a *Adapter) Send(ctx context.Context, endpoint *modelrouter.EndpointDescriptor, request any) (any, error) {
	chatRequest, ok := request.(*ChatRequest)
	if !ok {
		return nil, provider.NewInvalidRequestError("unexpected request type: %T", request)
	}
	body, err := a.do(ctx, http.MethodPost, "api/chat", chatRequest)
	if err != nil {
		return nil, err
	}
	var response ChatResponse
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
	finishReason := response.DoneReason
	if finishReason == "" && response.Done {
		finishReason = "stop"
	}
	return &provider.Completion{Content: response.Message.Content, FinishReason: finishReason}, nil
}

func (a *Adapter) ExtractUsage(raw any) (modelrouter.TokenUsage, error) {
	response, err := asResponse(raw)
	if err != nil {
		return modelrouter.TokenUsage{}, err
	}
	return modelrouter.NewTokenUsage(response.PromptEvalCount, response.EvalCount), nil
}

func (a *Adapter) ClassifyError(err error) modelrouter.ErrorKind {
	kind := provider.Classify(err)
	if kind == modelrouter.ErrorRateLimited {
		return modelrouter.ErrorTransient
	}
	return kind
}

// Ping lists the local models.
func (a *Adapter) Ping(ctx context.Context, endpoint *modelrouter.EndpointDescriptor) error {
	_, err := a.do(ctx, http.MethodGet, "api/tags", nil)
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
	httpRequest.Header.Set("Content-Type", "application/json")

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

func asResponse(raw any) (*ChatResponse, error) {
	response, ok := raw.(*ChatResponse)
	if !ok || response == nil {
		return nil, fmt.Errorf("unexpected response type: %T", raw)
	}
	return response, nil
}
