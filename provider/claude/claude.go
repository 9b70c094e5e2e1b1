package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/provider"
)

// Claude requires max_tokens on every request.
const defaultMaxTokens = 4096

type anthropicClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Adapter struct {
	client anthropicClient
}

func NewAdapter(apiKey string, baseUrl string) *Adapter {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseUrl != "" {
		options = append(options, option.WithBaseURL(baseUrl))
	}
	client := anthropic.NewClient(options...)
	return &Adapter{client: &client.Messages}
}

func newAdapterWithClient(client anthropicClient) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Provider() string {
	return "claude"
}

func (a *Adapter) Format(spec *modelrouter.RequestSpec, endpoint *modelrouter.EndpointDescriptor) (any, error) {
	system, messages := provider.SplitSystem(&spec.Payload)
	if len(messages) == 0 {
		return nil, provider.NewInvalidRequestError("request has no messages")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(endpoint.Model),
		MaxTokens: defaultMaxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(messages)),
	}
	if spec.Params.MaxTokens > 0 {
		params.MaxTokens = int64(spec.Params.MaxTokens)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if spec.Params.Temperature != nil {
		params.Temperature = anthropic.Float(*spec.Params.Temperature)
	}
	if spec.Params.TopP != nil {
		params.TopP = anthropic.Float(*spec.Params.TopP)
	}
	if len(spec.Params.Stop) > 0 {
		params.StopSequences = spec.Params.Stop
	}

	for _, message := range messages {
		role, err := toClaudeRole(message.Role)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(message.Content)},
		})
	}
	return &params, nil
}

func (a *Adapter) Send(ctx context.Context, endpoint *modelrouter.EndpointDescriptor, request any) (any, error) {
	params, ok := request.(*anthropic.MessageNewParams)
	if !ok {
		return nil, provider.NewInvalidRequestError("unexpected request type: %T", request)
	}
	return a.client.New(ctx, *params)
}

func (a *Adapter) Parse(raw any) (*provider.Completion, error) {
	message, err := asMessage(raw)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &provider.Completion{Content: content.String(), FinishReason: toFinishReason(string(message.StopReason))}, nil
}

func (a *Adapter) ExtractUsage(raw any) (modelrouter.TokenUsage, error) {
	message, err := asMessage(raw)
	if err != nil {
		return modelrouter.TokenUsage{}, err
	}
	return modelrouter.NewTokenUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens)), nil
}

func (a *Adapter) ClassifyError(err error) modelrouter.ErrorKind {
	// Checked first: the SDK error cannot be formatted without its request.
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		// 529 means the API is overloaded.
		return provider.ClassifyStatus(apiErr.StatusCode)
	}
	return provider.Classify(err)
}

func (a *Adapter) Ping(ctx context.Context, endpoint *modelrouter.EndpointDescriptor) error {
	_, err := a.client.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(endpoint.Model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("Ping"))},
	})
	return err
}

func toClaudeRole(role string) (anthropic.MessageParamRole, error) {
	switch strings.ToLower(role) {
	case "user":
		return anthropic.MessageParamRoleUser, nil
	case "assistant":
		return anthropic.MessageParamRoleAssistant, nil
	}
	return "", provider.NewInvalidRequestError("unsupported role: %s", role)
}

// toFinishReason maps Claude stop reasons to the chat completions vocabulary.
func toFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return stopReason
}

func asMessage(raw any) (*anthropic.Message, error) {
	message, ok := raw.(*anthropic.Message)
	if !ok || message == nil {
		return nil, fmt.Errorf("unexpected response type: %T", raw)
	}
	return message, nil
}
