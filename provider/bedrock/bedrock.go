package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/goccy/go-json"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/provider"
)

const (
	defaultRegion = "us-east-1"

	// Bedrock requires a generation limit on every request.
	defaultMaxTokens = 4096

	anthropicVersion = "bedrock-2023-05-31"
)

type runtimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Request is an InvokeModel call for one model family.
type Request struct {
	ModelId string
	Family  family
	Body    []byte
}

// Response is a decoded InvokeModel answer.
type Response struct {
	Content      string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

type family string

const (
	familyClaude family = "anthropic"
	familyLlama  family = "meta"
)

func familyOf(modelId string) (family, error) {
	switch {
	case strings.Contains(modelId, "anthropic.claude"):
		return familyClaude, nil
	case strings.Contains(modelId, "meta.llama"):
		return familyLlama, nil
	}
	return "", provider.NewInvalidRequestError("unsupported bedrock model: %s", modelId)
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeBody struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type llamaBody struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

type Adapter struct {
	client runtimeClient
}

// NewAdapter uses the default AWS credential chain unless static keys are
// given.
func NewAdapter(ctx context.Context, region string, accessKey string, secretKey string) (*Adapter, error) {
	if region == "" {
		region = defaultRegion
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	}
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func newAdapterWithClient(client runtimeClient) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Provider() string {
	return "bedrock"
}

func (a *Adapter) Format(spec *modelrouter.RequestSpec, endpoint *modelrouter.EndpointDescriptor) (any, error) {
	modelFamily, err := familyOf(endpoint.Model)
	if err != nil {
		return nil, err
	}
	system, messages := provider.SplitSystem(&spec.Payload)
	if len(messages) == 0 {
		return nil, provider.NewInvalidRequestError("request has no messages")
	}
	maxTokens := defaultMaxTokens
	if spec.Params.MaxTokens > 0 {
		maxTokens = spec.Params.MaxTokens
	}

	var body any
	switch modelFamily {
	case familyClaude:
		claudeMessages := make([]claudeMessage, 0, len(messages))
		for _, message := range messages {
			role := "user"
			if strings.EqualFold(message.Role, "assistant") {
				role = "assistant"
			}
			claudeMessages = append(claudeMessages, claudeMessage{Role: role, Content: message.Content})
		}
		body = &claudeBody{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        maxTokens,
			System:           system,
			Messages:         claudeMessages,
			Temperature:      spec.Params.Temperature,
			TopP:             spec.Params.TopP,
			StopSequences:    spec.Params.Stop,
		}
	case familyLlama:
		body = &llamaBody{
			Prompt:      toLlamaPrompt(system, messages),
			MaxGenLen:   maxTokens,
			Temperature: spec.Params.Temperature,
			TopP:        spec.Params.TopP,
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, provider.NewInvalidRequestError("failed to marshal request: %v", err)
	}
	return &Request{ModelId: endpoint.Model, Family: modelFamily, Body: encoded}, nil
}

func (a *Adapter) Send(ctx context.Context, endpoint *modelrouter.EndpointDescriptor, request any) (any, error) {
	bedrockRequest, ok := request.(*Request)
	if !ok {
		return nil, provider.NewInvalidRequestError("unexpected request type: %T", request)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(bedrockRequest.ModelId),
		Body:        bedrockRequest.Body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, err
	}
	return decode(bedrockRequest.Family, output.Body)
}

func (a *Adapter) Parse(raw any) (*provider.Completion, error) {
	response, err := asResponse(raw)
	if err != nil {
		return nil, err
	}
	return &provider.Completion{Content: response.Content, FinishReason: toFinishReason(response.StopReason)}, nil
}

func (a *Adapter) ExtractUsage(raw any) (modelrouter.TokenUsage, error) {
	response, err := asResponse(raw)
	if err != nil {
		return modelrouter.TokenUsage{}, err
	}
	return modelrouter.NewTokenUsage(response.InputTokens, response.OutputTokens), nil
}

func (a *Adapter) ClassifyError(err error) modelrouter.ErrorKind {
	var throttling *types.ThrottlingException
	var quota *types.ServiceQuotaExceededException
	if errors.As(err, &throttling) || errors.As(err, &quota) {
		return modelrouter.ErrorRateLimited
	}

	var unavailable *types.ServiceUnavailableException
	var internal *types.InternalServerException
	var timeout *types.ModelTimeoutException
	var notReady *types.ModelNotReadyException
	if errors.As(err, &unavailable) || errors.As(err, &internal) || errors.As(err, &timeout) || errors.As(err, &notReady) {
		return modelrouter.ErrorTransient
	}

	var validation *types.ValidationException
	var accessDenied *types.AccessDeniedException
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &validation) || errors.As(err, &accessDenied) || errors.As(err, &notFound) {
		return modelrouter.ErrorPermanent
	}

	if kind, ok := provider.ClassifyCommon(err); ok {
		return kind
	}
	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		return provider.ClassifyStatus(responseErr.HTTPStatusCode())
	}
	return provider.Classify(err)
}

func (a *Adapter) Ping(ctx context.Context, endpoint *modelrouter.EndpointDescriptor) error {
	request, err := a.Format(&modelrouter.RequestSpec{
		Payload: modelrouter.Payload{Messages: []modelrouter.Message{{Role: "user", Content: "Ping"}}},
		Params:  modelrouter.GenerationParams{MaxTokens: 1},
	}, endpoint)
	if err != nil {
		return err
	}
	_, err = a.Send(ctx, endpoint, request)
	return err
}

func decode(modelFamily family, body []byte) (*Response, error) {
	switch modelFamily {
	case familyClaude:
		var decoded claudeResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, provider.NewMalformedResponseError(err)
		}
		var content strings.Builder
		for _, block := range decoded.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		return &Response{
			Content:      content.String(),
			StopReason:   decoded.StopReason,
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		}, nil
	case familyLlama:
		var decoded llamaResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, provider.NewMalformedResponseError(err)
		}
		return &Response{
			Content:      decoded.Generation,
			StopReason:   decoded.StopReason,
			InputTokens:  decoded.PromptTokenCount,
			OutputTokens: decoded.GenerationTokenCount,
		}, nil
	}
	return nil, fmt.Errorf("unsupported model family: %s", modelFamily)
}

func toLlamaPrompt(system string, messages []modelrouter.Message) string {
	var prompt strings.Builder
	prompt.WriteString("<|begin_of_text|>")
	if system != "" {
		fmt.Fprintf(&prompt, "<|start_header_id|>system<|end_header_id|>\n\n%s<|eot_id|>", system)
	}
	for _, message := range messages {
		fmt.Fprintf(&prompt, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", strings.ToLower(message.Role), message.Content)
	}
	prompt.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return prompt.String()
}

func toFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence", "stop":
		return "stop"
	case "max_tokens", "length":
		return "length"
	}
	return stopReason
}

func asResponse(raw any) (*Response, error) {
	response, ok := raw.(*Response)
	if !ok || response == nil {
		return nil, fmt.Errorf("unexpected response type: %T", raw)
	}
	return response, nil
}
