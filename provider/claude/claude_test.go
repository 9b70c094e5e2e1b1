package claude

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/utils"
)

type mockMessageService struct {
	params   []anthropic.MessageNewParams
	response string
	err      error
}

func (m *mockMessageService) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return mustUnmarshalMessage(m.response), nil
}

func mustUnmarshalMessage(data string) *anthropic.Message {
	var message anthropic.Message
	if err := json.Unmarshal([]byte(data), &message); err != nil {
		panic(err)
	}
	return &message
}

var testEndpoint = &modelrouter.EndpointDescriptor{ID: "claude-haiku", ProviderID: "claude", Model: "claude-3-5-haiku-20241022"}

func TestFormat(t *testing.T) {
	adapter := newAdapterWithClient(&mockMessageService{})

	t.Run("moves system messages into the system prompt", func(t *testing.T) {
		spec := &modelrouter.RequestSpec{
			Payload: modelrouter.Payload{
				System: "Be brief.",
				Messages: []modelrouter.Message{
					{Role: "system", Content: "Answer in English."},
					{Role: "user", Content: "Hello"},
					{Role: "assistant", Content: "Hi"},
					{Role: "user", Content: "How are you?"},
				},
			},
			Params: modelrouter.GenerationParams{Temperature: utils.ToPtr(0.5), Stop: []string{"END"}},
		}

		request, err := adapter.Format(spec, testEndpoint)
		require.NoError(t, err)

		params := request.(*anthropic.MessageNewParams)
		assert.Equal(t, anthropic.Model("claude-3-5-haiku-20241022"), params.Model)
		assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)
		require.Len(t, params.System, 1)
		assert.Equal(t, "Be brief.\nAnswer in English.", params.System[0].Text)
		require.Len(t, params.Messages, 3)
		assert.Equal(t, anthropic.MessageParamRoleAssistant, params.Messages[1].Role)
		assert.Equal(t, []string{"END"}, params.StopSequences)
	})

	t.Run("forwards max tokens", func(t *testing.T) {
		spec := &modelrouter.RequestSpec{
			Payload: modelrouter.Payload{Messages: []modelrouter.Message{{Role: "user", Content: "Hello"}}},
			Params:  modelrouter.GenerationParams{MaxTokens: 100},
		}
		request, err := adapter.Format(spec, testEndpoint)
		require.NoError(t, err)
		assert.Equal(t, int64(100), request.(*anthropic.MessageNewParams).MaxTokens)
	})

	t.Run("rejects unknown roles", func(t *testing.T) {
		spec := &modelrouter.RequestSpec{
			Payload: modelrouter.Payload{Messages: []modelrouter.Message{{Role: "tool", Content: "{}"}}},
		}
		_, err := adapter.Format(spec, testEndpoint)
		require.Error(t, err)
		assert.Equal(t, modelrouter.ErrorPermanent, adapter.ClassifyError(err))
	})
}

func TestSend(t *testing.T) {
	service := &mockMessageService{response: `{
		"id": "msg_abc123",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-haiku-20241022",
		"content": [{"type": "text", "text": "Hello, "}, {"type": "text", "text": "world"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`}
	adapter := newAdapterWithClient(service)

	spec := &modelrouter.RequestSpec{Payload: modelrouter.Payload{Messages: []modelrouter.Message{{Role: "user", Content: "Hello"}}}}
	request, err := adapter.Format(spec, testEndpoint)
	require.NoError(t, err)

	raw, err := adapter.Send(context.Background(), testEndpoint, request)
	require.NoError(t, err)
	require.Len(t, service.params, 1)

	completion, err := adapter.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", completion.Content)
	assert.Equal(t, "length", completion.FinishReason)

	usage, err := adapter.ExtractUsage(raw)
	require.NoError(t, err)
	assert.Equal(t, modelrouter.NewTokenUsage(10, 5), usage)
}

func TestClassifyError(t *testing.T) {
	adapter := newAdapterWithClient(&mockMessageService{})

	tests := []struct {
		name     string
		err      error
		expected modelrouter.ErrorKind
	}{
		{"rate limited", &anthropic.Error{StatusCode: 429}, modelrouter.ErrorRateLimited},
		{"overloaded", &anthropic.Error{StatusCode: 529}, modelrouter.ErrorTransient},
		{"internal error", &anthropic.Error{StatusCode: 500}, modelrouter.ErrorTransient},
		{"authentication", &anthropic.Error{StatusCode: 401}, modelrouter.ErrorPermanent},
		{"deadline", context.DeadlineExceeded, modelrouter.ErrorTransient},
		{"canceled", context.Canceled, modelrouter.ErrorCanceled},
		{"plain", errors.New("connection reset by peer"), modelrouter.ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, adapter.ClassifyError(tt.err))
		})
	}
}

func TestPing(t *testing.T) {
	service := &mockMessageService{response: `{"content": [{"type": "text", "text": "Pong"}]}`}
	adapter := newAdapterWithClient(service)

	require.NoError(t, adapter.Ping(context.Background(), testEndpoint))
	require.Len(t, service.params, 1)
	assert.Equal(t, int64(1), service.params[0].MaxTokens)

	service.err = &anthropic.Error{StatusCode: 503}
	assert.Error(t, adapter.Ping(context.Background(), testEndpoint))
}
