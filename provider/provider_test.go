package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanolja/modelrouter"
)

func TestToGeminiRole(t *testing.T) {
	tests := []struct {
		role     string
		expected string
	}{
		{"user", "user"},
		{"assistant", "model"},
		{"tool", "function"},
		{"USER", "user"},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("role: %s", test.role), func(t *testing.T) {
			assert.Equal(t, test.expected, ToGeminiRole(test.role))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected modelrouter.ErrorKind
	}{
		{"too many requests", &HTTPError{StatusCode: 429}, modelrouter.ErrorRateLimited},
		{"request timeout", &HTTPError{StatusCode: 408}, modelrouter.ErrorTransient},
		{"service unavailable", &HTTPError{StatusCode: 503}, modelrouter.ErrorTransient},
		{"bad gateway wrapped", fmt.Errorf("call failed: %w", &HTTPError{StatusCode: 502}), modelrouter.ErrorTransient},
		{"unauthorized", &HTTPError{StatusCode: 401}, modelrouter.ErrorPermanent},
		{"bad request", &HTTPError{StatusCode: 400}, modelrouter.ErrorPermanent},
		{"deadline", context.DeadlineExceeded, modelrouter.ErrorTransient},
		{"canceled", fmt.Errorf("send: %w", context.Canceled), modelrouter.ErrorCanceled},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, modelrouter.ErrorTransient},
		{"malformed response", NewMalformedResponseError(errors.New("unexpected EOF")), modelrouter.ErrorTransient},
		{"invalid request", NewInvalidRequestError("no messages"), modelrouter.ErrorPermanent},
		{"quota message", errors.New("quota exceeded for model"), modelrouter.ErrorRateLimited},
		{"auth message", errors.New("Invalid API key"), modelrouter.ErrorPermanent},
		{"unknown", errors.New("something odd"), modelrouter.ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestSplitSystem(t *testing.T) {
	payload := &modelrouter.Payload{
		System: "Be brief.",
		Messages: []modelrouter.Message{
			{Role: "system", Content: "Answer in English."},
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Hi"},
		},
	}

	system, messages := SplitSystem(payload)
	assert.Equal(t, "Be brief.\nAnswer in English.", system)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
}

func TestAdapters(t *testing.T) {
	adapters := Adapters{}
	_, err := adapters.Get("openai")
	assert.Error(t, err)
}
