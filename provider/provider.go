package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/yanolja/modelrouter"
)

// Adapter translates between the normalized request shape and one provider's
// wire format. Requests and raw responses are provider specific values; an
// adapter only accepts values it produced itself.
type Adapter interface {
	// Provider id this adapter serves. E.g., "openai"
	Provider() string

	// Builds the provider-native request.
	Format(spec *modelrouter.RequestSpec, endpoint *modelrouter.EndpointDescriptor) (any, error)

	// Sends a request produced by Format and returns the raw response.
	Send(ctx context.Context, endpoint *modelrouter.EndpointDescriptor, request any) (any, error)

	// Extracts the generated text from a raw response.
	Parse(raw any) (*Completion, error)

	// Extracts the token usage from a raw response.
	ExtractUsage(raw any) (modelrouter.TokenUsage, error)

	// Maps an error returned by Send to a kind.
	ClassifyError(err error) modelrouter.ErrorKind

	// Issues the cheapest call that proves the endpoint answers.
	Ping(ctx context.Context, endpoint *modelrouter.EndpointDescriptor) error
}

// Completion is the generated content of a raw response.
type Completion struct {
	Content      string
	FinishReason string
}

// Adapters maps provider ids to their adapter.
type Adapters map[string]Adapter

func (a Adapters) Get(providerID string) (Adapter, error) {
	adapter, ok := a[providerID]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider: %s", providerID)
	}
	return adapter, nil
}

// HTTPError is a non-2xx answer from a provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// MalformedResponseError is returned when a response cannot be decoded.
type MalformedResponseError struct {
	error
}

func NewMalformedResponseError(err error) *MalformedResponseError {
	return &MalformedResponseError{fmt.Errorf("malformed response: %v", err)}
}

// InvalidRequestError is returned by Format when the request cannot be sent
// to the provider at all.
type InvalidRequestError struct {
	error
}

func NewInvalidRequestError(format string, args ...any) *InvalidRequestError {
	return &InvalidRequestError{fmt.Errorf(format, args...)}
}

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(statusCode int) modelrouter.ErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return modelrouter.ErrorRateLimited
	case statusCode == http.StatusRequestTimeout:
		return modelrouter.ErrorTransient
	case statusCode >= 500:
		return modelrouter.ErrorTransient
	case statusCode >= 400:
		return modelrouter.ErrorPermanent
	}
	return modelrouter.ErrorTransient
}

// ClassifyCommon handles the errors every adapter shares. Returns false when
// the error needs provider specific inspection.
func ClassifyCommon(err error) (modelrouter.ErrorKind, bool) {
	if err == nil {
		return "", false
	}

	var httpErr *HTTPError
	var malformedErr *MalformedResponseError
	var invalidErr *InvalidRequestError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return modelrouter.ErrorCanceled, true
	case errors.Is(err, context.DeadlineExceeded):
		return modelrouter.ErrorTransient, true
	case errors.As(err, &httpErr):
		return ClassifyStatus(httpErr.StatusCode), true
	case errors.As(err, &invalidErr):
		return modelrouter.ErrorPermanent, true
	case errors.As(err, &malformedErr):
		return modelrouter.ErrorTransient, true
	case errors.As(err, &netErr):
		return modelrouter.ErrorTransient, true
	}
	return "", false
}

// Classify is ClassifyCommon with a fallback on the error message for
// providers that only report plain errors.
func Classify(err error) modelrouter.ErrorKind {
	if kind, ok := ClassifyCommon(err); ok {
		return kind
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "quota") || strings.Contains(message, "rate limit") || strings.Contains(message, "too many requests"):
		return modelrouter.ErrorRateLimited
	case strings.Contains(message, "unauthorized") || strings.Contains(message, "invalid api key") || strings.Contains(message, "permission"):
		return modelrouter.ErrorPermanent
	}
	return modelrouter.ErrorTransient
}

// ToGeminiRole maps normalized roles to the roles Gemini accepts.
func ToGeminiRole(role string) string {
	lowered := strings.ToLower(role)
	switch lowered {
	case "assistant":
		return "model"
	case "tool":
		return "function"
	}
	return lowered
}

// SplitSystem returns the system prompt and the remaining conversation.
// System messages inside the conversation are appended to the system prompt.
func SplitSystem(payload *modelrouter.Payload) (string, []modelrouter.Message) {
	system := []string{}
	if payload.System != "" {
		system = append(system, payload.System)
	}
	messages := make([]modelrouter.Message, 0, len(payload.Messages))
	for _, message := range payload.Messages {
		if strings.EqualFold(message.Role, "system") {
			system = append(system, message.Content)
			continue
		}
		messages = append(messages, message)
	}
	return strings.Join(system, "\n"), messages
}
