package modelrouter

import (
	"errors"
	"fmt"
	"strings"
)

// Errors mapped to HTTP status codes at the server boundary.
type (
	BadRequestError struct{ error }
	NotFoundError   struct{ error }
)

func NewBadRequestError(err error) error {
	return BadRequestError{err}
}

func NewNotFoundError(err error) error {
	return NotFoundError{err}
}

// ErrorKind classifies why a call or request failed.
type ErrorKind string

const (
	// Timeouts, 5xx and network failures. Retried in place, then failed over.
	ErrorTransient ErrorKind = "transient"

	// 4xx other than 429, auth failures and malformed requests. Never retried.
	ErrorPermanent ErrorKind = "permanent"

	// Provider reported rate limit. Fails over without retrying in place.
	ErrorRateLimited ErrorKind = "rate_limited"

	// Quota exhausted or endpoint unavailable before dispatch.
	ErrorAdmissionDenied ErrorKind = "admission_denied"

	ErrorNoEligibleEndpoint ErrorKind = "no_eligible_endpoint"

	ErrorCanceled ErrorKind = "canceled"
)

// Retryable reports whether the caller may try the same request again later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorTransient, ErrorRateLimited, ErrorAdmissionDenied, ErrorNoEligibleEndpoint:
		return true
	}
	return false
}

// ErrNoEligibleEndpoint is matched by errors.Is on every NoEligibleEndpointError.
var ErrNoEligibleEndpoint = errors.New("no eligible endpoint")

// NoEligibleEndpointError explains which stage rejected the candidates.
type NoEligibleEndpointError struct {
	Considered  int
	Capability  int
	Disabled    int
	Excluded    int
	OverCost    int
	OverLatency int
	Unavailable int
	RateLimited int
}

func (e *NoEligibleEndpointError) Error() string {
	return fmt.Sprintf(
		"no eligible endpoint among %d (capability=%d disabled=%d excluded=%d cost=%d latency=%d unavailable=%d rate_limited=%d)",
		e.Considered, e.Capability, e.Disabled, e.Excluded, e.OverCost, e.OverLatency, e.Unavailable, e.RateLimited,
	)
}

func (e *NoEligibleEndpointError) Is(target error) bool {
	return target == ErrNoEligibleEndpoint
}

// AttemptFailure is the reason a single endpoint could not serve a request.
type AttemptFailure struct {
	EndpointID string    `json:"endpoint_id"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
}

// RouteError is returned to callers when a request could not be served.
type RouteError struct {
	Kind               ErrorKind        `json:"type"`
	Retryable          bool             `json:"retryable"`
	EndpointsAttempted []string         `json:"endpoints_attempted"`
	Failures           []AttemptFailure `json:"failures"`
	Cause              error            `json:"-"`
}

func NewRouteError(kind ErrorKind, cause error, failures []AttemptFailure) *RouteError {
	attempted := make([]string, 0, len(failures))
	seen := make(map[string]bool, len(failures))
	for _, failure := range failures {
		if failure.EndpointID == "" || seen[failure.EndpointID] {
			continue
		}
		seen[failure.EndpointID] = true
		attempted = append(attempted, failure.EndpointID)
	}
	return &RouteError{
		Kind:               kind,
		Retryable:          kind.Retryable(),
		EndpointsAttempted: attempted,
		Failures:           failures,
		Cause:              cause,
	}
}

func (e *RouteError) Error() string {
	if len(e.Failures) == 0 {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return string(e.Kind)
	}
	reasons := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("%s: %s (%s)", failure.EndpointID, failure.Kind, failure.Message))
	}
	return fmt.Sprintf("%s after trying [%s]", e.Kind, strings.Join(reasons, "; "))
}

func (e *RouteError) Unwrap() error {
	return e.Cause
}
