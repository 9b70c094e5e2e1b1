package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yanolja/modelrouter"
	"github.com/yanolja/modelrouter/utils"
	"github.com/yanolja/modelrouter/utils/array"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Reports fields by their YAML names so violations point at the document.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// EndpointConfig is one endpoint entry of the config document.
type EndpointConfig struct {
	ID       string `yaml:"id" validate:"required"`
	Provider string `yaml:"provider" validate:"required"`

	// Model name at the provider. Defaults to the endpoint id.
	Model string `yaml:"model"`

	Capabilities []string `yaml:"capabilities" validate:"required,min=1,dive,required"`

	CostPer1kInput  *float64 `yaml:"cost_per_1k_input_tokens" validate:"required,gte=0"`
	CostPer1kOutput *float64 `yaml:"cost_per_1k_output_tokens" validate:"required,gte=0"`

	RateLimits RateLimitsConfig `yaml:"rate_limits"`

	ContextWindow int `yaml:"context_window" validate:"gte=1"`

	AverageResponseTimeMs float64 `yaml:"average_response_time_ms" validate:"gte=0"`

	// Defaults to true.
	Enabled *bool `yaml:"enabled"`
}

type RateLimitsConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=1"`
	TokensPerMinute   int `yaml:"tokens_per_minute" validate:"gte=1"`
}

// Descriptor converts a validated entry into the registry's representation.
func (e *EndpointConfig) Descriptor() modelrouter.EndpointDescriptor {
	model := e.Model
	if model == "" {
		model = e.ID
	}
	return modelrouter.EndpointDescriptor{
		ID:              e.ID,
		ProviderID:      e.Provider,
		Model:           model,
		Capabilities:    normalizeCapabilities(e.Capabilities),
		CostPer1kInput:  utils.DerefOr(e.CostPer1kInput, 0),
		CostPer1kOutput: utils.DerefOr(e.CostPer1kOutput, 0),
		RateLimits: modelrouter.RateLimits{
			RequestsPerMinute: e.RateLimits.RequestsPerMinute,
			TokensPerMinute:   e.RateLimits.TokensPerMinute,
		},
		ContextWindow:       e.ContextWindow,
		AverageResponseTime: time.Duration(e.AverageResponseTimeMs * float64(time.Millisecond)),
		Enabled:             utils.DerefOr(e.Enabled, true),
	}
}

// normalizeCapabilities trims the names and drops blanks and duplicates.
func normalizeCapabilities(capabilities []string) []string {
	trimmed := array.Map(capabilities, strings.TrimSpace)
	return array.Unique(array.Filter(trimmed, func(capability string) bool {
		return capability != ""
	}))
}

// FieldViolation is one field that failed validation.
type FieldViolation struct {
	// Dotted path of the field. E.g., "health.failure_threshold"
	Field string

	// Offending value as found in the document.
	Value any

	// Violated rule. E.g., "gte=1"
	Rule string
}

func (v FieldViolation) String() string {
	return fmt.Sprintf("%s=%v violates %s", v.Field, v.Value, v.Rule)
}

// ConfigError is returned when the config document cannot be used at all.
type ConfigError struct {
	Violations []FieldViolation
	Cause      error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid config: %v", e.Cause)
	}
	return fmt.Sprintf("invalid config: %s", joinViolations(e.Violations))
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ValidationError is returned when a single endpoint entry or patch is invalid.
type ValidationError struct {
	EndpointID string
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid endpoint %q: %s", e.EndpointID, joinViolations(e.Violations))
}

func joinViolations(violations []FieldViolation) string {
	parts := make([]string, 0, len(violations))
	for _, violation := range violations {
		parts = append(parts, violation.String())
	}
	return strings.Join(parts, ", ")
}

// Validate checks the global settings. Endpoint entries are not checked here.
func Validate(config *Config) error {
	violations := violationsOf(validate.Struct(config))
	if len(violations) > 0 {
		return &ConfigError{Violations: violations}
	}
	return nil
}

// ValidateEndpoint checks a single endpoint entry and reports every
// offending field.
func ValidateEndpoint(entry *EndpointConfig) error {
	violations := violationsOf(validate.Struct(entry))
	if len(normalizeCapabilities(entry.Capabilities)) == 0 && len(entry.Capabilities) > 0 {
		violations = append(violations, FieldViolation{Field: "capabilities", Value: entry.Capabilities, Rule: "non-blank"})
	}
	if len(violations) > 0 {
		return &ValidationError{EndpointID: entry.ID, Violations: violations}
	}
	return nil
}

// ValidateDescriptor applies the same rules to a descriptor produced by a patch.
func ValidateDescriptor(descriptor *modelrouter.EndpointDescriptor) error {
	var violations []FieldViolation
	if descriptor.ID == "" {
		violations = append(violations, FieldViolation{Field: "id", Value: descriptor.ID, Rule: "required"})
	}
	if descriptor.ProviderID == "" {
		violations = append(violations, FieldViolation{Field: "provider", Value: descriptor.ProviderID, Rule: "required"})
	}
	if len(normalizeCapabilities(descriptor.Capabilities)) == 0 {
		violations = append(violations, FieldViolation{Field: "capabilities", Value: descriptor.Capabilities, Rule: "min=1"})
	}
	if descriptor.CostPer1kInput < 0 {
		violations = append(violations, FieldViolation{Field: "cost_per_1k_input_tokens", Value: descriptor.CostPer1kInput, Rule: "gte=0"})
	}
	if descriptor.CostPer1kOutput < 0 {
		violations = append(violations, FieldViolation{Field: "cost_per_1k_output_tokens", Value: descriptor.CostPer1kOutput, Rule: "gte=0"})
	}
	if descriptor.RateLimits.RequestsPerMinute < 1 {
		violations = append(violations, FieldViolation{Field: "rate_limits.requests_per_minute", Value: descriptor.RateLimits.RequestsPerMinute, Rule: "gte=1"})
	}
	if descriptor.RateLimits.TokensPerMinute < 1 {
		violations = append(violations, FieldViolation{Field: "rate_limits.tokens_per_minute", Value: descriptor.RateLimits.TokensPerMinute, Rule: "gte=1"})
	}
	if descriptor.ContextWindow < 1 {
		violations = append(violations, FieldViolation{Field: "context_window", Value: descriptor.ContextWindow, Rule: "gte=1"})
	}
	if descriptor.AverageResponseTime < 0 {
		violations = append(violations, FieldViolation{Field: "average_response_time_ms", Value: descriptor.AverageResponseTime, Rule: "gte=0"})
	}
	if len(violations) > 0 {
		return &ValidationError{EndpointID: descriptor.ID, Violations: violations}
	}
	return nil
}

func violationsOf(err error) []FieldViolation {
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []FieldViolation{{Field: "", Value: nil, Rule: err.Error()}}
	}
	violations := make([]FieldViolation, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		rule := fieldError.Tag()
		if fieldError.Param() != "" {
			rule = fmt.Sprintf("%s=%s", rule, fieldError.Param())
		}
		violations = append(violations, FieldViolation{
			Field: fieldPath(fieldError.Namespace()),
			Value: fieldError.Value(),
			Rule:  rule,
		})
	}
	return violations
}

// Drops the root struct name from a validator namespace.
// E.g., "Config.health.failure_threshold" -> "health.failure_threshold"
func fieldPath(namespace string) string {
	if index := strings.Index(namespace, "."); index >= 0 {
		return namespace[index+1:]
	}
	return namespace
}
