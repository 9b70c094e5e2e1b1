package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yanolja/modelrouter/utils/env"
)

// Duration is a time.Duration that reads from YAML strings such as "90s".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var value string
	if err := node.Decode(&value); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %v", node.Line, err)
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %v", node.Line, value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type HealthConfig struct {
	// Base interval between probes of a live endpoint.
	ProbeInterval Duration `yaml:"probe_interval" validate:"gt=0"`

	// Timeout of a single probe call.
	ProbeTimeout Duration `yaml:"probe_timeout" validate:"gt=0"`

	// Consecutive failed probes that make an endpoint unavailable.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// Probe delays indexed by consecutive failures, the last one is the cap.
	// E.g., [60s, 120s, 300s]
	Backoff []Duration `yaml:"backoff" validate:"min=1,dive,gt=0"`
}

type RateLimitConfig struct {
	// Percent of a declared limit at which an endpoint becomes rate-limited.
	ThresholdPercent float64 `yaml:"threshold_percent" validate:"gt=0,lte=100"`

	// Length of the sliding window.
	Window Duration `yaml:"window" validate:"gt=0"`

	// Interval to import rate-limit marks written by other instances.
	SyncInterval Duration `yaml:"sync_interval" validate:"gte=0"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Size bound of the response cache in megabytes.
	MaxSizeMB int `yaml:"max_size_mb" validate:"gte=1"`

	DefaultTTL Duration `yaml:"default_ttl" validate:"gt=0"`

	EvictionInterval Duration `yaml:"eviction_interval" validate:"gt=0"`
}

type BudgetConfig struct {
	// Daily cost budget in dollars. Zero disables budget tracking.
	DailyBudget float64 `yaml:"daily_budget" validate:"gte=0"`

	// Percent of the daily budget at which an alert fires.
	AlertThresholdPercent float64 `yaml:"alert_threshold_percent" validate:"gt=0,lte=100"`

	// Denies requests once the daily budget is spent.
	Enforce bool `yaml:"enforce"`
}

type QualityConfig struct {
	Enabled bool `yaml:"enabled"`

	// Scores below this value count toward a switch recommendation.
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`

	// Number of recent scores kept per endpoint.
	Window int `yaml:"window" validate:"gte=1"`

	// Sub-threshold scores within the window that raise a recommendation.
	MinBelowThreshold int `yaml:"min_below_threshold" validate:"gte=1,ltefield=Window"`
}

type FailoverConfig struct {
	// Retries in place after a transient error, and queued retries when no
	// endpoint is eligible.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`

	// First backoff delay. Doubles on every retry.
	BaseBackoff Duration `yaml:"base_backoff" validate:"gt=0"`

	// An alert fires when an endpoint has more failover events than this
	// within the alert window.
	AlertThreshold int `yaml:"alert_threshold" validate:"gte=1"`

	AlertWindow Duration `yaml:"alert_window" validate:"gt=0"`
}

type ConcurrencyConfig struct {
	// Maximum in-flight calls per provider.
	PerProvider int `yaml:"per_provider" validate:"gte=1"`

	// Overrides per provider id. E.g., {"ollama": 2}
	Overrides map[string]int `yaml:"overrides" validate:"dive,gte=1"`
}

func (c ConcurrencyConfig) LimitFor(providerID string) int {
	if limit, ok := c.Overrides[providerID]; ok {
		return limit
	}
	return c.PerProvider
}

type ProviderCredentials struct {
	ApiKey  string `yaml:"api_key"`
	BaseUrl string `yaml:"base_url" validate:"omitempty,url"`
	Region  string `yaml:"region"`

	// Static AWS keys. The default credential chain is used when empty.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key" validate:"required_with=AccessKey"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// OTLP/HTTP collector endpoint. E.g., localhost:4318
	Endpoint string `yaml:"endpoint" validate:"required_if=Enabled true"`

	Insecure bool `yaml:"insecure"`

	ServiceName string `yaml:"service_name"`

	// Fraction of root traces to sample, 0.0 to 1.0.
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// Config represents the full application configuration
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// Valkey (open-source version of Redis) endpoint to share rate-limit marks
	// between router instances. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Postgres connection string for persisting telemetry. Empty keeps
	// telemetry in memory only.
	DatabaseUrl string `yaml:"database_url"`

	// Static API key. Callers send it in the Authorization header with the
	// Bearer scheme.
	ApiKey string `yaml:"-"`

	// HMAC secret for bearer JWTs. Accepted in addition to ApiKey.
	JwtSecret string `yaml:"-"`

	// Timeout of a single dispatch attempt.
	AttemptTimeout Duration `yaml:"attempt_timeout" validate:"gt=0"`

	Health      HealthConfig      `yaml:"health"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Cache       CacheConfig       `yaml:"cache"`
	Budget      BudgetConfig      `yaml:"budget"`
	Quality     QualityConfig     `yaml:"quality"`
	Failover    FailoverConfig    `yaml:"failover"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Tracing     TracingConfig     `yaml:"tracing"`

	// Credentials and base URLs keyed by provider id.
	Providers map[string]*ProviderCredentials `yaml:"providers" validate:"dive"`

	// Endpoint entries are validated one by one by the registry, so a bad
	// entry never fails the whole document.
	Endpoints []EndpointConfig `yaml:"endpoints" validate:"-"`
}

func Default() Config {
	return Config{
		Port:           8080,
		AttemptTimeout: Duration(60 * time.Second),
		Health: HealthConfig{
			ProbeInterval:    Duration(60 * time.Second),
			ProbeTimeout:     Duration(10 * time.Second),
			FailureThreshold: 3,
			Backoff: []Duration{
				Duration(60 * time.Second),
				Duration(120 * time.Second),
				Duration(300 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			ThresholdPercent: 90,
			Window:           Duration(60 * time.Second),
			SyncInterval:     Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:          true,
			MaxSizeMB:        1000,
			DefaultTTL:       Duration(time.Hour),
			EvictionInterval: Duration(5 * time.Minute),
		},
		Budget: BudgetConfig{
			DailyBudget:           100,
			AlertThresholdPercent: 80,
		},
		Quality: QualityConfig{
			Enabled:           true,
			Threshold:         0.7,
			Window:            10,
			MinBelowThreshold: 3,
		},
		Failover: FailoverConfig{
			MaxRetries:     3,
			BaseBackoff:    Duration(2 * time.Second),
			AlertThreshold: 3,
			AlertWindow:    Duration(time.Hour),
		},
		Concurrency: ConcurrencyConfig{
			PerProvider: 10,
		},
		Tracing: TracingConfig{
			ServiceName: "modelrouter",
			SampleRatio: 1,
		},
		Providers: map[string]*ProviderCredentials{},
	}
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := ReadSource(configSource, configToken, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}
	return Parse(configData)
}

// ReadSource reads a config document from a local path or an http(s) URL.
func ReadSource(source string, token string, logger *zap.SugaredLogger) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		logger.Infow("Fetching remote config", "url", source)
		return fetchRemoteConfig(source, token)
	}
	logger.Infow("Loading local config", "path", source)
	return os.ReadFile(source)
}

// Parse builds a configuration from defaults, the YAML document and the
// environment, in that order of precedence from lowest to highest. Parsing
// the same document twice yields the same configuration.
func Parse(data []byte) (*Config, error) {
	config := Default()

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &ConfigError{Cause: fmt.Errorf("failed to parse config: %v", err)}
	}

	applyEnvironment(&config)

	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Overrides config with environment variables.
// Therefore, the values from the environment variables precede the values from the YAML file.
func applyEnvironment(config *Config) {
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.DatabaseUrl = env.OptionalStringVariable("DATABASE_URL", config.DatabaseUrl)
	config.ApiKey = env.OptionalStringVariable("ROUTER_API_KEY", config.ApiKey)
	config.JwtSecret = env.OptionalStringVariable("JWT_SECRET", config.JwtSecret)
	config.Budget.DailyBudget = env.OptionalFloatVariable("DAILY_BUDGET", config.Budget.DailyBudget)
	config.Quality.Enabled = env.OptionalBoolVariable("QUALITY_EVALUATION_ENABLED", config.Quality.Enabled)
	config.Cache.Enabled = env.OptionalBoolVariable("CACHE_ENABLED", config.Cache.Enabled)
	config.AttemptTimeout = Duration(env.OptionalDurationVariable("ATTEMPT_TIMEOUT", config.AttemptTimeout.Std()))
	config.Health.ProbeInterval = Duration(env.OptionalDurationVariable("HEALTH_PROBE_INTERVAL", config.Health.ProbeInterval.Std()))

	overrideCredential(config, "openai", "OPENAI_API_KEY", "OPENAI_BASE_URL", "")
	overrideCredential(config, "claude", "CLAUDE_API_KEY", "", "")
	overrideCredential(config, "gemini", "GEMINI_API_KEY", "", "")
	overrideCredential(config, "bedrock", "", "", "AWS_REGION")
	overrideCredential(config, "ollama", "", "OLLAMA_BASE_URL", "")
}

func overrideCredential(config *Config, providerID string, keyEnv string, urlEnv string, regionEnv string) {
	credentials := config.Providers[providerID]
	if credentials == nil {
		credentials = &ProviderCredentials{}
	}
	if keyEnv != "" {
		credentials.ApiKey = env.OptionalStringVariable(keyEnv, credentials.ApiKey)
	}
	if urlEnv != "" {
		credentials.BaseUrl = env.OptionalStringVariable(urlEnv, credentials.BaseUrl)
	}
	if regionEnv != "" {
		credentials.Region = env.OptionalStringVariable(regionEnv, credentials.Region)
	}
	if *credentials != (ProviderCredentials{}) || config.Providers[providerID] != nil {
		config.Providers[providerID] = credentials
	}
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
