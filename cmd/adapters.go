package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/provider"
	"github.com/yanolja/modelrouter/provider/bedrock"
	"github.com/yanolja/modelrouter/provider/claude"
	"github.com/yanolja/modelrouter/provider/gemini"
	"github.com/yanolja/modelrouter/provider/ollama"
	"github.com/yanolja/modelrouter/provider/openai"
)

const openAiBaseUrl = "https://api.openai.com/v1"

// newAdapter builds the adapter of one provider. Providers other than the
// built-in ones speak the OpenAI protocol at their base URL.
func newAdapter(ctx context.Context, providerID string, credentials *config.ProviderCredentials) (provider.Adapter, error) {
	switch providerID {
	case "claude":
		return claude.NewAdapter(credentials.ApiKey, credentials.BaseUrl), nil
	case "gemini":
		return gemini.NewAdapter(ctx, credentials.ApiKey)
	case "bedrock":
		return bedrock.NewAdapter(ctx, credentials.Region, credentials.AccessKey, credentials.SecretKey)
	case "ollama":
		return ollama.NewAdapter(credentials.BaseUrl)
	case "openai":
		baseUrl := credentials.BaseUrl
		if baseUrl == "" {
			baseUrl = openAiBaseUrl
		}
		return openai.NewAdapter(providerID, baseUrl, credentials.ApiKey)
	default:
		if credentials.BaseUrl == "" {
			return nil, fmt.Errorf("base_url is required for provider %s", providerID)
		}
		return openai.NewAdapter(providerID, credentials.BaseUrl, credentials.ApiKey)
	}
}

// newAdapters skips providers whose adapter cannot be built. Their endpoints
// fail admission with a permanent error.
func newAdapters(ctx context.Context, providers map[string]*config.ProviderCredentials, logger *zap.SugaredLogger) provider.Adapters {
	adapters := make(provider.Adapters, len(providers))
	for providerID, credentials := range providers {
		if credentials == nil {
			credentials = &config.ProviderCredentials{}
		}
		adapter, err := newAdapter(ctx, providerID, credentials)
		if err != nil {
			logger.Warnw("Failed to create adapter", "provider", providerID, "error", err)
			continue
		}
		adapters[providerID] = adapter
	}
	return adapters
}
