package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/modelrouter/config"
)

func TestNewAdapter(t *testing.T) {
	tests := []struct {
		name        string
		providerID  string
		credentials config.ProviderCredentials
		wantErr     bool
	}{
		{"claude", "claude", config.ProviderCredentials{ApiKey: "key"}, false},
		{"ollama default url", "ollama", config.ProviderCredentials{}, false},
		{"openai default url", "openai", config.ProviderCredentials{ApiKey: "key"}, false},
		{"openai compatible", "groq", config.ProviderCredentials{ApiKey: "key", BaseUrl: "https://api.groq.com/openai/v1"}, false},
		{"openai compatible without url", "groq", config.ProviderCredentials{ApiKey: "key"}, true},
		{"invalid url", "mistral", config.ProviderCredentials{BaseUrl: "not a url"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := newAdapter(context.Background(), tt.providerID, &tt.credentials)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.providerID, adapter.Provider())
		})
	}
}

func TestNewAdaptersSkipsBrokenProviders(t *testing.T) {
	adapters := newAdapters(context.Background(), map[string]*config.ProviderCredentials{
		"openai": {ApiKey: "key"},
		"groq":   {ApiKey: "key"},
		"ollama": nil,
	}, zaptest.NewLogger(t).Sugar())

	assert.Len(t, adapters, 2)
	assert.Contains(t, adapters, "openai")
	assert.Contains(t, adapters, "ollama")
}
