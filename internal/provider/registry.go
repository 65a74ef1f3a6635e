package provider

import (
	"fmt"

	"github.com/howard-nolan/edgeproxy/internal/config"
)

// factory builds an adapter from its configured key and base URL.
type factory func(apiKey, baseURL string) Adapter

// constructors maps provider names (from config) to the function that
// creates them. Adding a provider means adding an entry here.
var constructors = map[string]factory{
	"edenai": func(apiKey, baseURL string) Adapter {
		return NewEdenAIProvider(apiKey, baseURL)
	},
	"google": func(apiKey, baseURL string) Adapter {
		return NewGoogleProvider(apiKey, baseURL)
	},
	"openrouter": func(apiKey, baseURL string) Adapter {
		return NewOpenRouterProvider(apiKey, baseURL)
	},
	"anthropic": func(apiKey, baseURL string) Adapter {
		return NewAnthropicProvider(apiKey, baseURL)
	},
}

// Known reports whether name has an adapter implementation.
func Known(name string) bool {
	_, ok := constructors[name]
	return ok
}

// Registry is the adapter lookup table keyed by provider name. Only
// providers with a credential are present, so "is this group configured?"
// is a single map lookup.
type Registry map[string]Adapter

// NewRegistry builds adapters for every configured provider. A provider
// without a key is skipped, not an error. A provider name with no
// implementation is an error, since it's almost certainly a typo.
func NewRegistry(providers map[string]config.ProviderConfig) (Registry, error) {
	reg := make(Registry)
	for name, pc := range providers {
		build, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider in config: %q", name)
		}
		if !pc.Configured() {
			continue
		}
		reg[name] = build(pc.APIKey, pc.BaseURL)
	}
	return reg, nil
}
