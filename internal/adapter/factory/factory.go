// Package factory maps provider names to adapter instances. Adapters are
// built lazily on first use and reused for the factory's lifetime; adding
// a vendor means registering one more builder.
package factory

import (
	"strings"
	"sync"

	"github.com/streamkit/streamkit/internal/adapter"
	"github.com/streamkit/streamkit/internal/adapter/azure"
	"github.com/streamkit/streamkit/internal/adapter/bedrock"
	"github.com/streamkit/streamkit/internal/adapter/gemini"
	"github.com/streamkit/streamkit/internal/adapter/openai"
	"github.com/streamkit/streamkit/internal/settings"
	"github.com/streamkit/streamkit/internal/streamerr"
)

// Builder constructs an adapter on first use.
type Builder func() (adapter.Adapter, error)

// Factory resolves provider names to adapters.
type Factory struct {
	mu        sync.Mutex
	builders  map[string]Builder
	instances map[string]adapter.Adapter
}

// New returns an empty factory.
func New() *Factory {
	return &Factory{
		builders:  make(map[string]Builder),
		instances: make(map[string]adapter.Adapter),
	}
}

// Options configures the default vendor set.
type Options struct {
	Settings        settings.Provider
	OpenAIBaseURL   string
	OpenAIOrg       string
	BedrockBaseURL  string
	BedrockRegion   string
	GeminiBaseURL   string
	AzureBaseURL    string
	AzureAPIVersion string
}

// NewDefault returns a factory with the four built-in vendors registered.
// The Azure builder is registered only when an endpoint is configured.
func NewDefault(opts Options) *Factory {
	f := New()
	f.Register("openai", func() (adapter.Adapter, error) {
		return openai.New(openai.Config{
			Settings:     opts.Settings,
			BaseURL:      opts.OpenAIBaseURL,
			Organization: opts.OpenAIOrg,
		})
	})
	f.Register("amazon-bedrock", func() (adapter.Adapter, error) {
		return bedrock.New(bedrock.Config{
			Settings: opts.Settings,
			BaseURL:  opts.BedrockBaseURL,
			Region:   opts.BedrockRegion,
		})
	})
	f.Register("google", func() (adapter.Adapter, error) {
		return gemini.New(gemini.Config{
			Settings: opts.Settings,
			BaseURL:  opts.GeminiBaseURL,
		})
	})
	if opts.AzureBaseURL != "" {
		f.Register("azure", func() (adapter.Adapter, error) {
			return azure.New(azure.Config{
				Settings:   opts.Settings,
				BaseURL:    opts.AzureBaseURL,
				APIVersion: opts.AzureAPIVersion,
			})
		})
	}
	return f
}

// Register adds or replaces the builder for a provider name.
func (f *Factory) Register(name string, b Builder) {
	name = strings.ToLower(strings.TrimSpace(name))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[name] = b
	delete(f.instances, name)
}

// Create returns the adapter for the provider name, constructing it on
// first use. Unknown names are configuration errors.
func (f *Factory) Create(name string) (adapter.Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.instances[key]; ok {
		return a, nil
	}
	b, ok := f.builders[key]
	if !ok {
		return nil, streamerr.Newf(streamerr.KindConfiguration, name, "", "unknown provider %q", name)
	}
	a, err := b()
	if err != nil {
		return nil, err
	}
	f.instances[key] = a
	return a, nil
}

// Providers lists the registered provider names.
func (f *Factory) Providers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	return names
}
