package providers

import (
	"sync"

	"github.com/satchel-app/satchel/core/errors"
)

// Registry manages provider instances and routes requests by provider
// type or model id.
type Registry struct {
	mu sync.RWMutex

	providers map[ProviderType]Provider
	default_  ProviderType
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[ProviderType]Provider),
	}
}

// Register adds a provider to the registry. The first registered provider
// becomes the default.
func (r *Registry) Register(providerType ProviderType, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[providerType] = provider

	if len(r.providers) == 1 {
		r.default_ = providerType
	}
}

// RegisterAnthropic creates and registers an Anthropic provider.
func (r *Registry) RegisterAnthropic(config AnthropicConfig) error {
	provider, err := NewAnthropicProvider(config)
	if err != nil {
		return err
	}
	r.Register(ProviderTypeAnthropic, provider)
	return nil
}

// RegisterOpenAI creates and registers an OpenAI provider.
func (r *Registry) RegisterOpenAI(config OpenAIConfig) error {
	provider, err := NewOpenAIProvider(config)
	if err != nil {
		return err
	}
	r.Register(ProviderTypeOpenAI, provider)
	return nil
}

// Get returns a provider by type.
func (r *Registry) Get(providerType ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerType]
	if !ok {
		return nil, errors.Configuration("provider not registered: %s", providerType)
	}
	return provider, nil
}

// ForModel returns the provider that serves the given model id, falling
// back to the default provider when no registered provider claims it.
func (r *Registry) ForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model != "" {
		for _, provider := range r.providers {
			if provider.SupportsModel(model) {
				return provider, nil
			}
		}
	}
	return r.defaultLocked()
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultLocked()
}

func (r *Registry) defaultLocked() (Provider, error) {
	if r.default_ == "" {
		return nil, errors.Configuration("no provider registered")
	}
	return r.providers[r.default_], nil
}

// SetDefault sets the default provider.
func (r *Registry) SetDefault(providerType ProviderType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[providerType]; !ok {
		return errors.Configuration("provider not registered: %s", providerType)
	}
	r.default_ = providerType
	return nil
}

// Available returns all registered provider types.
func (r *Registry) Available() []ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]ProviderType, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	return types
}

// Has checks if a provider type is registered.
func (r *Registry) Has(providerType ProviderType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.providers[providerType]
	return ok
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, provider := range r.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.providers = make(map[ProviderType]Provider)
	r.default_ = ""
	return firstErr
}
