package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chatdock/chatdock/internal/event"
)

// Registry holds all registered channel adapters and provides dispatch by
// provider. It must be created via NewRegistry and passed explicitly to the
// components that need it; there is no ambient global registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[event.Provider]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[event.Provider]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is nil")
	}
	provider := adapter.Provider()
	if provider == "" {
		return errors.New("adapter provider is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[provider]; exists {
		return fmt.Errorf("provider already registered: %s", provider)
	}
	r.adapters[provider] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given provider.
func (r *Registry) Get(provider event.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[provider]
	return adapter, ok
}

// Sender returns the provider's adapter if it can deliver outbound messages.
func (r *Registry) Sender(provider event.Provider) (Sender, bool) {
	adapter, ok := r.Get(provider)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// MatchPolicy returns the provider's secondary-match policy, or nil when the
// adapter does not define one.
func (r *Registry) MatchPolicy(provider event.Provider) MatchPolicy {
	adapter, ok := r.Get(provider)
	if !ok {
		return nil
	}
	policy, ok := adapter.(MatchPolicy)
	if !ok {
		return nil
	}
	return policy
}

// Providers returns all registered provider types.
func (r *Registry) Providers() []event.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]event.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		items = append(items, p)
	}
	return items
}
