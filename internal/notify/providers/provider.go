package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jbenholt/drupal-samlauth/internal/config"
)

// ErrProviderNotConfigured is returned when a provider is missing required
// configuration
var ErrProviderNotConfigured = errors.New("notification provider not configured")

// Provider sends a single notification message
type Provider interface {
	// Initialize validates and applies the provider's configuration
	Initialize(cfg config.NotifyConfig) error
	// Send delivers one message
	Send(ctx context.Context, to, subject, body string) error
	// Name returns the provider's registry name
	Name() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Provider)
)

// Register adds a provider factory under a name. Called from provider
// init functions.
func Register(name string, factory func() Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds and initializes the named provider
func New(name string, cfg config.NotifyConfig) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown notification provider: %s", name)
	}

	provider := factory()
	if err := provider.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize %s provider: %w", name, err)
	}
	return provider, nil
}
