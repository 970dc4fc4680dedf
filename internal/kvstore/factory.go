package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rzpsarthak13/docbatch/internal/core"
	"github.com/rzpsarthak13/docbatch/internal/registry"
)

// BackendFactory is the Strategy interface for creating backends.
// Each backend (Redis, DynamoDB, MySQL, memory) registers one from init().
type BackendFactory interface {
	// Create creates a new backend from the provided configuration.
	Create(ctx context.Context, cfg registry.BackendConfig, logger *slog.Logger) (core.ClosableBackend, error)

	// Type returns the type identifier for this factory (e.g., "redis", "dynamodb").
	Type() string
}

var (
	// factoryRegistry stores all registered backend factories.
	factoryRegistry = make(map[string]BackendFactory)

	// registryMutex protects factoryRegistry from concurrent access.
	registryMutex sync.RWMutex
)

// RegisterFactory registers a backend factory.
// Panics if factory is nil, its type is empty, or the type is already registered.
func RegisterFactory(factory BackendFactory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := factoryRegistry[factory.Type()]; exists {
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}

	factoryRegistry[factory.Type()] = factory
}

// Create validates cfg with the registered validator for its type and builds
// the backend with the matching factory.
func Create(ctx context.Context, cfg *registry.Config, logger *slog.Logger) (core.ClosableBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	backendType := cfg.Backend.Type
	if backendType == "" {
		return nil, fmt.Errorf("backend type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[backendType]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported backend type: %s", backendType)
	}

	if validator, ok := registry.GetValidator(backendType); ok {
		if err := validator.Validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration for %s: %w", backendType, err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	return factory.Create(ctx, cfg.Backend, logger)
}

// GetRegisteredTypes returns the sorted list of registered backend types.
func GetRegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsTypeRegistered checks if a backend type is registered.
func IsTypeRegistered(backendType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[backendType]
	return exists
}
