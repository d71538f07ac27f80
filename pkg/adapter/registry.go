package adapter

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Factory creates an unconnected adapter.
type Factory func(*slog.Logger) Adapter

// source is one registered schema source.
type source struct {
	factory Factory
	// platforms whose catalogs the source can seed.
	platforms []string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]source)
)

// Register adds a schema source under name. platforms lists the query
// platforms whose urns the source's tables can stand for; the source's
// own name is always included. Called from init() by adapter packages.
func Register(name string, factory Factory, platforms ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	ps := append([]string{name}, platforms...)
	slices.Sort(ps)
	registry[name] = source{factory: factory, platforms: slices.Compact(ps)}
}

// Get retrieves an adapter factory by name.
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s.factory, ok
}

// NewAdapter creates an unconnected adapter for cfg.Type.
// A nil logger uses a discard logger.
func NewAdapter(cfg Config, logger *slog.Logger) (Adapter, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("adapter type not specified")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	factory, ok := Get(cfg.Type)
	if !ok {
		return nil, &UnknownAdapterError{
			Type:      cfg.Type,
			Available: ListAdapters(),
		}
	}
	return factory(logger), nil
}

// ListAdapters returns all registered adapter names (sorted).
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if an adapter type is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Platforms returns the platforms a source can seed, or nil when name
// is not registered.
func Platforms(name string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Clone(registry[name].platforms)
}

// Seeds reports whether tables read by the named source can be stored
// under urns of platform. Syncing a redshift catalog through the
// postgres source is fine; through duckdb it is not.
func Seeds(name, platform string) bool {
	return slices.Contains(Platforms(name), platform)
}

// UnknownAdapterError is returned when an unknown adapter type is requested.
type UnknownAdapterError struct {
	Type      string
	Available []string
}

func (e *UnknownAdapterError) Error() string {
	return fmt.Sprintf("unknown adapter type %q\nAvailable adapters: %v\nHint: Check sync.type in leaplineage.yaml", e.Type, e.Available)
}
