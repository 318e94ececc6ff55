package datasource

import (
	"context"
	"slices"
	"sync"
)

// SourceInfo describes a registered source adapter.
type SourceInfo struct {
	Type        string `json:"type"`         // "mssql", "postgres", "filesystem", "api"
	DisplayName string `json:"display_name"` // "Microsoft SQL Server"
	Description string `json:"description"`
}

// SourceRegistration contains info + factory for creating sources.
type SourceRegistration struct {
	Info    SourceInfo
	Factory func(ctx context.Context, params SourceParams) (MetadataSource, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]SourceRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg SourceRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredSources returns info for all registered adapters, sorted by type.
func RegisteredSources() []SourceInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]SourceInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	slices.SortFunc(result, func(a, b SourceInfo) int {
		switch {
		case a.Type < b.Type:
			return -1
		case a.Type > b.Type:
			return 1
		}
		return 0
	})
	return result
}

// GetFactory returns the factory for a source type.
// Returns nil if type is not registered.
func GetFactory(sourceType string) func(ctx context.Context, params SourceParams) (MetadataSource, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[sourceType]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered checks if a source type is available.
func IsRegistered(sourceType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[sourceType]
	return ok
}
