package datasource

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
)

// SourceFactory creates metadata sources from the registry.
type SourceFactory interface {
	// NewSource opens a source of the given type.
	NewSource(ctx context.Context, sourceType string, params SourceParams) (MetadataSource, error)

	// ListTypes returns info for all registered source types.
	ListTypes() []SourceInfo
}

type registryFactory struct{}

// NewSourceFactory returns a factory that uses the global registry.
func NewSourceFactory() SourceFactory {
	return &registryFactory{}
}

func (f *registryFactory) NewSource(ctx context.Context, sourceType string, params SourceParams) (MetadataSource, error) {
	factory := GetFactory(sourceType)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s (not compiled in)", apperrors.ErrUnknownSource, sourceType)
	}
	return factory(ctx, params)
}

func (f *registryFactory) ListTypes() []SourceInfo {
	return RegisteredSources()
}

// Ensure registryFactory implements SourceFactory at compile time.
var _ SourceFactory = (*registryFactory)(nil)
