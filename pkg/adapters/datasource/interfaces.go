package datasource

import (
	"context"
	"time"

	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// ConnectionTester tests source connectivity.
// Each implementation owns its connection and must be closed when done.
type ConnectionTester interface {
	// TestConnection verifies the source is reachable with valid credentials.
	// Returns nil if connection is healthy, error otherwise.
	TestConnection(ctx context.Context) error

	// Close releases the source connection.
	Close() error
}

// MetadataSource is the capability contract every source kind implements.
// The extractor consumes nothing else.
type MetadataSource interface {
	ConnectionTester

	// ListScopes returns independent partitions of the source (schemas,
	// sub-trees, API tags) that may be listed concurrently.
	ListScopes(ctx context.Context) ([]string, error)

	// ListObjects returns one page of object descriptors for a scope.
	// An empty pageToken requests the first page. Order is stable within one
	// extraction run so a page can be re-requested with the same token.
	ListObjects(ctx context.Context, scope, pageToken string) (*ObjectPage, error)

	// ReadObjectDetail returns the attributes of one listed object.
	ReadObjectDetail(ctx context.Context, obj ObjectDescriptor) (*ObjectDetail, error)
}

// ObjectDescriptor identifies one object listed by a source.
type ObjectDescriptor struct {
	Scope   string
	Kind    models.RecordKind
	Locator map[string]string
	// ModifiedAt is the modification marker. Zero when the source has none,
	// in which case incremental runs always include the object.
	ModifiedAt time.Time
}

// HasMarker reports whether the source supplied a modification marker.
func (d ObjectDescriptor) HasMarker() bool {
	return !d.ModifiedAt.IsZero()
}

// ModifiedSince reports whether the object must be included in an incremental
// scan starting at since. Objects without a marker are always included.
func (d ObjectDescriptor) ModifiedSince(since time.Time) bool {
	if !d.HasMarker() {
		return true
	}
	return d.ModifiedAt.After(since)
}

// ObjectPage is one page of ListObjects results.
type ObjectPage struct {
	Objects []ObjectDescriptor
	// NextPageToken is empty on the last page.
	NextPageToken string
}

// ObjectDetail holds attributes read for one object.
type ObjectDetail struct {
	Attributes map[string]any
	Columns    []models.RawColumn
}
