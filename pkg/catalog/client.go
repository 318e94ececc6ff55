// Package catalog writes entities into the metadata catalog.
package catalog

import (
	"context"

	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// EntityResult is the catalog's verdict for one upserted entity.
type EntityResult struct {
	QualifiedName string
	TypeName      models.EntityType
	Outcome       models.Outcome
	GUID          string
}

// Client is the catalog ingestion interface used by the batch ingestor.
//
// BulkUpsert treats the qualified name as the natural key: an entity whose
// qualified name already exists is updated, anything else is created. It returns
// one result per input entity, in input order, or a classified error for the
// whole batch.
type Client interface {
	BulkUpsert(ctx context.Context, entities []models.Entity) ([]EntityResult, error)
	TypeExists(ctx context.Context, typeName string) (bool, error)
}
