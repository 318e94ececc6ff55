package catalog

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// MemoryCatalog is an in-process catalog with the same upsert semantics as
// the Atlas client. It backs dry runs.
type MemoryCatalog struct {
	mu       sync.Mutex
	types    map[models.EntityType]bool
	entities map[string]storedEntity
	requests int
}

type storedEntity struct {
	guid   string
	entity models.Entity
}

// NewMemoryCatalog creates a catalog that knows the given types, or every
// type the transformer emits when none are given.
func NewMemoryCatalog(types ...models.EntityType) *MemoryCatalog {
	if len(types) == 0 {
		types = models.KnownEntityTypes
	}
	known := make(map[models.EntityType]bool, len(types))
	for _, t := range types {
		known[t] = true
	}
	return &MemoryCatalog{
		types:    known,
		entities: make(map[string]storedEntity),
	}
}

// BulkUpsert stores every entity, reporting Created for new qualified names
// and Updated for existing ones. A batch containing an unknown type is
// rejected as a whole, like the real catalog does.
func (c *MemoryCatalog) BulkUpsert(ctx context.Context, entities []models.Entity) ([]EntityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++

	for _, e := range entities {
		if !c.types[e.TypeName] {
			return nil, apperrors.PermanentIngestion(e.QualifiedName, 400,
				apperrors.SchemaMapping(string(e.TypeName), "unknown entity type"))
		}
	}

	results := make([]EntityResult, 0, len(entities))
	for _, e := range entities {
		key := e.Key()
		stored, exists := c.entities[key]
		outcome := models.OutcomeUpdated
		if !exists {
			stored.guid = uuid.NewString()
			outcome = models.OutcomeCreated
		}
		stored.entity = e.Clone()
		c.entities[key] = stored

		results = append(results, EntityResult{
			QualifiedName: e.QualifiedName,
			TypeName:      e.TypeName,
			Outcome:       outcome,
			GUID:          stored.guid,
		})
	}
	return results, nil
}

// TypeExists reports whether the type was registered.
func (c *MemoryCatalog) TypeExists(ctx context.Context, typeName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.types[models.EntityType(typeName)], nil
}

// Get returns a stored entity.
func (c *MemoryCatalog) Get(typeName models.EntityType, qualifiedName string) (models.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.entities[models.Entity{TypeName: typeName, QualifiedName: qualifiedName}.Key()]
	if !ok {
		return models.Entity{}, false
	}
	return stored.entity.Clone(), true
}

// Len returns the number of distinct catalog objects.
func (c *MemoryCatalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

// QualifiedNames returns every stored qualified name, sorted.
func (c *MemoryCatalog) QualifiedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entities))
	for _, stored := range c.entities {
		names = append(names, stored.entity.QualifiedName)
	}
	slices.Sort(names)
	return names
}

// Requests returns how many BulkUpsert calls were made.
func (c *MemoryCatalog) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}
