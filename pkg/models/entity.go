package models

import (
	"maps"
	"slices"
)

// EntityType is an Atlas type name understood by the catalog.
type EntityType string

const (
	EntityTypeDatabase EntityType = "rdbms_db"
	EntityTypeSchema   EntityType = "rdbms_schema"
	EntityTypeTable    EntityType = "rdbms_table"
	EntityTypeColumn   EntityType = "rdbms_column"
	EntityTypeFSPath   EntityType = "fs_path"
	EntityTypeDataSet  EntityType = "DataSet"
)

// KnownEntityTypes lists every type the transformer can emit.
var KnownEntityTypes = []EntityType{
	EntityTypeDatabase,
	EntityTypeSchema,
	EntityTypeTable,
	EntityTypeColumn,
	EntityTypeFSPath,
	EntityTypeDataSet,
}

// Well-known attribute names.
const (
	AttrQualifiedName = "qualifiedName"
	AttrName          = "name"
	AttrDescription   = "description"
)

// RelationshipRef references another entity by qualified name.
// The target does not need to exist yet; the catalog resolves it at ingestion time.
type RelationshipRef struct {
	Attribute     string     `json:"attribute"` // relationship attribute on the owning entity, e.g. "table"
	TypeName      EntityType `json:"type_name"`
	QualifiedName string     `json:"qualified_name"`
}

// Classification is a label such as "EmailAddress" attached to an entity.
type Classification struct {
	TypeName string `json:"type_name"`
}

// Entity is a normalized unit of catalog metadata.
// QualifiedName is the idempotency key: ingesting the same qualified name again updates
// the existing catalog object instead of creating a new one.
type Entity struct {
	TypeName        EntityType        `json:"type_name"`
	QualifiedName   string            `json:"qualified_name"`
	Attributes      map[string]any    `json:"attributes"`
	Relationships   []RelationshipRef `json:"relationships,omitempty"`
	Classifications []Classification  `json:"classifications,omitempty"`
}

// Key identifies an entity uniquely within the catalog.
func (e Entity) Key() string {
	return string(e.TypeName) + "|" + e.QualifiedName
}

// Name returns the display name attribute.
func (e Entity) Name() string {
	name, _ := e.Attributes[AttrName].(string)
	return name
}

// Clone returns a deep-enough copy that callers may mutate freely.
func (e Entity) Clone() Entity {
	return Entity{
		TypeName:        e.TypeName,
		QualifiedName:   e.QualifiedName,
		Attributes:      maps.Clone(e.Attributes),
		Relationships:   slices.Clone(e.Relationships),
		Classifications: slices.Clone(e.Classifications),
	}
}
