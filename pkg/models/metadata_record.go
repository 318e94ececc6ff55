package models

import (
	"maps"
	"slices"
	"time"
)

// RecordKind identifies what kind of source object a RawMetadataRecord describes.
type RecordKind string

const (
	RecordKindTable       RecordKind = "table"
	RecordKindView        RecordKind = "view"
	RecordKindFile        RecordKind = "file"
	RecordKindDirectory   RecordKind = "directory"
	RecordKindAPIEndpoint RecordKind = "api_endpoint"
)

// Locator keys used by the source adapters. Together they form the source
// coordinates that qualified names are derived from.
const (
	LocatorHost     = "host"
	LocatorDatabase = "database"
	LocatorSchema   = "schema"
	LocatorTable    = "table"
	LocatorRoot     = "root"
	LocatorPath     = "path"
	LocatorBaseURL  = "base_url"
	LocatorMethod   = "method"
)

// RawColumn is a column as reported by a relational source.
type RawColumn struct {
	Name            string `json:"name"`
	DataType        string `json:"data_type"`
	IsNullable      bool   `json:"is_nullable"`
	IsPrimaryKey    bool   `json:"is_primary_key"`
	OrdinalPosition int    `json:"ordinal_position"`
}

// RawMetadataRecord is a source-specific description of one object, produced by
// the extractor and consumed only by the transformer.
// Records are never mutated after construction.
type RawMetadataRecord struct {
	SourceID   string            `json:"source_id"`
	SourceType string            `json:"source_type"`
	Kind       RecordKind        `json:"kind"`
	Locator    map[string]string `json:"locator"`
	Attributes map[string]any    `json:"attributes,omitempty"`
	Columns    []RawColumn       `json:"columns,omitempty"`
	// ModifiedAt is the source's modification marker. Zero means the source
	// could not report one.
	ModifiedAt time.Time `json:"modified_at"`
}

// NewRawMetadataRecord builds a record that owns copies of the given maps and slices.
func NewRawMetadataRecord(sourceID, sourceType string, kind RecordKind, locator map[string]string, attributes map[string]any, columns []RawColumn, modifiedAt time.Time) RawMetadataRecord {
	return RawMetadataRecord{
		SourceID:   sourceID,
		SourceType: sourceType,
		Kind:       kind,
		Locator:    maps.Clone(locator),
		Attributes: maps.Clone(attributes),
		Columns:    slices.Clone(columns),
		ModifiedAt: modifiedAt,
	}
}

// Coordinate returns a locator value, or "" when absent.
func (r RawMetadataRecord) Coordinate(key string) string {
	if r.Locator == nil {
		return ""
	}
	return r.Locator[key]
}

// Describe returns a short human-readable identification of the record for error reports.
func (r RawMetadataRecord) Describe() string {
	switch r.Kind {
	case RecordKindTable, RecordKindView:
		return string(r.Kind) + " " + r.Coordinate(LocatorSchema) + "." + r.Coordinate(LocatorTable)
	case RecordKindFile, RecordKindDirectory:
		return string(r.Kind) + " " + r.Coordinate(LocatorPath)
	case RecordKindAPIEndpoint:
		return r.Coordinate(LocatorMethod) + " " + r.Coordinate(LocatorPath)
	default:
		return string(r.Kind)
	}
}
