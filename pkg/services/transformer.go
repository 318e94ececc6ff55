package services

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// Qualified-name schemes per relational source type.
var relationalSchemes = map[string]string{
	"mssql":    "sqlserver",
	"postgres": "postgresql",
}

// Relationship attribute names.
const (
	RelTable  = "table"
	RelSchema = "dbSchema"
	RelDB     = "db"
	RelParent = "parent"
)

// columnClassifiers label columns by name. Order is the order classifications are attached.
var columnClassifiers = []struct {
	typeName string
	pattern  *regexp.Regexp
}{
	{"EmailAddress", regexp.MustCompile(`(?i)(^|_)e[-_]?mail(_?addr(ess)?)?$`)},
	{"PhoneNumber", regexp.MustCompile(`(?i)(phone|mobile|fax)(_?(no|num|number))?$`)},
	{"CreditCardNumber", regexp.MustCompile(`(?i)(credit_?card|card_?(no|num|number)|^ccn$|^pan$)`)},
	{"IPAddress", regexp.MustCompile(`(?i)(^|_)ip(_?addr(ess)?|v4|v6)?$`)},
}

// AtlasTransformer maps raw records to catalog entities.
// Transform is pure: the same records always yield byte-identical entities.
type AtlasTransformer interface {
	// Transform returns the entities of every mappable record and one error per
	// record (or column) that could not be mapped.
	Transform(records []models.RawMetadataRecord) ([]models.Entity, []RecordError)
}

type atlasTransformer struct {
	logger *zap.Logger
}

// NewAtlasTransformer creates a transformer.
func NewAtlasTransformer(logger *zap.Logger) AtlasTransformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &atlasTransformer{logger: logger.Named("transformer")}
}

func (t *atlasTransformer) Transform(records []models.RawMetadataRecord) ([]models.Entity, []RecordError) {
	var (
		entities []models.Entity
		errs     []RecordError
	)
	for _, rec := range records {
		mapped, recErrs := TransformRecord(rec)
		entities = append(entities, mapped...)
		errs = append(errs, recErrs...)
	}
	if len(errs) > 0 {
		t.logger.Warn("Some records could not be mapped",
			zap.Int("records", len(records)),
			zap.Int("errors", len(errs)))
	}
	return entities, errs
}

// TransformRecord maps a single record.
func TransformRecord(rec models.RawMetadataRecord) ([]models.Entity, []RecordError) {
	switch rec.Kind {
	case models.RecordKindTable, models.RecordKindView:
		return transformRelational(rec)
	case models.RecordKindDirectory, models.RecordKindFile:
		e, err := transformPath(rec)
		if err != nil {
			return nil, []RecordError{{Context: rec.Describe(), Err: err}}
		}
		return []models.Entity{e}, nil
	case models.RecordKindAPIEndpoint:
		e, err := transformEndpoint(rec)
		if err != nil {
			return nil, []RecordError{{Context: rec.Describe(), Err: err}}
		}
		return []models.Entity{e}, nil
	default:
		return nil, []RecordError{{
			Context: rec.Describe(),
			Err:     apperrors.SchemaMapping(rec.SourceID, fmt.Sprintf("unsupported record kind %q", rec.Kind)),
		}}
	}
}

// requireCoordinates returns the named locator values or a mapping error naming the first missing one.
func requireCoordinates(rec models.RawMetadataRecord, keys ...string) ([]string, error) {
	values := make([]string, len(keys))
	for i, key := range keys {
		v := strings.TrimSpace(rec.Coordinate(key))
		if v == "" {
			return nil, apperrors.SchemaMapping(rec.Describe(), "missing "+key)
		}
		values[i] = v
	}
	return values, nil
}

// baseAttributes copies the record's attributes so entities never share maps with records.
func baseAttributes(rec models.RawMetadataRecord, extra int) map[string]any {
	attrs := make(map[string]any, len(rec.Attributes)+extra)
	for k, v := range rec.Attributes {
		attrs[k] = v
	}
	return attrs
}

// relationalQualifiedName returns {scheme}://{host} followed by each part,
// percent-encoded so that separators inside names cannot collide.
func relationalQualifiedName(sourceType, host string, parts ...string) (string, error) {
	scheme, ok := relationalSchemes[sourceType]
	if !ok {
		return "", fmt.Errorf("no qualified-name scheme for source type %q", sourceType)
	}
	var b strings.Builder
	b.WriteString(scheme + "://" + host)
	for _, part := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(part))
	}
	return b.String(), nil
}

// DatabaseQualifiedName returns {scheme}://{host}/{database}.
func DatabaseQualifiedName(sourceType, host, database string) (string, error) {
	return relationalQualifiedName(sourceType, host, database)
}

// SchemaQualifiedName returns {scheme}://{host}/{database}/{schema}.
func SchemaQualifiedName(sourceType, host, database, schema string) (string, error) {
	return relationalQualifiedName(sourceType, host, database, schema)
}

// TableQualifiedName returns {scheme}://{host}/{database}/{schema}/{table}.
func TableQualifiedName(sourceType, host, database, schema, table string) (string, error) {
	return relationalQualifiedName(sourceType, host, database, schema, table)
}

// ColumnQualifiedName returns {table qualified name}#{column}.
func ColumnQualifiedName(tableQN, column string) string {
	return tableQN + "#" + url.PathEscape(column)
}

func transformRelational(rec models.RawMetadataRecord) ([]models.Entity, []RecordError) {
	coords, err := requireCoordinates(rec, models.LocatorHost, models.LocatorDatabase, models.LocatorSchema, models.LocatorTable)
	if err != nil {
		return nil, []RecordError{{Context: rec.Describe(), Err: err}}
	}
	host, database, schema, table := coords[0], coords[1], coords[2], coords[3]
	tableQN, err := TableQualifiedName(rec.SourceType, host, database, schema, table)
	if err != nil {
		return nil, []RecordError{{Context: rec.Describe(), Err: apperrors.SchemaMapping(rec.Describe(), err.Error())}}
	}
	dbQN, _ := DatabaseQualifiedName(rec.SourceType, host, database)
	schemaQN, _ := SchemaQualifiedName(rec.SourceType, host, database, schema)

	attrs := baseAttributes(rec, 5)
	attrs[models.AttrName] = table
	attrs["schema"] = schema
	attrs["database"] = database
	attrs["objectType"] = string(rec.Kind)
	setDefault(attrs, models.AttrDescription, relationalNoun(rec.Kind)+" in "+schema+" schema")
	if !rec.ModifiedAt.IsZero() {
		attrs["modifiedTime"] = rec.ModifiedAt.UTC().UnixMilli()
	}

	// Every table repeats its database and schema; the pipeline keeps the first.
	entities := []models.Entity{
		{
			TypeName:      models.EntityTypeDatabase,
			QualifiedName: dbQN,
			Attributes: map[string]any{
				models.AttrName:        database,
				models.AttrDescription: rec.SourceType + " database",
			},
		},
		{
			TypeName:      models.EntityTypeSchema,
			QualifiedName: schemaQN,
			Attributes: map[string]any{
				models.AttrName:        schema,
				models.AttrDescription: "Schema in " + database + " database",
			},
			Relationships: []models.RelationshipRef{
				{Attribute: RelDB, TypeName: models.EntityTypeDatabase, QualifiedName: dbQN},
			},
		},
		{
			TypeName:      models.EntityTypeTable,
			QualifiedName: tableQN,
			Attributes:    attrs,
			Relationships: []models.RelationshipRef{
				{Attribute: RelSchema, TypeName: models.EntityTypeSchema, QualifiedName: schemaQN},
			},
		},
	}

	var errs []RecordError
	for _, col := range rec.Columns {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			errs = append(errs, RecordError{
				Context: rec.Describe(),
				Err:     apperrors.SchemaMapping(tableQN, fmt.Sprintf("column at position %d has no name", col.OrdinalPosition)),
			})
			continue
		}

		entities = append(entities, models.Entity{
			TypeName:      models.EntityTypeColumn,
			QualifiedName: ColumnQualifiedName(tableQN, name),
			Attributes: map[string]any{
				models.AttrName: name,
				"data_type":     col.DataType,
				"isNullable":    col.IsNullable,
				"isPrimaryKey":  col.IsPrimaryKey,
				"position":      col.OrdinalPosition,
			},
			Relationships: []models.RelationshipRef{
				{Attribute: RelTable, TypeName: models.EntityTypeTable, QualifiedName: tableQN},
			},
			Classifications: ClassifyColumn(name),
		})
	}
	return entities, errs
}

// relationalNoun names a relational record kind for descriptions.
func relationalNoun(kind models.RecordKind) string {
	if kind == models.RecordKindView {
		return "View"
	}
	return "Table"
}

// setDefault sets key unless the source already supplied a non-empty value.
func setDefault(attrs map[string]any, key, value string) {
	if v, ok := attrs[key].(string); ok && v != "" {
		return
	}
	attrs[key] = value
}

// ClassifyColumn returns the classifications implied by a column name.
func ClassifyColumn(name string) []models.Classification {
	var out []models.Classification
	for _, c := range columnClassifiers {
		if c.pattern.MatchString(name) {
			out = append(out, models.Classification{TypeName: c.typeName})
		}
	}
	return out
}

// PathQualifiedName returns file://{host}/{root}/{relative path}, slash-normalized
// with every path segment percent-encoded.
func PathQualifiedName(host, root, rel string) string {
	p := path.Join("/", filepath.ToSlash(root), filepath.ToSlash(rel))
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return "file://" + host + strings.Join(segments, "/")
}

func transformPath(rec models.RawMetadataRecord) (models.Entity, error) {
	coords, err := requireCoordinates(rec, models.LocatorHost, models.LocatorRoot, models.LocatorPath)
	if err != nil {
		return models.Entity{}, err
	}
	host, root := coords[0], coords[1]
	rel := path.Clean(filepath.ToSlash(coords[2]))
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return models.Entity{}, apperrors.SchemaMapping(rec.Describe(), "path escapes the scan root")
	}

	qn := PathQualifiedName(host, root, rel)
	name := path.Base(rel)
	if rel == "." {
		name = path.Base(path.Join("/", filepath.ToSlash(root)))
	}

	attrs := baseAttributes(rec, 4)
	attrs[models.AttrName] = name
	attrs["path"] = path.Join("/", filepath.ToSlash(root), rel)
	if !rec.ModifiedAt.IsZero() {
		attrs["modifiedTime"] = rec.ModifiedAt.UTC().UnixMilli()
	}

	typeName := models.EntityTypeFSPath
	switch {
	case rec.Kind == models.RecordKindFile:
		setDefault(attrs, models.AttrDescription, "File: "+name)
	case rel == ".":
		setDefault(attrs, models.AttrDescription, "Root directory")
	default:
		setDefault(attrs, models.AttrDescription, "Directory")
	}
	if rec.Kind == models.RecordKindFile {
		typeName = models.EntityTypeDataSet
		if ext := path.Ext(name); ext != "" {
			if _, ok := attrs["fileExtension"]; !ok {
				attrs["fileExtension"] = strings.TrimPrefix(strings.ToLower(ext), ".")
			}
		}
	}

	e := models.Entity{TypeName: typeName, QualifiedName: qn, Attributes: attrs}
	if rel != "." {
		e.Relationships = []models.RelationshipRef{{
			Attribute:     RelParent,
			TypeName:      models.EntityTypeFSPath,
			QualifiedName: PathQualifiedName(host, root, path.Dir(rel)),
		}}
	}
	return e, nil
}

// EndpointQualifiedName returns {base url}{path}#{METHOD}.
func EndpointQualifiedName(baseURL, p, method string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(baseURL, "/") + p + "#" + strings.ToUpper(method)
}

func transformEndpoint(rec models.RawMetadataRecord) (models.Entity, error) {
	coords, err := requireCoordinates(rec, models.LocatorBaseURL, models.LocatorPath, models.LocatorMethod)
	if err != nil {
		return models.Entity{}, err
	}
	baseURL, p, method := coords[0], coords[1], strings.ToUpper(coords[2])

	attrs := baseAttributes(rec, 3)
	name, _ := attrs["operationId"].(string)
	if name == "" {
		name = method + " " + p
	}
	attrs[models.AttrName] = name
	attrs["method"] = method
	attrs["path"] = p
	if summary, ok := attrs["summary"].(string); ok && summary != "" {
		if _, has := attrs[models.AttrDescription]; !has {
			attrs[models.AttrDescription] = summary
		}
	}

	return models.Entity{
		TypeName:      models.EntityTypeDataSet,
		QualifiedName: EndpointQualifiedName(baseURL, p, method),
		Attributes:    attrs,
	}, nil
}
