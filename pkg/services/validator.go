package services

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// maxQualifiedNameLength mirrors the catalog's limit on unique attribute values.
const maxQualifiedNameLength = 4000

// EntityValidator checks entities before they are batched.
type EntityValidator interface {
	// Validate returns nil or a ValidationError. Relationship targets are only
	// checked for syntax; whether they exist is up to the catalog.
	Validate(e models.Entity) error
}

type entityValidator struct {
	known []models.EntityType
}

// NewEntityValidator creates a validator accepting the given types, or every
// type the transformer emits when none are given.
func NewEntityValidator(types ...models.EntityType) EntityValidator {
	if len(types) == 0 {
		types = models.KnownEntityTypes
	}
	return &entityValidator{known: types}
}

func (v *entityValidator) Validate(e models.Entity) error {
	where := e.QualifiedName
	if where == "" {
		where = string(e.TypeName)
	}

	if strings.TrimSpace(e.QualifiedName) == "" {
		return apperrors.Validation(where, "qualified name is empty")
	}
	if e.TypeName == "" {
		return apperrors.Validation(where, "type name is empty")
	}
	if !slices.Contains(v.known, e.TypeName) {
		return apperrors.Validation(where, fmt.Sprintf("unknown entity type %q", e.TypeName))
	}
	if err := checkQualifiedName(e.TypeName, e.QualifiedName); err != nil {
		return apperrors.Validation(where, err.Error())
	}

	if name, ok := e.Attributes[models.AttrName].(string); !ok || strings.TrimSpace(name) == "" {
		return apperrors.Validation(where, "required attribute name is missing")
	}

	for i, ref := range e.Relationships {
		if ref.Attribute == "" {
			return apperrors.Validation(where, fmt.Sprintf("relationship %d has no attribute name", i))
		}
		if ref.QualifiedName == e.QualifiedName && ref.TypeName == e.TypeName {
			return apperrors.Validation(where, fmt.Sprintf("relationship %s references the entity itself", ref.Attribute))
		}
		if err := checkQualifiedName(ref.TypeName, ref.QualifiedName); err != nil {
			return apperrors.Validation(where, fmt.Sprintf("relationship %s: %v", ref.Attribute, err))
		}
	}
	return nil
}

// relationalDepth is the number of path segments after the host per relational type.
var relationalDepth = map[models.EntityType]struct {
	segments int
	shape    string
}{
	models.EntityTypeDatabase: {1, "/database"},
	models.EntityTypeSchema:   {2, "/database/schema"},
	models.EntityTypeTable:    {3, "/database/schema/table"},
	models.EntityTypeColumn:   {3, "/database/schema/table"},
}

// pathSegments splits the escaped path and decodes each segment, so an
// encoded slash stays inside its segment.
func pathSegments(u *url.URL) ([]string, error) {
	raw := strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	out := make([]string, len(raw))
	for i, seg := range raw {
		dec, err := url.PathUnescape(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", seg, err)
		}
		out[i] = dec
	}
	return out, nil
}

// checkQualifiedName verifies the shape of a qualified name for its type.
func checkQualifiedName(typeName models.EntityType, qn string) error {
	if qn == "" {
		return fmt.Errorf("qualified name is empty")
	}
	if len(qn) > maxQualifiedNameLength {
		return fmt.Errorf("qualified name exceeds %d bytes", maxQualifiedNameLength)
	}
	if strings.IndexFunc(qn, unicode.IsControl) >= 0 {
		return fmt.Errorf("qualified name contains control characters")
	}

	u, err := url.Parse(qn)
	if err != nil {
		return fmt.Errorf("qualified name is not a valid URI: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("qualified name %q needs a scheme and host", qn)
	}

	switch typeName {
	case models.EntityTypeDatabase, models.EntityTypeSchema, models.EntityTypeTable, models.EntityTypeColumn:
		if u.Scheme != "sqlserver" && u.Scheme != "postgresql" {
			return fmt.Errorf("unexpected scheme %q for %s", u.Scheme, typeName)
		}
		if u.RawQuery != "" || u.ForceQuery {
			return fmt.Errorf("qualified name %q must not have a query", qn)
		}
		want := relationalDepth[typeName]
		segments, err := pathSegments(u)
		if err != nil {
			return err
		}
		if len(segments) != want.segments || slices.Contains(segments, "") {
			return fmt.Errorf("expected %s in %q", want.shape, qn)
		}
		if typeName == models.EntityTypeColumn {
			if u.EscapedFragment() == "" {
				return fmt.Errorf("column qualified name %q has no #column suffix", qn)
			}
		} else if u.Fragment != "" {
			return fmt.Errorf("%s qualified name %q must not have a fragment", typeName, qn)
		}
	case models.EntityTypeFSPath:
		if u.Scheme != "file" {
			return fmt.Errorf("unexpected scheme %q for %s", u.Scheme, typeName)
		}
		if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
			return fmt.Errorf("path qualified name %q must not have a query or fragment", qn)
		}
	}
	return nil
}
