// Package schema is the registry of entity type definitions: which fields
// an entity type carries, how each field is typed, how conflicting values
// merge, and how the resolver derives a match key for duplicate lookup.
package schema

import (
	"strings"
	"time"

	"github.com/veritaslabs/strata/errors"
)

// FieldType enumerates the value shapes a schema field may take. There is
// deliberately no opaque blob type; anything that does not fit goes to the
// raw fragment store instead.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeDate    FieldType = "date"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// MergeStrategy selects how the reducer resolves same-priority conflicts
// for a field. The default is last-writer-wins within the priority tier.
type MergeStrategy string

const (
	MergeLastWriter MergeStrategy = "last_writer"
	MergeFirstSeen  MergeStrategy = "first_seen"
)

// FieldDef describes one field of an entity type.
type FieldDef struct {
	Type  FieldType
	Merge MergeStrategy
}

// MatchKeyFunc derives a deterministic lookup key from extracted fields,
// or "" when the fields carry nothing significant enough to match on.
type MatchKeyFunc func(fields map[string]any) string

// Definition describes one entity type.
type Definition struct {
	Type          string
	Fields        map[string]FieldDef
	DisplayFields []string // searched in order for the canonical name
	MatchKey      MatchKeyFunc
}

// GenericType is the fallback entity type assigned when extraction hints
// at a type the registry does not know. Entities of this type are
// surfaced by ListUntypedEntities for manual refinement.
const GenericType = "record"

// Registry resolves entity type definitions. Implementations must fall
// back to the generic definition for unknown types rather than failing.
type Registry interface {
	// Get returns the definition for entityType. Unknown types return the
	// generic definition and false.
	Get(entityType string) (*Definition, bool)
	// Register adds or replaces a definition.
	Register(def *Definition)
	// Types returns all registered type names.
	Types() []string
}

// Validate type-checks a single field value against the definition.
// It returns the value in normalized form (numbers as float64, dates as
// RFC 3339 strings) or a validation error naming the field.
func Validate(def *Definition, field string, value any) (any, error) {
	fd, ok := def.Fields[field]
	if !ok {
		return nil, errors.Wrapf(errors.ErrValidation, "field %q not in schema for type %q", field, def.Type)
	}
	if value == nil {
		return nil, errors.Wrapf(errors.ErrValidation, "field %q is null", field)
	}

	switch fd.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, errors.Wrapf(errors.ErrValidation, "field %q expects a string", field)
		}
		return s, nil

	case TypeNumber:
		switch n := value.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, errors.Wrapf(errors.ErrValidation, "field %q expects a number", field)
		}

	case TypeDate:
		s, ok := value.(string)
		if !ok {
			return nil, errors.Wrapf(errors.ErrValidation, "field %q expects a date string", field)
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
		return nil, errors.Wrapf(errors.ErrValidation, "field %q is not a parseable date: %q", field, s)

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, errors.Wrapf(errors.ErrValidation, "field %q expects a boolean", field)
		}
		return b, nil

	case TypeArray:
		a, ok := value.([]any)
		if !ok {
			return nil, errors.Wrapf(errors.ErrValidation, "field %q expects an array", field)
		}
		return a, nil

	case TypeObject:
		o, ok := value.(map[string]any)
		if !ok {
			return nil, errors.Wrapf(errors.ErrValidation, "field %q expects an object", field)
		}
		return o, nil
	}

	return nil, errors.Wrapf(errors.ErrValidation, "field %q has unknown schema type %q", field, fd.Type)
}

// CanonicalName picks the best display value from fields, falling back to
// the entity type name when nothing usable is present.
func CanonicalName(def *Definition, fields map[string]any) string {
	for _, f := range def.DisplayFields {
		if v, ok := fields[f]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return "unnamed " + def.Type
}
