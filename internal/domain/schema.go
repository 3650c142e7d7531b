package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldType enumerates the schema-level types a field can carry.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// FieldDefinition governs both the schema published to clients and the
// index mapping for one field.
type FieldDefinition struct {
	Type        FieldType        `json:"type"`
	Description string           `json:"description"`
	Default     any              `json:"default,omitempty"`
	Items       *FieldDefinition `json:"items,omitempty"`
}

// Schema maps field names to their definitions.
type Schema map[string]FieldDefinition

// Normalize fills in defaults the published schema must carry: a field
// without a type is a string field.
func (s Schema) Normalize() Schema {
	out := make(Schema, len(s))
	for name, def := range s {
		if def.Type == "" {
			def.Type = TypeString
		}
		if def.Items != nil && def.Items.Type == "" {
			items := *def.Items
			items.Type = TypeString
			def.Items = &items
		}
		out[name] = def
	}
	return out
}

// ArrayFields returns the sorted names of fields whose type is array.
func (s Schema) ArrayFields() []string {
	var fields []string
	for name, def := range s {
		if def.Type == TypeArray {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// ZeroValue returns the type-appropriate zero value used when a path
// rule produces no match and no default is configured.
func (t FieldType) ZeroValue() any {
	switch t {
	case TypeString:
		return ""
	case TypeInteger:
		return 0
	case TypeNumber:
		return 0.0
	case TypeArray:
		return []any{}
	case TypeObject:
		return map[string]any{}
	default:
		return nil
	}
}

// Coerce converts a resolved field value to its schema type. A list
// landing in a string field is joined by ", "; numeric strings are
// parsed for integer and number fields. A value that cannot be
// represented in the target type is an error.
func (t FieldType) Coerce(value any) (any, error) {
	if value == nil {
		return t.ZeroValue(), nil
	}
	switch t {
	case TypeString:
		return coerceString(value), nil
	case TypeInteger:
		return coerceInteger(value)
	case TypeNumber:
		return coerceNumber(value)
	case TypeArray:
		if list, ok := value.([]any); ok {
			return list, nil
		}
		return []any{value}, nil
	case TypeObject:
		if obj, ok := value.(map[string]any); ok {
			return obj, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to object", value)
	default:
		return value, nil
	}
}

func coerceString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, coerceString(item))
		}
		return strings.Join(parts, ", ")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func coerceInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to integer: %w", v, err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to integer", value)
	}
}

func coerceNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		if v == "" {
			return 0.0, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to number: %w", v, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to number", value)
	}
}
