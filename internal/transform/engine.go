package transform

import (
	"log/slog"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// Options configure an Engine for one source.
type Options struct {
	// FieldMap maps target field names to parsed rules.
	FieldMap FieldMap
	// Schema is the global field schema driving defaults and coercion.
	Schema domain.Schema
	// FilterConfig carries per-source filter parameters.
	FilterConfig FilterConfig
	// GlobalFilters are applied to every string field after the
	// per-field chain.
	GlobalFilters []string
	// KeepOriginalFields merges raw fields not covered by the field map
	// into the normalized record.
	KeepOriginalFields bool
	// PerItemValues maps record ids to partial overrides deep-merged on
	// top of the normalized record after rule evaluation.
	PerItemValues map[string]map[string]any
}

// Engine evaluates a parsed field map against raw records, producing
// flat normalized field mappings. The pipeline wraps the result into
// the study_data/data_dict groups.
type Engine struct {
	opts Options
}

// NewEngine creates an engine. Global filter names are resolved eagerly
// since an unknown global filter would fail every record of the source.
func NewEngine(opts Options) (*Engine, error) {
	for _, name := range opts.GlobalFilters {
		if _, err := ResolveFilter(name, opts.FilterConfig); err != nil {
			return nil, domain.ConfigErrorf("global filter %q is not registered", name)
		}
	}
	return &Engine{opts: opts}, nil
}

// Normalize produces the normalized field mapping for one raw record.
// Every key of the field map is present in the result. Filter and
// coercion failures return a normalization error; the caller skips the
// record and continues.
func (e *Engine) Normalize(id string, raw domain.RawRecord) (map[string]any, error) {
	out := make(map[string]any, len(e.opts.FieldMap))
	for field, rule := range e.opts.FieldMap {
		value, err := e.evalRule(rule, raw, e.fieldType(field))
		if err != nil {
			return nil, err
		}
		coerced, err := e.coerceField(field, value)
		if err != nil {
			return nil, err
		}
		out[field] = coerced
	}

	if e.opts.KeepOriginalFields {
		for key, value := range raw {
			if _, mapped := out[key]; !mapped {
				out[key] = value
			}
		}
	}

	if err := e.applyGlobalFilters(out); err != nil {
		return nil, err
	}

	if override, ok := e.opts.PerItemValues[id]; ok {
		deepMerge(out, override)
	}
	return out, nil
}

// fieldType returns the schema type of a top-level field, or the empty
// type when the field is not schema-governed.
func (e *Engine) fieldType(field string) domain.FieldType {
	if def, ok := e.opts.Schema[field]; ok {
		if def.Type == "" {
			return domain.TypeString
		}
		return def.Type
	}
	return ""
}

// evalRule resolves one rule. fieldType is the schema type of the
// enclosing top-level field; nested rules carry no schema type.
func (e *Engine) evalRule(rule Rule, raw domain.RawRecord, fieldType domain.FieldType) (any, error) {
	switch r := rule.(type) {
	case LiteralRule:
		return r.Value, nil
	case PathRule:
		value, matched := r.Evaluate(raw)
		if !matched {
			if r.HasDefault {
				return r.Default, nil
			}
			return fieldType.ZeroValue(), nil
		}
		return e.applyFilters(r.Filters, value)
	case ListRule:
		items := make([]any, 0, len(r.Items))
		for _, item := range r.Items {
			value, err := e.evalRule(item, raw, "")
			if err != nil {
				return nil, err
			}
			items = append(items, value)
		}
		return items, nil
	case ObjectRule:
		fields := make(map[string]any, len(r.Fields))
		for key, sub := range r.Fields {
			value, err := e.evalRule(sub, raw, "")
			if err != nil {
				return nil, err
			}
			fields[key] = value
		}
		return fields, nil
	default:
		return nil, domain.NormalizationErrorf("unsupported rule %T", rule)
	}
}

func (e *Engine) applyFilters(names []string, value any) (any, error) {
	for _, name := range names {
		filter, err := ResolveFilter(name, e.opts.FilterConfig)
		if err != nil {
			return nil, err
		}
		value = filter(value)
	}
	return value, nil
}

// coerceField converts a resolved value to its schema type and
// validates array element types. A heterogeneous array element is a
// per-field validation error, logged but not fatal for the record.
func (e *Engine) coerceField(field string, value any) (any, error) {
	def, ok := e.opts.Schema[field]
	if !ok {
		return value, nil
	}
	fieldType := def.Type
	if fieldType == "" {
		fieldType = domain.TypeString
	}
	coerced, err := fieldType.Coerce(value)
	if err != nil {
		return nil, domain.NormalizationErrorf("field %q: %v", field, err)
	}
	if fieldType == domain.TypeArray && def.Items != nil && def.Items.Type == domain.TypeObject {
		if list, ok := coerced.([]any); ok {
			for i, item := range list {
				if _, ok := item.(map[string]any); !ok {
					slog.Warn("Array element does not match item schema",
						"field", field, "index", i, "value_type", typeName(item))
				}
			}
		}
	}
	return coerced, nil
}

func (e *Engine) applyGlobalFilters(record map[string]any) error {
	if len(e.opts.GlobalFilters) == 0 {
		return nil
	}
	for field, value := range record {
		if _, ok := value.(string); !ok {
			continue
		}
		filtered, err := e.applyFilters(e.opts.GlobalFilters, value)
		if err != nil {
			return err
		}
		record[field] = filtered
	}
	return nil
}

// deepMerge merges src into dst, descending into nested objects.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
