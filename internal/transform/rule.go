package transform

import (
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// PathPrefix marks a string literal as a JSONPath expression.
const PathPrefix = "path:"

// Rule describes how one target field of a normalized record is
// produced from a raw record. Field maps are parsed into rules once at
// load time so that per-record evaluation never re-parses strings.
type Rule interface {
	isRule()
}

// LiteralRule copies a fixed scalar value verbatim.
type LiteralRule struct {
	Value any
}

// PathRule evaluates a JSONPath expression against the raw record,
// falls back to a default on zero matches, and runs the value through
// a named filter chain.
type PathRule struct {
	Expr       jp.Expr
	Source     string
	Default    any
	HasDefault bool
	Filters    []string
}

// ListRule is a list literal whose elements are rules themselves.
// Tag lists are typically list-of-object literals with embedded paths.
type ListRule struct {
	Items []Rule
}

// ObjectRule is an object literal whose values are rules themselves.
type ObjectRule struct {
	Fields map[string]Rule
}

func (LiteralRule) isRule() {}
func (PathRule) isRule()    {}
func (ListRule) isRule()    {}
func (ObjectRule) isRule()  {}

// FieldMap maps target field names to parsed rules.
type FieldMap map[string]Rule

// ParseFieldMap parses a raw field map (target field -> JSON value) into
// a FieldMap. Invalid JSONPath expressions fail the whole map.
func ParseFieldMap(raw map[string]any) (FieldMap, error) {
	fm := make(FieldMap, len(raw))
	for field, value := range raw {
		rule, err := ParseRule(value)
		if err != nil {
			return nil, domain.ConfigErrorf("field %q: %v", field, err)
		}
		fm[field] = rule
	}
	return fm, nil
}

// ParseRule parses a single field-map value into a Rule. Recognized
// forms: "path:<expr>" strings, {path, default?, filters?} objects,
// list and object literals (traversed recursively), and scalars.
func ParseRule(value any) (Rule, error) {
	switch v := value.(type) {
	case string:
		if expr, ok := strings.CutPrefix(v, PathPrefix); ok {
			return parsePathRule(expr, nil, false, nil)
		}
		return LiteralRule{Value: v}, nil
	case map[string]any:
		if expr, ok := v["path"].(string); ok {
			def, hasDef := v["default"]
			return parsePathRule(expr, def, hasDef, filterNames(v["filters"]))
		}
		fields := make(map[string]Rule, len(v))
		for key, sub := range v {
			rule, err := ParseRule(sub)
			if err != nil {
				return nil, err
			}
			fields[key] = rule
		}
		return ObjectRule{Fields: fields}, nil
	case []any:
		items := make([]Rule, 0, len(v))
		for _, sub := range v {
			rule, err := ParseRule(sub)
			if err != nil {
				return nil, err
			}
			items = append(items, rule)
		}
		return ListRule{Items: items}, nil
	default:
		return LiteralRule{Value: v}, nil
	}
}

func parsePathRule(expr string, def any, hasDef bool, filters []string) (Rule, error) {
	parsed, err := jp.ParseString(normalizePath(expr))
	if err != nil {
		return nil, domain.ConfigErrorf("invalid JSONPath %q: %v", expr, err)
	}
	return PathRule{
		Expr:       parsed,
		Source:     expr,
		Default:    def,
		HasDefault: hasDef,
		Filters:    filters,
	}, nil
}

// normalizePath accepts the relative form used throughout field maps
// ("OverallOfficial[0].Name") and anchors it at the document root.
func normalizePath(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "$") {
		return expr
	}
	if strings.HasPrefix(expr, "[") {
		return "$" + expr
	}
	return "$." + expr
}

func filterNames(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
		return names
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}

// Evaluate resolves a path rule against a raw record. It returns the
// single match, the list of matches, or (nil, false) when nothing
// matched. Null matches count as no match.
func (r PathRule) Evaluate(raw domain.RawRecord) (any, bool) {
	matches := r.Expr.Get(raw)
	nonNull := matches[:0]
	for _, m := range matches {
		if m != nil {
			nonNull = append(nonNull, m)
		}
	}
	switch len(nonNull) {
	case 0:
		return nil, false
	case 1:
		return nonNull[0], true
	default:
		return []any(nonNull), true
	}
}
