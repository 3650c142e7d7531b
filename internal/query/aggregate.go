package query

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/commonsmeta/aggmds/internal/domain"
	"github.com/commonsmeta/aggmds/internal/index"
)

// Aggregation functions accepted by Aggregate.
const (
	AggCount = "count"
	AggSum   = "sum"
)

// Aggregate computes count or sum over a dotted field path across
// every record in the live cycle. Fields declared as arrays in the
// config index are aggregated element-wise, so each array element
// contributes separately.
func (e *Engine) Aggregate(ctx context.Context, path, function string) (float64, error) {
	if function != AggCount && function != AggSum {
		return 0, domain.QueryErrorf("unknown aggregation function %q", function)
	}
	segments := splitPath(path)
	if path == "" || len(segments) == 0 {
		return 0, domain.QueryErrorf("aggregation requires a field path")
	}

	arrayFields, err := e.arrayFields()
	if err != nil {
		return 0, err
	}

	hits, err := e.scanAll(ctx)
	if err != nil {
		return 0, err
	}

	var result float64
	for _, h := range hits {
		for _, leaf := range aggregateValues(normalizedOf(h.Record), segments, arrayFields) {
			switch function {
			case AggCount:
				if leaf != nil {
					result++
				}
			case AggSum:
				if n, ok := asNumber(leaf); ok {
					result += n
				}
			}
		}
	}
	return result, nil
}

// ArrayFields returns the field names the live cycle's schema declared
// as arrays.
func (e *Engine) ArrayFields() ([]string, error) {
	return e.arrayFields()
}

func (e *Engine) arrayFields() ([]string, error) {
	source, err := index.GetSource(e.indexes.Config(), domain.ConfigDocID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var doc domain.ConfigDoc
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, domain.QueryErrorf("decode config document: %v", err)
	}
	return doc.ArrayFields, nil
}

// aggregateValues resolves a dotted path to its leaf values. Array
// values are traversed element-wise only for fields declared as arrays;
// an undeclared list counts as a single opaque value.
func aggregateValues(value any, segments []string, arrayFields []string) []any {
	if len(segments) == 0 {
		if value == nil {
			return nil
		}
		return []any{value}
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	next, ok := obj[segments[0]]
	if !ok {
		return nil
	}
	if list, isList := next.([]any); isList {
		if !containsField(arrayFields, segments[0]) {
			if len(segments) == 1 {
				return []any{next}
			}
			return nil
		}
		var out []any
		for _, element := range list {
			out = append(out, aggregateValues(element, segments[1:], arrayFields)...)
		}
		return out
	}
	return aggregateValues(next, segments[1:], arrayFields)
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
