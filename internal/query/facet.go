package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// FacetNode is one node of a facet query tree: either a boolean
// combinator over child nodes or a field=value constraint.
type FacetNode interface {
	facetNode()
}

// FacetClause constrains one dotted field path to an exact value.
type FacetClause struct {
	Field string
	Value string
}

func (FacetClause) facetNode() {}

// FacetBool combines child nodes under AND or OR.
type FacetBool struct {
	Op      string
	Clauses []FacetNode
}

func (FacetBool) facetNode() {}

type rawFacetNode struct {
	Op      string            `json:"op"`
	Clauses []json.RawMessage `json:"clauses"`
	Field   string            `json:"field"`
	Value   string            `json:"value"`
}

// ParseFacetTree decodes a facet query tree from its JSON form:
//
//	{"op": "AND", "clauses": [
//	    {"field": "study_data.commons_name", "value": "HEAL"},
//	    {"op": "OR", "clauses": [...]}]}
func ParseFacetTree(data []byte) (FacetNode, error) {
	var raw rawFacetNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.QueryErrorf("malformed facet tree: %v", err)
	}
	return buildFacetNode(raw)
}

func buildFacetNode(raw rawFacetNode) (FacetNode, error) {
	if raw.Field != "" {
		if raw.Op != "" || len(raw.Clauses) > 0 {
			return nil, domain.QueryErrorf("facet node mixes field and operator")
		}
		if raw.Value == "" {
			return nil, domain.QueryErrorf("facet clause on %q has no value", raw.Field)
		}
		return FacetClause{Field: raw.Field, Value: raw.Value}, nil
	}

	op := strings.ToUpper(raw.Op)
	if op != OpAnd && op != OpOr {
		return nil, domain.QueryErrorf("unknown facet operator %q", raw.Op)
	}
	if len(raw.Clauses) == 0 {
		return nil, domain.QueryErrorf("facet operator %s has no clauses", op)
	}

	children := make([]FacetNode, 0, len(raw.Clauses))
	for _, rc := range raw.Clauses {
		var childRaw rawFacetNode
		if err := json.Unmarshal(rc, &childRaw); err != nil {
			return nil, domain.QueryErrorf("malformed facet clause: %v", err)
		}
		child, err := buildFacetNode(childRaw)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return FacetBool{Op: op, Clauses: children}, nil
}

// FacetSearch evaluates a facet tree and returns the matching records
// ordered by guid. The index query recalls candidates; each candidate
// is then verified against the tree with element-local semantics, so
// constraints combined under one AND bind to the same array element.
func (e *Engine) FacetSearch(ctx context.Context, tree FacetNode) ([]Hit, error) {
	candidates, err := e.collect(ctx, recallQuery(tree))
	if err != nil {
		return nil, err
	}

	matched := candidates[:0]
	for _, h := range candidates {
		if evalFacetNode(tree, normalizedOf(h.Record)) {
			matched = append(matched, h)
		}
	}
	return matched, nil
}

// recallQuery translates the tree into a bleve query that over-recalls:
// every true match is a candidate, and verification trims the rest.
func recallQuery(node FacetNode) query.Query {
	switch n := node.(type) {
	case FacetClause:
		return fieldQuery(n.Field, n.Value)
	case FacetBool:
		children := make([]query.Query, 0, len(n.Clauses))
		for _, c := range n.Clauses {
			children = append(children, recallQuery(c))
		}
		if n.Op == OpAnd {
			return bleve.NewConjunctionQuery(children...)
		}
		return bleve.NewDisjunctionQuery(children...)
	default:
		return bleve.NewMatchNoneQuery()
	}
}

func evalFacetNode(node FacetNode, rec map[string]any) bool {
	switch n := node.(type) {
	case FacetClause:
		return anyLeafEquals(pathValues(rec, splitPath(n.Field)), n.Value)
	case FacetBool:
		if n.Op == OpOr {
			for _, c := range n.Clauses {
				if evalFacetNode(c, rec) {
					return true
				}
			}
			return false
		}
		return evalFacetAnd(n, rec)
	default:
		return false
	}
}

// evalFacetAnd evaluates the children of an AND node. Direct clause
// children that traverse the same array are element-local: one element
// must satisfy all of them together. Everything else is independent.
func evalFacetAnd(n FacetBool, rec map[string]any) bool {
	type anchored struct {
		elements []any
		rests    [][]string
		values   []string
	}
	groups := make(map[string]*anchored)

	for _, child := range n.Clauses {
		clause, ok := child.(FacetClause)
		if !ok {
			if !evalFacetNode(child, rec) {
				return false
			}
			continue
		}

		anchor, elements, rest, found := arrayAnchor(rec, splitPath(clause.Field))
		if !found {
			if !evalFacetNode(clause, rec) {
				return false
			}
			continue
		}
		g, ok := groups[anchor]
		if !ok {
			g = &anchored{elements: elements}
			groups[anchor] = g
		}
		g.rests = append(g.rests, rest)
		g.values = append(g.values, clause.Value)
	}

	for _, g := range groups {
		if !someElementSatisfiesAll(g.elements, g.rests, g.values) {
			return false
		}
	}
	return true
}

func someElementSatisfiesAll(elements []any, rests [][]string, values []string) bool {
	for _, element := range elements {
		ok := true
		for i := range rests {
			if !anyLeafEquals(pathValues(element, rests[i]), values[i]) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// arrayAnchor walks a dotted path through the record until it crosses
// an array field, returning that field's path, its elements, and the
// remaining path segments. found is false when the path never crosses
// an array in this record.
func arrayAnchor(rec map[string]any, segments []string) (anchor string, elements []any, rest []string, found bool) {
	var current any = rec
	for i, seg := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", nil, nil, false
		}
		next, ok := obj[seg]
		if !ok {
			return "", nil, nil, false
		}
		if list, ok := next.([]any); ok {
			return strings.Join(segments[:i+1], "."), list, segments[i+1:], true
		}
		current = next
	}
	return "", nil, nil, false
}

// pathValues returns every value reachable at a dotted path, descending
// into array elements along the way.
func pathValues(value any, segments []string) []any {
	if len(segments) == 0 {
		if value == nil {
			return nil
		}
		return []any{value}
	}
	switch v := value.(type) {
	case map[string]any:
		next, ok := v[segments[0]]
		if !ok {
			return nil
		}
		return pathValues(next, segments[1:])
	case []any:
		var out []any
		for _, element := range v {
			out = append(out, pathValues(element, segments)...)
		}
		return out
	default:
		return nil
	}
}

func anyLeafEquals(leaves []any, value string) bool {
	for _, leaf := range leaves {
		if s, ok := leaf.(string); ok {
			if s == value {
				return true
			}
			continue
		}
		if fmt.Sprint(leaf) == value {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}
