package transform

import (
	"testing"
)

func TestParseRule_PathString(t *testing.T) {
	rule, err := ParseRule("path:OverallOfficial[0].OverallOfficialName")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}
	pathRule, ok := rule.(PathRule)
	if !ok {
		t.Fatalf("Expected PathRule, got %T", rule)
	}
	if pathRule.HasDefault {
		t.Error("Expected no default on bare path rule")
	}
}

func TestParseRule_Literal(t *testing.T) {
	rule, err := ParseRule("fixed value")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}
	lit, ok := rule.(LiteralRule)
	if !ok {
		t.Fatalf("Expected LiteralRule, got %T", rule)
	}
	if lit.Value != "fixed value" {
		t.Errorf("Expected literal value, got %v", lit.Value)
	}
}

func TestParseRule_StructuredPath(t *testing.T) {
	rule, err := ParseRule(map[string]any{
		"path":    "BriefSummary",
		"default": "no description",
		"filters": []any{"strip_html", "prepare_description"},
	})
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}
	pathRule, ok := rule.(PathRule)
	if !ok {
		t.Fatalf("Expected PathRule, got %T", rule)
	}
	if !pathRule.HasDefault || pathRule.Default != "no description" {
		t.Errorf("Expected default to be preserved, got %v", pathRule.Default)
	}
	if len(pathRule.Filters) != 2 {
		t.Errorf("Expected 2 filters, got %d", len(pathRule.Filters))
	}
}

func TestParseRule_TagListLiteral(t *testing.T) {
	rule, err := ParseRule([]any{
		map[string]any{"name": "path:Condition", "category": "Condition"},
		map[string]any{"name": "Clinical Trials", "category": "Commons"},
	})
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}
	list, ok := rule.(ListRule)
	if !ok {
		t.Fatalf("Expected ListRule, got %T", rule)
	}
	if len(list.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(list.Items))
	}
	first, ok := list.Items[0].(ObjectRule)
	if !ok {
		t.Fatalf("Expected ObjectRule, got %T", list.Items[0])
	}
	if _, ok := first.Fields["name"].(PathRule); !ok {
		t.Errorf("Expected embedded path rule for name, got %T", first.Fields["name"])
	}
	if _, ok := first.Fields["category"].(LiteralRule); !ok {
		t.Errorf("Expected literal rule for category, got %T", first.Fields["category"])
	}
}

func TestParseRule_InvalidPath(t *testing.T) {
	if _, err := ParseRule("path:a[["); err == nil {
		t.Error("Expected error for invalid JSONPath")
	}
}

func TestPathRule_Evaluate(t *testing.T) {
	raw := map[string]any{
		"Study": map[string]any{"Title": "heart study"},
		"Sites": []any{
			map[string]any{"City": "Chicago"},
			map[string]any{"City": "Boston"},
		},
		"Missing": nil,
	}

	tests := []struct {
		name    string
		expr    string
		want    any
		matched bool
	}{
		{"single match", "Study.Title", "heart study", true},
		{"no match", "Study.Nope", nil, false},
		{"null is no match", "Missing", nil, false},
		{"multi match", "Sites[*].City", []any{"Chicago", "Boston"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRule(PathPrefix + tt.expr)
			if err != nil {
				t.Fatalf("ParseRule failed: %v", err)
			}
			value, matched := rule.(PathRule).Evaluate(raw)
			if matched != tt.matched {
				t.Fatalf("Expected matched=%v, got %v", tt.matched, matched)
			}
			if !matched {
				return
			}
			switch want := tt.want.(type) {
			case []any:
				got, ok := value.([]any)
				if !ok || len(got) != len(want) {
					t.Fatalf("Expected %v, got %v", want, value)
				}
				for i := range want {
					if got[i] != want[i] {
						t.Errorf("Element %d: expected %v, got %v", i, want[i], got[i])
					}
				}
			default:
				if value != tt.want {
					t.Errorf("Expected %v, got %v", tt.want, value)
				}
			}
		})
	}
}

func TestParseFieldMap_ReportsField(t *testing.T) {
	_, err := ParseFieldMap(map[string]any{
		"ok":     "path:A",
		"broken": "path:a[[",
	})
	if err == nil {
		t.Fatal("Expected error for invalid field map")
	}
}
