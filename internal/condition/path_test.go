package condition

import (
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	doc := map[string]any{
		"value": 21,
		"data": map[string]any{
			"value": "mild",
			"empty": nil,
			"list":  []any{"a", "b"},
		},
		"yaml": map[any]any{"nested": true},
	}

	tests := []struct {
		name  string
		path  string
		want  any
		found bool
	}{
		{"top level", "value", 21, true},
		{"nested", "data.value", "mild", true},
		{"array value", "data.list", []any{"a", "b"}, true},
		{"yaml map", "yaml.nested", true, true},
		{"missing key", "nope", nil, false},
		{"missing nested", "data.nope", nil, false},
		{"nil intermediate", "data.empty.value", nil, false},
		{"scalar intermediate", "value.deeper", nil, false},
		{"array index unsupported", "data.list.0", nil, false},
		{"empty segment", "data..value", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Resolve(doc, tt.path)
			if found != tt.found {
				t.Fatalf("Resolve(%q) found = %v, want %v", tt.path, found, tt.found)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_emptyPath(t *testing.T) {
	doc := map[string]any{"value": 1}
	got, found := Resolve(doc, "")
	if !found {
		t.Fatal("expected empty path to resolve to the document")
	}
	if !reflect.DeepEqual(got, doc) {
		t.Errorf("Resolve(\"\") = %v, want %v", got, doc)
	}
}

func TestResolve_nilDocument(t *testing.T) {
	if _, found := Resolve(nil, "value"); found {
		t.Error("expected nil document not to resolve")
	}
	if _, found := Resolve(nil, ""); found {
		t.Error("expected nil document not to resolve for empty path")
	}
}
