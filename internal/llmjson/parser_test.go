package llmjson

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParse_CascadeEquivalence(t *testing.T) {
	// The same document must survive every delivery the engine uses.
	want := map[string]any{"endpoint_name": "SRI-4", "responders": float64(75)}

	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "raw json",
			input: `{"endpoint_name": "SRI-4", "responders": 75}`,
		},
		{
			name:  "fenced json block",
			input: "Here you go:\n```json\n{\"endpoint_name\": \"SRI-4\", \"responders\": 75}\n```\nLet me know if you need more.",
		},
		{
			name:  "trailing comma",
			input: `{"endpoint_name": "SRI-4", "responders": 75,}`,
		},
		{
			name:  "unterminated brace",
			input: `{"endpoint_name": "SRI-4", "responders": 75`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Parse(tt.input, ShapeObject)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("result not unmarshalable: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, want)
			}
		})
	}
}

func TestParse_ShapeRejection(t *testing.T) {
	// A clean object must not satisfy a caller expecting an array.
	_, err := Parse(`{"a": 1}`, ShapeArray)
	if err == nil {
		t.Fatal("expected error parsing object with ShapeArray")
	}
	if !errors.Is(err, ErrUnparseable) {
		t.Errorf("expected ErrUnparseable, got %v", err)
	}

	_, err = Parse(`[1, 2, 3]`, ShapeObject)
	if err == nil {
		t.Fatal("expected error parsing array with ShapeObject")
	}
}

func TestParse_ArrayInProse(t *testing.T) {
	input := "The genuine data tables are:\n[\"Table 1\", \"Table 2\"]\nThe rest are layout artifacts."
	raw, err := Parse(input, ShapeArray)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(labels) != 2 || labels[0] != "Table 1" {
		t.Errorf("labels = %v", labels)
	}
}

func TestParse_PrefersTaggedFence(t *testing.T) {
	input := "```\nnot the answer\n```\nand the real one:\n```json\n{\"a\": 2}\n```"
	raw, err := Parse(input, ShapeObject)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["a"] != 2 {
		t.Errorf("got %v, want tagged fence content", got)
	}
}

func TestParse_PythonLiterals(t *testing.T) {
	raw, err := Parse(`{"stat_sig": True, "p_value": None}`, ShapeObject)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	var got struct {
		StatSig *bool `json:"stat_sig"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.StatSig == nil || !*got.StatSig {
		t.Errorf("stat_sig = %v, want true", got.StatSig)
	}
}

func TestParse_Unsalvageable(t *testing.T) {
	for _, input := range []string{"", "the paper has no efficacy data", "```\n\n```"} {
		if _, err := Parse(input, ShapeObject); err == nil {
			t.Errorf("Parse(%q) expected error", input)
		}
	}
}

func TestParse_Stats(t *testing.T) {
	ResetStats()

	if _, err := Parse(`{"a": 1}`, ShapeObject); err != nil {
		t.Fatal(err)
	}
	if _, err := Parse("```json\n[1]\n```", ShapeArray); err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(`{"a": 1,}`, ShapeObject); err != nil {
		t.Fatal(err)
	}
	if _, err := Parse("no json at all", ShapeObject); err == nil {
		t.Fatal("expected failure")
	}

	s := GetStats()
	if s.Attempts != 4 || s.Direct != 1 || s.Fenced != 1 || s.Repaired != 1 || s.Failures != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestExtractSpan(t *testing.T) {
	tests := []struct {
		name  string
		input string
		shape Shape
		want  string
	}{
		{
			name:  "object with prose",
			input: `Based on Table 2, {"n": 182} is the count.`,
			shape: ShapeObject,
			want:  `{"n": 182}`,
		},
		{
			name:  "nested braces",
			input: `x {"a": {"b": 1}} y`,
			shape: ShapeObject,
			want:  `{"a": {"b": 1}}`,
		},
		{
			name:  "brace inside string",
			input: `{"note": "see {Table 3}"} trailing`,
			shape: ShapeObject,
			want:  `{"note": "see {Table 3}"}`,
		},
		{
			name:  "array shape skips leading object",
			input: `config {"a":1} then ["x", "y"]`,
			shape: ShapeArray,
			want:  `["x", "y"]`,
		},
		{
			name:  "truncated returns tail",
			input: `prefix {"a": [1, 2`,
			shape: ShapeObject,
			want:  `{"a": [1, 2`,
		},
		{
			name:  "no opener",
			input: `nothing here`,
			shape: ShapeAny,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSpan(tt.input, tt.shape); got != tt.want {
				t.Errorf("ExtractSpan(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextualRepair(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"trailing comma in object", `{"a": 1,}`},
		{"trailing comma in array", `[1, 2, 3,]`},
		{"repeated commas", `[1,, 2,,, 3]`},
		{"leading comma", `[, 1, 2]`},
		{"embedded newline in string", "{\"a\": \"line one\nline two\"}"},
		{"control characters", "{\"a\": \"x\x01y\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := textualRepair(tt.input)
			if !json.Valid([]byte(got)) {
				t.Errorf("textualRepair(%q) = %q, not valid JSON", tt.input, got)
			}
		})
	}
}

func TestStructuralRepair(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{
			name:  "unclosed array of objects",
			input: `{"endpoints": [{"name": "SRI-4"}, {"name": "BICLA"}`,
			valid: true,
		},
		{
			name:  "truncated mid object",
			input: `{"endpoints": [{"name": "SRI-4", "details": {"week": 52`,
			valid: true,
		},
		{
			name:  "trailing comma before truncation",
			input: `{"endpoints": [{"name": "SRI-4"},`,
			valid: true,
		},
		{
			name:  "truncated mid string",
			input: `{"name": "SRI-4 respon`,
			valid: true,
		},
		{
			name:  "bare identifier value",
			input: `{"severity": moderate}`,
			valid: true,
		},
		{
			name:  "empty",
			input: "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := structuralRepair(tt.input)
			if tt.valid && !json.Valid([]byte(got)) {
				t.Errorf("structuralRepair(%q) = %q, expected valid JSON", tt.input, got)
			}
		})
	}
}
