package ai

import (
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type extraction struct {
		Name  string `json:"name"`
		Label string `json:"label,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  extraction
	}{
		{
			name:  "valid json object",
			input: `{"name":"OpenAI"}`,
			want:  extraction{Name: "OpenAI"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{name: 'OpenAI'}`,
			want:  extraction{Name: "OpenAI"},
		},
		{
			name:  "trailing comma",
			input: `{"name":"OpenAI",}`,
			want:  extraction{Name: "OpenAI"},
		},
		{
			name:  "missing endbracket",
			input: `{"name":"OpenAI`,
			want:  extraction{Name: "OpenAI"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{name: 'OpenAI'}"`,
			want:  extraction{Name: "OpenAI"},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"name\": \"OpenAI\"\n}\n",
			want:  extraction{Name: "OpenAI"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got extraction
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("UnmarshalFlexible() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestGenerateSchema_StructFields(t *testing.T) {
	type rel struct {
		SourceName string  `json:"source_name"`
		TargetName string  `json:"target_name"`
		Relation   string  `json:"relation"`
		Confidence float64 `json:"confidence"`
	}

	schema := GenerateSchema(&rel{})
	if schema == nil {
		t.Fatal("expected non-nil schema")
	}
}
