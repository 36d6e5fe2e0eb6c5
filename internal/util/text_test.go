package util

import "testing"

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain utf8",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "contains null byte",
			input: "hel\x00lo",
			want:  "hello",
		},
		{
			name:  "contains invalid utf8",
			input: string([]byte{'a', 0xff, 'b'}),
			want:  "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeText(tt.input)
			if got != tt.want {
				t.Fatalf("unexpected sanitized value: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHashText_StableAndDistinct(t *testing.T) {
	a1 := HashText("document one")
	a2 := HashText("document one")
	b := HashText("document two")

	if a1 != a2 {
		t.Fatalf("hash not stable: %q vs %q", a1, a2)
	}
	if a1 == b {
		t.Fatalf("distinct inputs produced identical hash %q", a1)
	}
	if len(a1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a1))
	}
}
