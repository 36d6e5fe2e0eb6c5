package extract

import (
	"context"
	"testing"
)

func TestExtractChunk_NoProviderTagsFallback(t *testing.T) {
	e := NewExtractor(NewExtractorParams{Client: nil})

	result, err := e.ExtractChunk(context.Background(), "Microsoft builds software in Redmond.", ModeLLM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModeUsed != ModeHeuristicFallback {
		t.Fatalf("expected heuristic_fallback, got %q", result.ModeUsed)
	}
	if len(result.Entities) == 0 {
		t.Fatal("fallback produced no entities")
	}
}
