package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/ai"
)

type fakeProvider struct {
	calls int
	fail  bool
}

func (f *fakeProvider) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeProvider) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return errors.New("not implemented")
}

func (f *fakeProvider) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{float32(len(inputs[i])), 1, 0}
	}
	return out, nil
}

func (f *fakeProvider) ResetMetrics()               {}
func (f *fakeProvider) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func TestEmbedTexts_Disabled(t *testing.T) {
	e := NewEmbedder(NewEmbedderParams{Provider: nil})

	out, err := e.EmbedTexts(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0] != nil || out[1] != nil {
		t.Fatalf("expected empty vectors, got %v", out)
	}
}

func TestEmbedTexts_CachesByText(t *testing.T) {
	provider := &fakeProvider{}
	e := NewEmbedder(NewEmbedderParams{Provider: provider, ProviderTag: "fake"})

	first, err := e.EmbedTexts(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls)
	}

	second, err := e.EmbedTexts(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected cache hit, provider called %d times", provider.calls)
	}
	for i := range first {
		if len(first[i]) != len(second[i]) {
			t.Fatalf("cache returned different vector at %d", i)
		}
	}
}

func TestEmbedTexts_FailureReturnsEmpties(t *testing.T) {
	provider := &fakeProvider{fail: true}
	e := NewEmbedder(NewEmbedderParams{Provider: provider, ProviderTag: "fake", MaxRetries: 2})

	out, err := e.EmbedTexts(context.Background(), []string{"doc"})
	if err == nil {
		t.Fatal("expected provider error to surface")
	}
	if len(out) != 1 || len(out[0]) != 0 {
		t.Fatalf("expected aligned empty vectors, got %v", out)
	}
	if provider.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", provider.calls)
	}
}
