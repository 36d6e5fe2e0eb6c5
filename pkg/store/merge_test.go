package store

import (
	"errors"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

func TestMergeNode_UnionsProperties(t *testing.T) {
	existing := common.Node{
		ID:    "public:openai",
		Label: common.LabelEntity,
		Properties: map[string]any{
			"source_ids": []string{"d1"},
			"degree":     3,
		},
	}
	incoming := common.Node{
		ID:    "public:openai",
		Label: common.LabelEntity,
		Properties: map[string]any{
			"source_ids": []string{"d2", "d1"},
			"summary":    "an ai lab",
		},
	}

	if err := MergeNode(&existing, incoming); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if existing.Properties["summary"] != "an ai lab" {
		t.Fatalf("incoming property lost: %+v", existing.Properties)
	}
	if existing.Properties["degree"] != 3 {
		t.Fatalf("existing property lost: %+v", existing.Properties)
	}
	sources, _ := existing.Properties["source_ids"].([]string)
	if !reflect.DeepEqual(sources, []string{"d1", "d2"}) {
		t.Fatalf("source_ids not appended as a set: %v", sources)
	}
}

func TestMergeNode_EmbeddingOnlyFillsEmpty(t *testing.T) {
	existing := common.Node{ID: "n", Label: common.LabelChunk, Embedding: []float32{1, 2}}
	incoming := common.Node{ID: "n", Label: common.LabelChunk, Embedding: []float32{9, 9}}

	if err := MergeNode(&existing, incoming); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(existing.Embedding, []float32{1, 2}) {
		t.Fatalf("non-empty embedding was overwritten: %v", existing.Embedding)
	}

	empty := common.Node{ID: "n2", Label: common.LabelChunk}
	if err := MergeNode(&empty, incoming); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(empty.Embedding, []float32{9, 9}) {
		t.Fatalf("empty embedding not filled: %v", empty.Embedding)
	}
}

func TestMergeNode_LabelMismatchIsIntegrityViolation(t *testing.T) {
	existing := common.Node{ID: "n", Label: common.LabelEntity}
	incoming := common.Node{ID: "n", Label: common.LabelOrganization}

	err := MergeNode(&existing, incoming)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestMergeEdge_KeepsMaxConfidence(t *testing.T) {
	existing := common.Edge{ID: "e", Confidence: 0.4, Properties: map[string]any{"weight": 0.4}}

	MergeEdge(&existing, common.Edge{ID: "e", Confidence: 0.9, Properties: map[string]any{"weight": 0.9}})
	if existing.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %f", existing.Confidence)
	}
	if existing.Properties["weight"] != 0.9 {
		t.Fatalf("weight should follow winning confidence: %v", existing.Properties["weight"])
	}

	MergeEdge(&existing, common.Edge{ID: "e", Confidence: 0.2, Properties: map[string]any{"weight": 0.2}})
	if existing.Confidence != 0.9 {
		t.Fatalf("lower confidence overwrote: %f", existing.Confidence)
	}
	if existing.Properties["weight"] != 0.9 {
		t.Fatalf("weight downgraded by lower-confidence merge: %v", existing.Properties["weight"])
	}
}
