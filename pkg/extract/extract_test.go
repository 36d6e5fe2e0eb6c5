package extract

import (
	"context"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

func entityNames(entities []Entity) map[string]string {
	out := map[string]string{}
	for _, e := range entities {
		out[e.Name] = e.Label
	}
	return out
}

func TestHeuristicExtract_CapitalizedEntities(t *testing.T) {
	result := heuristicExtract("OpenAI collaborates with Microsoft and Google on AI safety.")

	names := entityNames(result.Entities)
	for _, want := range []string{"OpenAI", "Microsoft", "Google"} {
		if _, ok := names[want]; !ok {
			t.Fatalf("expected entity %q, got %v", want, names)
		}
	}
}

func TestHeuristicExtract_Classification(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  string
		label string
	}{
		{
			name:  "known technology term",
			text:  "The ingestion service publishes to Kafka topics.",
			want:  "Kafka",
			label: common.LabelTechnology,
		},
		{
			name:  "tech suffix",
			text:  "The frontend is built with Vue.js components.",
			want:  "Vue.js",
			label: common.LabelTechnology,
		},
		{
			name:  "organization suffix",
			text:  "A partnership with Initech Corp was announced.",
			want:  "Initech Corp",
			label: common.LabelOrganization,
		},
		{
			name:  "role pattern",
			text:  "She was promoted to Senior Data Engineer last year.",
			want:  "Senior Data Engineer",
			label: common.LabelRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := heuristicExtract(tt.text)
			names := entityNames(result.Entities)
			got, ok := names[tt.want]
			if !ok {
				t.Fatalf("expected entity %q, got %v", tt.want, names)
			}
			if got != tt.label {
				t.Fatalf("expected %q labeled %s, got %s", tt.want, tt.label, got)
			}
		})
	}
}

func TestHeuristicExtract_WorksAtContext(t *testing.T) {
	result := heuristicExtract("Alice works at Acme. Acme uses Kafka.")

	names := entityNames(result.Entities)
	if names["Alice"] != common.LabelRole {
		t.Fatalf("expected Alice labeled Role, got %q", names["Alice"])
	}
	if names["Acme"] != common.LabelOrganization {
		t.Fatalf("expected Acme labeled Organization, got %q", names["Acme"])
	}
	if names["Kafka"] != common.LabelTechnology {
		t.Fatalf("expected Kafka labeled Technology, got %q", names["Kafka"])
	}
}

func TestHeuristicExtract_Deterministic(t *testing.T) {
	text := "OpenAI collaborates with Microsoft and Google on AI safety."
	r1 := heuristicExtract(text)
	r2 := heuristicExtract(text)
	if !reflect.DeepEqual(r1, r2) {
		t.Fatal("heuristic extraction is not deterministic")
	}
}

func TestExtractChunk_ForceHeuristicSkipsClient(t *testing.T) {
	// nil client would make any LLM attempt fail loudly.
	e := NewExtractor(NewExtractorParams{Client: nil})

	result, err := e.ExtractChunk(context.Background(), "Microsoft ships software.", ModeForceHeuristic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModeUsed != ModeHeuristic {
		t.Fatalf("expected heuristic mode, got %q", result.ModeUsed)
	}
}

func TestValidateLLMExtraction(t *testing.T) {
	res := llmExtraction{
		Entities: []llmEntity{
			{Name: "OpenAI", Label: "Organization"},
			{Name: "openai", Label: "Organization"}, // duplicate by normalized name
			{Name: "", Label: "Entity"},             // dropped
			{Name: "GPT-4", Label: "Model"},         // unknown label normalized
		},
		Relations: []llmRelation{
			{SourceName: "OpenAI", TargetName: "GPT-4", Relation: "developed", Confidence: 1.7},
			{SourceName: "OpenAI", TargetName: "Missing", Relation: "USES", Confidence: 0.5},
		},
	}

	out := validateLLMExtraction(res)

	if len(out.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d: %+v", len(out.Entities), out.Entities)
	}
	names := entityNames(out.Entities)
	if names["GPT-4"] != common.LabelEntity {
		t.Fatalf("expected unknown label normalized to Entity, got %q", names["GPT-4"])
	}

	if len(out.Relations) != 1 {
		t.Fatalf("expected 1 relation, got %d: %+v", len(out.Relations), out.Relations)
	}
	rel := out.Relations[0]
	if rel.Relation != "DEVELOPED" {
		t.Fatalf("expected upper-cased relation, got %q", rel.Relation)
	}
	if rel.Confidence != 1.0 {
		t.Fatalf("expected confidence clamped to 1.0, got %f", rel.Confidence)
	}
}

func TestDeriveCoOccurrence_Pairwise(t *testing.T) {
	entities := []Entity{
		{Name: "OpenAI", Label: common.LabelEntity, Confidence: 0.6},
		{Name: "Microsoft", Label: common.LabelEntity, Confidence: 0.8},
		{Name: "Google", Label: common.LabelEntity, Confidence: 0.7},
	}

	relations := DeriveCoOccurrence(entities)

	if len(relations) != 3 {
		t.Fatalf("expected 3 pairwise relations, got %d", len(relations))
	}
	for _, rel := range relations {
		if rel.Relation != common.RelationCoOccurs {
			t.Fatalf("unexpected relation %q", rel.Relation)
		}
	}
	// OpenAI(0.6) x Microsoft(0.8) inherits the lower confidence.
	if relations[0].Confidence != 0.6 {
		t.Fatalf("expected min confidence 0.6, got %f", relations[0].Confidence)
	}
}

func TestDeriveRoleAt_SameSentenceOnly(t *testing.T) {
	entities := []Entity{
		{Name: "Alice", Label: common.LabelRole, Confidence: 0.6},
		{Name: "Acme", Label: common.LabelOrganization, Confidence: 0.6},
		{Name: "Globex", Label: common.LabelOrganization, Confidence: 0.6},
	}

	relations := DeriveRoleAt("Alice works at Acme. Globex is unrelated here.", entities)

	if len(relations) != 1 {
		t.Fatalf("expected 1 relation, got %d: %+v", len(relations), relations)
	}
	if relations[0].SourceName != "Alice" || relations[0].TargetName != "Acme" {
		t.Fatalf("unexpected relation endpoints: %+v", relations[0])
	}
	if relations[0].Relation != common.RelationRoleAt {
		t.Fatalf("unexpected relation %q", relations[0].Relation)
	}
}

func TestDeriveUsesTech(t *testing.T) {
	entities := []Entity{
		{Name: "Acme", Label: common.LabelOrganization, Confidence: 0.6},
		{Name: "Kafka", Label: common.LabelTechnology, Confidence: 0.6},
		{Name: "Bob", Label: common.LabelEntity, Confidence: 0.6},
	}

	relations := DeriveUsesTech(entities)

	if len(relations) != 1 {
		t.Fatalf("expected 1 relation, got %d: %+v", len(relations), relations)
	}
	if relations[0].SourceName != "Acme" || relations[0].TargetName != "Kafka" {
		t.Fatalf("unexpected endpoints: %+v", relations[0])
	}
	if relations[0].Relation != common.RelationUsesTech {
		t.Fatalf("unexpected relation %q", relations[0].Relation)
	}
}
