package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/okapi/internal/util"
	"github.com/OFFIS-RIT/okapi/pkg/ai"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
)

// Extraction modes. ModeLLM falls back to the heuristic path on provider
// failure and tags the result accordingly; ModeForceHeuristic never
// touches the provider.
const (
	ModeLLM            = "llm"
	ModeHeuristic      = "heuristic"
	ModeForceHeuristic = "force_heuristic"

	// ModeHeuristicFallback marks results where the LLM was configured
	// but failed and the heuristic stood in.
	ModeHeuristicFallback = "heuristic_fallback"
)

// Extraction confidence assigned per path. CO_OCCURS edges inherit the
// lower confidence of their endpoints.
const (
	llmEntityConfidence       = 0.8
	heuristicEntityConfidence = common.DefaultConfidence
)

// Entity is an extracted named thing before it becomes a graph node.
type Entity struct {
	Name       string
	Label      string
	Confidence float64
}

// Relation is an extracted connection between two named entities.
type Relation struct {
	SourceName string
	TargetName string
	Relation   string
	Confidence float64
}

// Result is the outcome of extracting one chunk.
type Result struct {
	Entities  []Entity
	Relations []Relation
	ModeUsed  string
}

// Extractor turns chunk text into entities and relations, via the model
// or the deterministic heuristic rules.
type Extractor struct {
	client     ai.GraphAIClient
	maxRetries int
}

// NewExtractorParams configures an Extractor. A nil Client restricts the
// extractor to heuristic mode.
type NewExtractorParams struct {
	Client     ai.GraphAIClient
	MaxRetries int
}

func NewExtractor(params NewExtractorParams) *Extractor {
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Extractor{
		client:     params.Client,
		maxRetries: maxRetries,
	}
}

type llmEntity struct {
	Name  string `json:"name" jsonschema_description:"Name of the entity exactly as it appears in the text"`
	Label string `json:"label" jsonschema_description:"One of the provided entity labels"`
}

type llmRelation struct {
	SourceName string  `json:"source_name" jsonschema_description:"Name of the source entity from the entity list"`
	TargetName string  `json:"target_name" jsonschema_description:"Name of the target entity from the entity list"`
	Relation   string  `json:"relation" jsonschema_description:"Short upper-case relation label"`
	Confidence float64 `json:"confidence" jsonschema_description:"How explicitly the text supports this relationship, 0.0 to 1.0"`
}

type llmExtraction struct {
	Entities  []llmEntity   `json:"entities" jsonschema_description:"Entities identified in the text"`
	Relations []llmRelation `json:"relations" jsonschema_description:"Relationships identified in the text"`
}

// ExtractChunk extracts entities and relations from one chunk of text.
// LLM failures degrade to the heuristic path; only context cancellation
// is surfaced as an error.
func (e *Extractor) ExtractChunk(ctx context.Context, text string, mode string) (*Result, error) {
	if mode == "" {
		mode = ModeLLM
	}

	if mode == ModeForceHeuristic || mode == ModeHeuristic {
		result := heuristicExtract(text)
		result.ModeUsed = ModeHeuristic
		return result, nil
	}

	// LLM requested but no provider configured: same degradation as a
	// provider outage.
	if e.client == nil {
		result := heuristicExtract(text)
		result.ModeUsed = ModeHeuristicFallback
		return result, nil
	}

	result, err := util.RetryWithContext(ctx, e.maxRetries, func(ctx context.Context) (*Result, error) {
		return e.llmExtract(ctx, text)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("LLM extraction failed, falling back to heuristic", "err", err)
		result = heuristicExtract(text)
		result.ModeUsed = ModeHeuristicFallback
		return result, nil
	}
	return result, nil
}

func (e *Extractor) llmExtract(ctx context.Context, text string) (*Result, error) {
	systemPrompt := fmt.Sprintf(ai.ExtractPrompt, strings.Join(common.EntityLabels(), ", "))

	var res llmExtraction
	err := e.client.GenerateCompletionWithFormat(
		ctx,
		"extract_entities_and_relations",
		"Extract entities and relationships from a provided document chunk.",
		text,
		&res,
		ai.WithSystemPrompts(systemPrompt),
	)
	if err != nil {
		return nil, err
	}

	return validateLLMExtraction(res), nil
}

// validateLLMExtraction enforces the closed label set, drops empty names,
// clamps confidences and deduplicates by normalized name.
func validateLLMExtraction(res llmExtraction) *Result {
	out := &Result{ModeUsed: ModeLLM}

	validLabels := map[string]struct{}{}
	for _, label := range common.EntityLabels() {
		validLabels[label] = struct{}{}
	}

	seen := map[string]struct{}{}
	names := map[string]string{}
	for _, entity := range res.Entities {
		name := strings.TrimSpace(entity.Name)
		if name == "" {
			continue
		}
		key := common.NormalizeName(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		label := strings.TrimSpace(entity.Label)
		if _, ok := validLabels[label]; !ok {
			label = common.LabelEntity
		}

		names[key] = name
		out.Entities = append(out.Entities, Entity{
			Name:       name,
			Label:      label,
			Confidence: llmEntityConfidence,
		})
	}

	for _, rel := range res.Relations {
		source := names[common.NormalizeName(rel.SourceName)]
		target := names[common.NormalizeName(rel.TargetName)]
		if source == "" || target == "" || source == target {
			continue
		}
		relation := strings.ToUpper(strings.TrimSpace(rel.Relation))
		if relation == "" {
			continue
		}
		confidence := rel.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		if confidence == 0 {
			confidence = common.DefaultConfidence
		}
		out.Relations = append(out.Relations, Relation{
			SourceName: source,
			TargetName: target,
			Relation:   relation,
			Confidence: confidence,
		})
	}

	return out
}
