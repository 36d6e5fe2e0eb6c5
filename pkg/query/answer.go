package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/ai"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
)

// maxAnswerPassages bounds the prompt size for answer synthesis.
const maxAnswerPassages = 8

// Answer is a grounded synthesis over retrieved passages. Retrieval-only
// deployments (no LLM) get an empty AnswerText with the contributing ids
// still populated.
type Answer struct {
	AnswerText          string   `json:"answer_text"`
	ContributingNodeIDs []string `json:"contributing_node_ids"`
	Error               string   `json:"error,omitempty"`
}

// Synthesizer generates answers from retrieved chunks. A nil client is a
// supported configuration.
type Synthesizer struct {
	client ai.GraphAIClient
}

func NewSynthesizer(client ai.GraphAIClient) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize builds the grounded answer. Provider failure is non-fatal:
// the answer is empty and tagged, the retrieval result stands.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, passages []Passage) Answer {
	if len(passages) > maxAnswerPassages {
		passages = passages[:maxAnswerPassages]
	}

	contributing := make([]string, 0, len(passages))
	seen := map[string]struct{}{}
	for _, passage := range passages {
		if _, dup := seen[passage.NodeID]; dup {
			continue
		}
		seen[passage.NodeID] = struct{}{}
		contributing = append(contributing, passage.NodeID)
	}

	if s.client == nil {
		return Answer{ContributingNodeIDs: contributing}
	}
	if len(passages) == 0 {
		return Answer{ContributingNodeIDs: contributing}
	}

	var contextBlock strings.Builder
	for i, passage := range passages {
		fmt.Fprintf(&contextBlock, "[%d] %s\n\n", i+1, passage.Text)
	}

	prompt := fmt.Sprintf(ai.AnswerPrompt, contextBlock.String())
	answer, err := s.client.GenerateCompletion(ctx, question, ai.WithSystemPrompts(prompt))
	if err != nil {
		logger.Warn("Answer synthesis failed", "err", err)
		return Answer{
			ContributingNodeIDs: contributing,
			Error:               "provider_failure",
		}
	}

	return Answer{
		AnswerText:          strings.TrimSpace(answer),
		ContributingNodeIDs: contributing,
	}
}
