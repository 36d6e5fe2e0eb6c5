package ollama

import (
	"context"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/ai"

	"github.com/ollama/ollama/api"
)

// GenerateEmbeddings creates vector embeddings for the given inputs using
// the configured embedding model on Ollama. Blank inputs produce empty
// vectors; results are aligned with the input slice.
func (c *GraphOllamaClient) GenerateEmbeddings(
	ctx context.Context,
	inputs []string,
) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		if strings.TrimSpace(input) == "" {
			out[i] = nil
			continue
		}

		req := &api.EmbedRequest{
			Model: c.embeddingModel,
			Input: input,
		}

		if err := c.reqLock.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		res, err := c.Client.Embed(ctx, req)
		c.reqLock.Release(1)
		if err != nil {
			return nil, err
		}

		c.modifyMetrics(ai.ModelMetrics{
			InputTokens: res.PromptEvalCount,
			TotalTokens: res.PromptEvalCount,
			DurationMs:  res.TotalDuration.Milliseconds(),
		})

		vec := make([]float32, 0, c.embeddingDim)
		for _, v := range res.Embeddings {
			for _, val := range v {
				if len(vec) >= c.embeddingDim {
					break
				}
				vec = append(vec, float32(val))
			}
		}
		out[i] = vec
	}
	return out, nil
}
