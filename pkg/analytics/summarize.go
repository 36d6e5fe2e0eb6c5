package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/okapi/internal/util"
	"github.com/OFFIS-RIT/okapi/pkg/ai"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/pkoukk/tiktoken-go"
)

// Summarization limits. The token budget resets at UTC midnight.
const (
	maxSampleEntities       = 10
	defaultDailyTokenBudget = 50000
	summaryEncoding         = "o200k_base"
)

type llmClusterSummary struct {
	Label   string `json:"label" jsonschema_description:"A label of at most 12 words naming the cluster"`
	Summary string `json:"summary" jsonschema_description:"Exactly two sentences describing the cluster"`
}

// SummarizeClusters produces a short label and summary per cluster,
// through the model when configured and within budget, from top terms
// otherwise. Results are cached by (cluster_id, top_terms) and persisted.
func (a *Analyzer) SummarizeClusters(ctx context.Context, namespace string, clusters []Cluster, dailyBudget int) ([]store.ClusterSummary, error) {
	if dailyBudget <= 0 {
		dailyBudget = defaultDailyTokenBudget
	}
	day := time.Now().UTC().Format("2006-01-02")

	var summaries []store.ClusterSummary
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}

		cacheKey := util.HashText(cluster.ClusterID + "|" + strings.Join(cluster.TopTerms, ","))
		if cached, ok := a.summaryCache.Get(cacheKey); ok {
			summaries = append(summaries, cached)
			continue
		}

		summary := store.ClusterSummary{
			Namespace: namespace,
			ClusterID: cluster.ClusterID,
			TopTerms:  cluster.TopTerms,
			CreatedAt: common.NowUTC(),
		}

		generated := false
		if a.client != nil {
			entityNames := a.sampleEntityNames(ctx, cluster)
			prompt := fmt.Sprintf(ai.ClusterSummaryPrompt,
				strings.Join(cluster.TopTerms, ", "),
				strings.Join(entityNames, ", "))

			cost := estimateTokens(prompt)
			total, err := a.store.AddSummaryTokens(ctx, namespace, day, cost)
			if err != nil {
				logger.Warn("Failed to account summary budget", "err", err)
			} else if total > dailyBudget {
				logger.Warn("Cluster summary budget exhausted for today", "namespace", namespace, "used", total)
			} else {
				var out llmClusterSummary
				err := a.client.GenerateCompletionWithFormat(ctx,
					"summarize_cluster",
					"Label and summarize one community of a knowledge graph.",
					prompt, &out)
				if err != nil {
					logger.Warn("Cluster summarization failed", "cluster", cluster.ClusterID, "err", err)
				} else {
					summary.Label = clampWords(out.Label, 12)
					summary.Summary = strings.TrimSpace(out.Summary)
					generated = true
				}
			}
		}

		if !generated {
			summary.Label = fallbackLabel(cluster)
			summary.Summary = fmt.Sprintf("Cluster of %d nodes. Dominant terms: %s.",
				cluster.Size, strings.Join(cluster.TopTerms, ", "))
		}

		if err := a.store.SaveClusterSummary(ctx, summary); err != nil {
			return summaries, err
		}
		a.summaryCache.Add(cacheKey, summary)
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

func (a *Analyzer) sampleEntityNames(ctx context.Context, cluster Cluster) []string {
	var names []string
	for _, id := range cluster.NodeIDs {
		if len(names) >= maxSampleEntities {
			break
		}
		node, err := a.store.GetNode(ctx, id)
		if err != nil {
			continue
		}
		switch node.Label {
		case common.LabelChunk, common.LabelSection:
			continue
		}
		names = append(names, node.Name)
	}
	return names
}

func estimateTokens(text string) int {
	enc, err := tiktoken.GetEncoding(summaryEncoding)
	if err != nil {
		// Character heuristic when the encoder is unavailable offline.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func clampWords(text string, maxWords int) string {
	words := strings.Fields(strings.TrimSpace(text))
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

func fallbackLabel(cluster Cluster) string {
	terms := cluster.TopTerms
	if len(terms) > 3 {
		terms = terms[:3]
	}
	if len(terms) == 0 {
		return cluster.ClusterID
	}
	return strings.Join(terms, " / ")
}
