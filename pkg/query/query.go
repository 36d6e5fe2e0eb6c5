package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/embed"
	"github.com/OFFIS-RIT/okapi/pkg/store"
)

// Retrieval modes.
const (
	ModeAuto       = "auto"
	ModeLocal      = "local"
	ModeGlobal     = "global"
	ModeDrift      = "drift"
	ModeStructured = "structured"
)

// Defaults for candidate generation and expansion.
const (
	defaultSampleCap     = 1000
	defaultExpandSeeds   = 20
	defaultAutoThreshold = 0.35
	expansionDecay       = 0.5
)

// Weights is the per-mode scoring vector: similarity, degree, pagerank,
// lexical overlap.
type Weights struct {
	Sim float64
	Deg float64
	Cen float64
	Lex float64
}

func defaultWeights() map[string]Weights {
	return map[string]Weights{
		ModeLocal:  {Sim: 0.60, Deg: 0.10, Cen: 0.10, Lex: 0.20},
		ModeGlobal: {Sim: 0.30, Deg: 0.25, Cen: 0.30, Lex: 0.15},
		ModeDrift:  {Sim: 0.40, Deg: 0.10, Cen: 0.30, Lex: 0.20},
	}
}

// expansionRelations are the edge types followed during adjacency
// expansion.
var expansionRelations = map[string]struct{}{
	common.RelationMentionedIn: {},
	common.RelationHasEntity:   {},
	common.RelationRoleAt:      {},
	common.RelationUsesTech:    {},
}

// Filters restrict candidates before scoring.
type Filters struct {
	Labels    []string `json:"labels,omitempty"`
	Relations []string `json:"relations,omitempty"`
}

// ScoredNode is one ranked result.
type ScoredNode struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Label      string             `json:"label"`
	Score      float64            `json:"score"`
	Breakdown  map[string]float64 `json:"score_breakdown,omitempty"`
	Importance float64            `json:"importance,omitempty"`
}

// Passage is a retrieved chunk with its originating node id.
type Passage struct {
	NodeID string  `json:"node_id"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// ReasoningStep snapshots one ranking stage for the reasoning chain.
type ReasoningStep struct {
	Step         string   `json:"step"`
	CandidateIDs []string `json:"candidate_ids"`
}

// Response is the retrieval result.
type Response struct {
	ModeUsed       string          `json:"mode_used"`
	Nodes          []ScoredNode    `json:"nodes"`
	Passages       []Passage       `json:"passages"`
	ReasoningChain []ReasoningStep `json:"reasoning_chain"`
}

// Engine ranks graph content for a question by combining dense
// similarity, lexical overlap and structural signals.
type Engine struct {
	store    store.GraphStore
	embedder *embed.Embedder

	weights       map[string]Weights
	autoThreshold float64
	sampleCap     int
	expandSeeds   int
}

// NewEngineParams configures an Engine. Zero values fall back to the
// documented defaults; Weights overrides individual modes only.
type NewEngineParams struct {
	Store    store.GraphStore
	Embedder *embed.Embedder

	Weights       map[string]Weights
	AutoThreshold float64
	SampleCap     int
	ExpandSeeds   int
}

func NewEngine(params NewEngineParams) *Engine {
	weights := defaultWeights()
	for mode, w := range params.Weights {
		weights[mode] = w
	}
	threshold := params.AutoThreshold
	if threshold <= 0 {
		threshold = defaultAutoThreshold
	}
	sampleCap := params.SampleCap
	if sampleCap <= 0 {
		sampleCap = defaultSampleCap
	}
	expandSeeds := params.ExpandSeeds
	if expandSeeds <= 0 {
		expandSeeds = defaultExpandSeeds
	}
	return &Engine{
		store:         params.Store,
		embedder:      params.Embedder,
		weights:       weights,
		autoThreshold: threshold,
		sampleCap:     sampleCap,
		expandSeeds:   expandSeeds,
	}
}

// Query runs the staged ranking pipeline. Cancellation is checked between
// stages; a canceled query returns the context error, never partial
// results.
func (e *Engine) Query(ctx context.Context, question, namespace, mode string, topK int, filters Filters) (*Response, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if topK <= 0 {
		topK = 10
	}
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeAuto:
		local, err := e.queryMode(ctx, question, namespace, ModeLocal, topK, filters)
		if err != nil {
			return nil, err
		}
		if len(local.Nodes) > 0 && local.Nodes[0].Score >= e.autoThreshold {
			local.ModeUsed = ModeLocal
			return local, nil
		}
		global, err := e.queryMode(ctx, question, namespace, ModeGlobal, topK, filters)
		if err != nil {
			return nil, err
		}
		merged := mergeResponses(local, global, topK)
		merged.ModeUsed = ModeGlobal
		return merged, nil
	case ModeLocal, ModeGlobal, ModeDrift, ModeStructured:
		resolved := mode
		if mode == ModeStructured {
			// Structured mode ranks like global over the richer artifact
			// graph; the artifact importer has already merged it in.
			resolved = ModeGlobal
		}
		resp, err := e.queryMode(ctx, question, namespace, resolved, topK, filters)
		if err != nil {
			return nil, err
		}
		resp.ModeUsed = mode
		return resp, nil
	default:
		return nil, fmt.Errorf("unknown retrieval mode %q", mode)
	}
}

type candidate struct {
	node      common.Node
	sim       float64
	lex       float64
	score     float64
	breakdown map[string]float64
	expanded  bool
}

func (e *Engine) queryMode(ctx context.Context, question, namespace, mode string, topK int, filters Filters) (*Response, error) {
	var chain []ReasoningStep

	// Stage 1: candidate generation.
	candidates, err := e.generateCandidates(ctx, question, namespace, filters)
	if err != nil {
		return nil, err
	}
	chain = append(chain, snapshot("candidates", candidates))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 2: structural rerank.
	weights := e.weights[mode]
	for _, c := range candidates {
		deg := propFloat(c.node.Properties, "degree_norm")
		cen := propFloat(c.node.Properties, "pagerank_norm")
		c.breakdown = map[string]float64{
			"sim": weights.Sim * c.sim,
			"deg": weights.Deg * deg,
			"cen": weights.Cen * cen,
			"lex": weights.Lex * c.lex,
		}
		c.score = c.breakdown["sim"] + c.breakdown["deg"] + c.breakdown["cen"] + c.breakdown["lex"]
	}
	sortCandidates(candidates)
	chain = append(chain, snapshot("structural_rerank", candidates))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 3: adjacency expansion from the top seeds.
	candidates, err = e.expandAdjacency(ctx, namespace, candidates, filters)
	if err != nil {
		return nil, err
	}
	sortCandidates(candidates)
	chain = append(chain, snapshot("adjacency_expansion", candidates))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 4/5: tie-break is part of sortCandidates; truncate.
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	chain = append(chain, snapshot("truncate", candidates))

	resp := &Response{ModeUsed: mode, ReasoningChain: chain}
	for _, c := range candidates {
		resp.Nodes = append(resp.Nodes, ScoredNode{
			ID:         c.node.ID,
			Name:       c.node.Name,
			Label:      c.node.Label,
			Score:      c.score,
			Breakdown:  c.breakdown,
			Importance: propFloat(c.node.Properties, "importance"),
		})
		if c.node.Label == common.LabelChunk {
			if text, ok := c.node.Properties["text"].(string); ok {
				resp.Passages = append(resp.Passages, Passage{
					NodeID: c.node.ID,
					Text:   text,
					Score:  c.score,
				})
			}
		}
	}
	return resp, nil
}

// generateCandidates unions the dense pass (or name-contains fallback)
// with a lexical term-frequency pass over chunk text.
func (e *Engine) generateCandidates(ctx context.Context, question, namespace string, filters Filters) ([]*candidate, error) {
	sample, err := e.sampleNodes(ctx, namespace)
	if err != nil {
		return nil, err
	}

	byID := map[string]*candidate{}
	labelOK := labelFilter(filters)

	var queryVec []float32
	if e.embedder != nil && e.embedder.Enabled() {
		vectors, err := e.embedder.EmbedTexts(ctx, []string{question})
		if err == nil && len(vectors) == 1 {
			queryVec = vectors[0]
		}
	}

	terms := queryTerms(question)
	lowerQuestion := strings.ToLower(question)

	for i := range sample {
		node := sample[i]
		if !labelOK(node.Label) {
			continue
		}

		c := &candidate{node: node}

		if len(queryVec) > 0 && len(node.Embedding) > 0 {
			c.sim = cosine(queryVec, node.Embedding)
		} else if strings.Contains(strings.ToLower(node.Name), lowerQuestion) ||
			containsAnyTerm(strings.ToLower(node.Name), terms) {
			c.sim = 0.5
			if strings.EqualFold(node.Name, question) {
				c.sim = 1.0
			}
		}

		if node.Label == common.LabelChunk {
			if text, ok := node.Properties["text"].(string); ok {
				c.lex = termFrequency(text, terms)
			}
		} else {
			c.lex = termFrequency(node.Name, terms)
		}

		if c.sim > 0 || c.lex > 0 {
			byID[node.ID] = c
		}
	}

	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out, nil
}

// sampleNodes caps the in-memory scoring set, preferring chunks and
// high-importance entities when over the cap.
func (e *Engine) sampleNodes(ctx context.Context, namespace string) ([]common.Node, error) {
	nodes, _, err := e.store.ListGraph(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if len(nodes) <= e.sampleCap {
		return nodes, nil
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		ci := nodes[i].Label == common.LabelChunk
		cj := nodes[j].Label == common.LabelChunk
		if ci != cj {
			return ci
		}
		return propFloat(nodes[i].Properties, "importance") > propFloat(nodes[j].Properties, "importance")
	})
	return nodes[:e.sampleCap], nil
}

func (e *Engine) expandAdjacency(ctx context.Context, namespace string, candidates []*candidate, filters Filters) ([]*candidate, error) {
	seeds := candidates
	if len(seeds) > e.expandSeeds {
		seeds = seeds[:e.expandSeeds]
	}

	relationOK := relationFilter(filters)
	labelOK := labelFilter(filters)
	byID := map[string]*candidate{}
	for _, c := range candidates {
		byID[c.node.ID] = c
	}

	for _, seed := range seeds {
		nodes, edges, err := e.store.Neighbors(ctx, seed.node.ID, 1)
		if err != nil {
			continue
		}
		nodesByID := map[string]common.Node{}
		for _, node := range nodes {
			nodesByID[node.ID] = node
		}
		for _, edge := range edges {
			if _, follow := expansionRelations[edge.Relation]; !follow {
				continue
			}
			if !relationOK(edge.Relation) {
				continue
			}
			for _, id := range []string{edge.SourceID, edge.TargetID} {
				if id == seed.node.ID {
					continue
				}
				if _, exists := byID[id]; exists {
					continue
				}
				node, ok := nodesByID[id]
				if !ok || node.Namespace != namespace || !labelOK(node.Label) {
					continue
				}
				c := &candidate{
					node:     node,
					score:    seed.score * expansionDecay,
					expanded: true,
					breakdown: map[string]float64{
						"expanded_from_seed": seed.score * expansionDecay,
					},
				}
				byID[id] = c
				candidates = append(candidates, c)
			}
		}
	}
	return candidates, nil
}

// SimilarNodes ranks nodes by cosine similarity to the given node's
// embedding.
func (e *Engine) SimilarNodes(ctx context.Context, nodeID string, topK int) ([]ScoredNode, error) {
	if topK <= 0 {
		topK = 10
	}
	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if len(node.Embedding) == 0 {
		return nil, nil
	}

	sample, err := e.sampleNodes(ctx, node.Namespace)
	if err != nil {
		return nil, err
	}

	var scored []ScoredNode
	for _, other := range sample {
		if other.ID == nodeID || len(other.Embedding) == 0 {
			continue
		}
		scored = append(scored, ScoredNode{
			ID:    other.ID,
			Name:  other.Name,
			Label: other.Label,
			Score: cosine(node.Embedding, other.Embedding),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func sortCandidates(candidates []*candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		impI := propFloat(candidates[i].node.Properties, "importance")
		impJ := propFloat(candidates[j].node.Properties, "importance")
		if impI != impJ {
			return impI > impJ
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})
}

func mergeResponses(a, b *Response, topK int) *Response {
	seen := map[string]ScoredNode{}
	for _, n := range a.Nodes {
		seen[n.ID] = n
	}
	for _, n := range b.Nodes {
		if prev, ok := seen[n.ID]; !ok || n.Score > prev.Score {
			seen[n.ID] = n
		}
	}
	merged := make([]ScoredNode, 0, len(seen))
	for _, n := range seen {
		merged = append(merged, n)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}

	passages := append([]Passage{}, a.Passages...)
	seenPassage := map[string]struct{}{}
	for _, p := range passages {
		seenPassage[p.NodeID] = struct{}{}
	}
	for _, p := range b.Passages {
		if _, dup := seenPassage[p.NodeID]; !dup {
			passages = append(passages, p)
		}
	}

	return &Response{
		Nodes:          merged,
		Passages:       passages,
		ReasoningChain: append(a.ReasoningChain, b.ReasoningChain...),
	}
}

func snapshot(step string, candidates []*candidate) ReasoningStep {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.node.ID)
	}
	sort.Strings(ids)
	return ReasoningStep{Step: step, CandidateIDs: ids}
}

func labelFilter(filters Filters) func(string) bool {
	if len(filters.Labels) == 0 {
		return func(string) bool { return true }
	}
	allowed := map[string]struct{}{}
	for _, label := range filters.Labels {
		allowed[label] = struct{}{}
	}
	return func(label string) bool {
		_, ok := allowed[label]
		return ok
	}
}

func relationFilter(filters Filters) func(string) bool {
	if len(filters.Relations) == 0 {
		return func(string) bool { return true }
	}
	allowed := map[string]struct{}{}
	for _, relation := range filters.Relations {
		allowed[relation] = struct{}{}
	}
	return func(relation string) bool {
		_, ok := allowed[relation]
		return ok
	}
}

func propFloat(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func queryTerms(question string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(question)) {
		field = strings.Trim(field, ".,;:!?\"'()")
		if len(field) > 2 {
			terms = append(terms, field)
		}
	}
	return terms
}

func containsAnyTerm(haystack string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// termFrequency is a plain TF score normalized by text length; no IDF.
func termFrequency(text string, terms []string) float64 {
	if len(terms) == 0 || text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	count := 0
	for _, term := range terms {
		count += strings.Count(lower, term)
	}
	if count == 0 {
		return 0
	}
	return math.Min(1, float64(count)/float64(len(terms)+3))
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
