package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/events"
	"github.com/OFFIS-RIT/okapi/pkg/extract"
	"github.com/OFFIS-RIT/okapi/pkg/ingest"
	"github.com/OFFIS-RIT/okapi/pkg/store"
	storesqlite "github.com/OFFIS-RIT/okapi/pkg/store/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, store.GraphStore) {
	t.Helper()
	s, err := storesqlite.New(filepath.Join(t.TempDir(), "graphrag.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pipeline := ingest.NewPipeline(ingest.NewPipelineParams{
		Store:     s,
		Extractor: extract.NewExtractor(extract.NewExtractorParams{Client: nil}),
		Bus:       events.NewBus(100),
	})
	_, err = pipeline.IngestDocument(context.Background(), ingest.Request{
		Namespace:         "public",
		DocID:             "d1",
		Text:              "OpenAI collaborates with Microsoft and Google on AI safety.",
		ForceHeuristic:    true,
		DisableEmbeddings: true,
	})
	require.NoError(t, err)
	_, err = pipeline.IngestDocument(context.Background(), ingest.Request{
		Namespace:         "other",
		DocID:             "d9",
		Text:              "OpenAI appears in another tenant too.",
		ForceHeuristic:    true,
		DisableEmbeddings: true,
	})
	require.NoError(t, err)

	return NewEngine(NewEngineParams{Store: s, Embedder: nil}), s
}

func TestQuery_NameMatchRanksFirst(t *testing.T) {
	engine, _ := newTestEngine(t)

	resp, err := engine.Query(context.Background(), "OpenAI", "public", ModeLocal, 5, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Nodes)
	require.Equal(t, common.EntityNodeID("public", "OpenAI"), resp.Nodes[0].ID)
	require.Equal(t, ModeLocal, resp.ModeUsed)
	require.NotEmpty(t, resp.ReasoningChain)
}

func TestQuery_NamespaceIsolation(t *testing.T) {
	engine, _ := newTestEngine(t)

	resp, err := engine.Query(context.Background(), "OpenAI", "public", ModeLocal, 20, Filters{})
	require.NoError(t, err)
	for _, node := range resp.Nodes {
		require.NotContains(t, node.ID, "other:", "result leaked across namespaces")
	}
}

func TestQuery_TopKMonotonic(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	small, err := engine.Query(ctx, "OpenAI safety", "public", ModeLocal, 3, Filters{})
	require.NoError(t, err)
	large, err := engine.Query(ctx, "OpenAI safety", "public", ModeLocal, 10, Filters{})
	require.NoError(t, err)

	largeIDs := map[string]struct{}{}
	for _, node := range large.Nodes {
		largeIDs[node.ID] = struct{}{}
	}
	for _, node := range small.Nodes {
		_, ok := largeIDs[node.ID]
		require.True(t, ok, "node %s vanished when top_k grew", node.ID)
	}
}

func TestQuery_LabelFilter(t *testing.T) {
	engine, _ := newTestEngine(t)

	resp, err := engine.Query(context.Background(), "OpenAI", "public", ModeLocal, 10, Filters{
		Labels: []string{common.LabelChunk},
	})
	require.NoError(t, err)
	for _, node := range resp.Nodes {
		require.Equal(t, common.LabelChunk, node.Label)
	}
	require.NotEmpty(t, resp.Passages)
}

func TestQuery_UnknownModeRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Query(context.Background(), "anything", "public", "telepathic", 5, Filters{})
	require.Error(t, err)
}

func TestQuery_AutoFallsBackToGlobal(t *testing.T) {
	engine, _ := newTestEngine(t)

	// A query with no lexical or name overlap scores below the auto
	// threshold locally and triggers the global retry.
	resp, err := engine.Query(context.Background(), "zzzz qqqq", "public", ModeAuto, 5, Filters{})
	require.NoError(t, err)
	require.Equal(t, ModeGlobal, resp.ModeUsed)
}

func TestQuery_CancelledContext(t *testing.T) {
	engine, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Query(ctx, "OpenAI", "public", ModeLocal, 5, Filters{})
	require.Error(t, err)
}

func TestSynthesize_NoLLMReturnsContributingIDs(t *testing.T) {
	synth := NewSynthesizer(nil)

	answer := synth.Synthesize(context.Background(), "what is OpenAI?", []Passage{
		{NodeID: "public:d1:0", Text: "chunk one"},
		{NodeID: "public:d1:0", Text: "chunk one again"},
		{NodeID: "public:d1:1", Text: "chunk two"},
	})

	require.Empty(t, answer.AnswerText)
	require.Equal(t, []string{"public:d1:0", "public:d1:1"}, answer.ContributingNodeIDs)
	require.Empty(t, answer.Error)
}

func TestSimilarNodes_NoEmbeddingsIsEmpty(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, common.Node{
		ID:        "public:vec",
		Label:     common.LabelEntity,
		Name:      "Vec",
		Namespace: "public",
	})
	require.NoError(t, err)

	similar, err := engine.SimilarNodes(ctx, "public:vec", 5)
	require.NoError(t, err)
	require.Empty(t, similar)
}
