package ingest

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/events"
	"github.com/OFFIS-RIT/okapi/pkg/extract"
	"github.com/OFFIS-RIT/okapi/pkg/store"
	storesqlite "github.com/OFFIS-RIT/okapi/pkg/store/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T) (*Pipeline, store.GraphStore, *events.Bus) {
	t.Helper()
	s, err := storesqlite.New(filepath.Join(t.TempDir(), "graphrag.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := events.NewBus(1000)
	pipeline := NewPipeline(NewPipelineParams{
		Store:     s,
		Extractor: extract.NewExtractor(extract.NewExtractorParams{Client: nil}),
		Embedder:  nil,
		Bus:       bus,
	})
	return pipeline, s, bus
}

func heuristicRequest(docID, text string) Request {
	return Request{
		Namespace:         "public",
		DocID:             docID,
		Text:              text,
		ForceHeuristic:    true,
		DisableEmbeddings: true,
	}
}

const collabText = "OpenAI collaborates with Microsoft and Google on AI safety."

func TestIngestDocument_HappyPath(t *testing.T) {
	pipeline, s, _ := newTestPipeline(t)
	ctx := context.Background()

	result, err := pipeline.IngestDocument(ctx, heuristicRequest("d1", collabText))
	require.NoError(t, err)
	require.Equal(t, StatusIndexed, result.Status)
	require.Equal(t, 1, result.Chunks)
	require.Equal(t, "heuristic", result.ExtractionMode)

	for _, name := range []string{"OpenAI", "Microsoft", "Google"} {
		node, err := s.GetNode(ctx, common.EntityNodeID("public", name))
		require.NoError(t, err, "missing entity %s", name)
		require.Equal(t, name, node.Name)
	}

	chunkID := common.ChunkNodeID("public", "d1", 0)
	_, err = s.GetNode(ctx, chunkID)
	require.NoError(t, err)

	edges, err := s.EdgesForNodes(ctx, "public", []string{common.EntityNodeID("public", "OpenAI")}, 0)
	require.NoError(t, err)

	var coOccurs, mentionedIn int
	for _, edge := range edges {
		switch edge.Relation {
		case common.RelationCoOccurs:
			coOccurs++
		case common.RelationMentionedIn:
			mentionedIn++
		}
	}
	require.GreaterOrEqual(t, coOccurs, 2, "expected pairwise CO_OCCURS for OpenAI")
	require.Equal(t, 1, mentionedIn, "expected MENTIONED_IN to the single chunk")

	log, err := s.GetIngestLog(ctx, "public", "d1")
	require.NoError(t, err)
	require.Equal(t, common.IngestStatusIndexed, log.Status)
}

func TestIngestDocument_Idempotent(t *testing.T) {
	pipeline, s, _ := newTestPipeline(t)
	ctx := context.Background()

	first, err := pipeline.IngestDocument(ctx, heuristicRequest("d1", collabText))
	require.NoError(t, err)
	require.Equal(t, StatusIndexed, first.Status)

	nodesBefore, edgesBefore, err := s.ListGraph(ctx, "public")
	require.NoError(t, err)

	second, err := pipeline.IngestDocument(ctx, heuristicRequest("d1", collabText))
	require.NoError(t, err)
	require.Equal(t, StatusNoop, second.Status)

	nodesAfter, edgesAfter, err := s.ListGraph(ctx, "public")
	require.NoError(t, err)
	require.Equal(t, identitySet(nodesBefore), identitySet(nodesAfter))
	require.Len(t, edgesAfter, len(edgesBefore))
}

func identitySet(nodes []common.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestIngestDocument_Deterministic(t *testing.T) {
	text := "# Team\n\nAlice works at Acme. Acme uses Kafka.\n\n# Partners\n\nGlobex Corp launched Initiative Apollo."

	pipelineA, storeA, _ := newTestPipeline(t)
	pipelineB, storeB, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipelineA.IngestDocument(ctx, heuristicRequest("d1", text))
	require.NoError(t, err)
	_, err = pipelineB.IngestDocument(ctx, heuristicRequest("d1", text))
	require.NoError(t, err)

	nodesA, edgesA, err := storeA.ListGraph(ctx, "public")
	require.NoError(t, err)
	nodesB, edgesB, err := storeB.ListGraph(ctx, "public")
	require.NoError(t, err)

	require.True(t, reflect.DeepEqual(identitySet(nodesA), identitySet(nodesB)),
		"node identity sets differ across runs")

	edgeIDsA := edgeIdentitySet(edgesA)
	edgeIDsB := edgeIdentitySet(edgesB)
	require.True(t, reflect.DeepEqual(edgeIDsA, edgeIDsB), "edge identity sets differ across runs")
}

func edgeIdentitySet(edges []common.Edge) []string {
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestIngestDocument_EventOrdering(t *testing.T) {
	pipeline, _, bus := newTestPipeline(t)
	sub := bus.Subscribe(false)
	defer sub.Close()

	_, err := pipeline.IngestDocument(context.Background(), heuristicRequest("d1", collabText))
	require.NoError(t, err)

	var types []string
	for {
		select {
		case event := <-sub.C:
			types = append(types, event.Type)
			if event.Type == events.TypeEdgesAdded {
				// node_added events for the ingestion precede the
				// edges_added summary.
				require.Greater(t, len(types), 1)
				for _, typ := range types[:len(types)-1] {
					require.Equal(t, events.TypeNodeAdded, typ)
				}
				return
			}
		default:
			t.Fatalf("stream ended before edges_added; saw %v", types)
		}
	}
}

func TestIngestDocument_PathScenario(t *testing.T) {
	pipeline, s, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipeline.IngestDocument(ctx, heuristicRequest("d1", "Alice works at Acme. Acme uses Kafka."))
	require.NoError(t, err)

	nodes, edges, err := s.ShortestPath(ctx,
		common.EntityNodeID("public", "Alice"),
		common.EntityNodeID("public", "Kafka"), 3)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	require.LessOrEqual(t, len(edges), 3)
}

func TestRegisterDocument_LegacyMode(t *testing.T) {
	pipeline, s, _ := newTestPipeline(t)
	ctx := context.Background()

	result, err := pipeline.RegisterDocument(ctx, heuristicRequest("d1", collabText))
	require.NoError(t, err)
	require.Equal(t, common.IngestStatusNew, result.Status)

	// Registration defers graph writes to the orchestrator.
	nodes, _, err := s.ListGraph(ctx, "public")
	require.NoError(t, err)
	require.Empty(t, nodes)

	log, err := s.GetIngestLog(ctx, "public", "d1")
	require.NoError(t, err)
	require.Equal(t, common.IngestStatusNew, log.Status)

	doc, err := s.GetDocument(ctx, "public", "d1")
	require.NoError(t, err)
	require.Equal(t, collabText, doc.Text)
}

func TestIngestDocument_Validation(t *testing.T) {
	pipeline, _, _ := newTestPipeline(t)

	_, err := pipeline.IngestDocument(context.Background(), Request{DocID: "", Text: "x"})
	require.Error(t, err)

	_, err = pipeline.IngestDocument(context.Background(), Request{DocID: "d", Text: "   "})
	require.Error(t, err)
}
