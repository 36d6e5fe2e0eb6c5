package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "graphrag.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entityNode(namespace, name string) common.Node {
	return common.Node{
		ID:        common.EntityNodeID(namespace, name),
		Label:     common.LabelEntity,
		Name:      name,
		Namespace: namespace,
		Properties: map[string]any{
			"source_ids": []string{"d1"},
		},
	}
}

func TestUpsertNode_CreateThenMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertNode(ctx, entityNode("public", "OpenAI"))
	require.NoError(t, err)
	require.True(t, res.Created)

	merged := entityNode("public", "OpenAI")
	merged.Properties["source_ids"] = []string{"d2"}
	merged.Embedding = []float32{0.1, 0.2}

	res, err = s.UpsertNode(ctx, merged)
	require.NoError(t, err)
	require.True(t, res.Merged)

	node, err := s.GetNode(ctx, common.EntityNodeID("public", "OpenAI"))
	require.NoError(t, err)
	require.Len(t, node.Embedding, 2)

	sources, ok := node.Properties["source_ids"].([]any)
	require.True(t, ok)
	require.Len(t, sources, 2)

	// Identity is unique: both upserts produced one row.
	nodes, _, err := s.IterateNodes(ctx, "public", "", 10)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestUpsertNode_LabelCollisionFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, entityNode("public", "Acme"))
	require.NoError(t, err)

	conflicting := entityNode("public", "Acme")
	conflicting.Label = common.LabelOrganization
	_, err = s.UpsertNode(ctx, conflicting)
	require.ErrorIs(t, err, store.ErrIntegrity)
}

func TestUpsertEdge_KeepsMaxConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, entityNode("public", "A"))
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, entityNode("public", "B"))
	require.NoError(t, err)

	edge := common.Edge{
		SourceID:   common.EntityNodeID("public", "A"),
		TargetID:   common.EntityNodeID("public", "B"),
		Relation:   common.RelationCoOccurs,
		Confidence: 0.4,
	}
	res, err := s.UpsertEdge(ctx, edge)
	require.NoError(t, err)
	require.True(t, res.Created)

	edge.Confidence = 0.9
	res, err = s.UpsertEdge(ctx, edge)
	require.NoError(t, err)
	require.True(t, res.Merged)

	edge.Confidence = 0.2
	_, err = s.UpsertEdge(ctx, edge)
	require.NoError(t, err)

	edges, err := s.EdgesForNodes(ctx, "public", []string{edge.SourceID}, 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, 0.9, edges[0].Confidence)
}

func TestNamespaceIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, entityNode("tenant-a", "Shared"))
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, entityNode("tenant-b", "Shared"))
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, entityNode("tenant-a", "OnlyA"))
	require.NoError(t, err)

	_, err = s.UpsertEdge(ctx, common.Edge{
		SourceID: common.EntityNodeID("tenant-a", "Shared"),
		TargetID: common.EntityNodeID("tenant-a", "OnlyA"),
		Relation: common.RelationCoOccurs,
	})
	require.NoError(t, err)

	nodes, edges, err := s.Neighbors(ctx, common.EntityNodeID("tenant-a", "Shared"), 2)
	require.NoError(t, err)
	for _, node := range nodes {
		require.Equal(t, "tenant-a", node.Namespace)
	}
	require.NotEmpty(t, edges)

	results, err := s.SearchByName(ctx, "tenant-b", "Sha", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "tenant-b", results[0].Namespace)
}

func TestIterateNodes_StableCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"One", "Two", "Three"} {
		_, err := s.UpsertNode(ctx, entityNode("public", name))
		require.NoError(t, err)
	}

	page1, cursor, err := s.IterateNodes(ctx, "public", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)

	// A concurrent insert must only ever show up in later pages.
	_, err = s.UpsertNode(ctx, entityNode("public", "Four"))
	require.NoError(t, err)

	page2, _, err := s.IterateNodes(ctx, "public", cursor, 10)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	seen := map[string]struct{}{}
	for _, node := range append(page1, page2...) {
		_, dup := seen[node.ID]
		require.False(t, dup, "node %s returned twice", node.ID)
		seen[node.ID] = struct{}{}
	}
	require.Len(t, seen, 4)
}

func TestShortestPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Alice", "Acme", "Kafka"} {
		_, err := s.UpsertNode(ctx, entityNode("public", name))
		require.NoError(t, err)
	}
	_, err := s.UpsertEdge(ctx, common.Edge{
		SourceID: common.EntityNodeID("public", "Alice"),
		TargetID: common.EntityNodeID("public", "Acme"),
		Relation: common.RelationRoleAt,
	})
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, common.Edge{
		SourceID: common.EntityNodeID("public", "Acme"),
		TargetID: common.EntityNodeID("public", "Kafka"),
		Relation: common.RelationUsesTech,
	})
	require.NoError(t, err)

	nodes, edges, err := s.ShortestPath(ctx,
		common.EntityNodeID("public", "Alice"),
		common.EntityNodeID("public", "Kafka"), 3)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	require.Len(t, edges, 2)
	require.Equal(t, common.RelationRoleAt, edges[0].Relation)
	require.Equal(t, common.RelationUsesTech, edges[1].Relation)

	_, _, err = s.ShortestPath(ctx,
		common.EntityNodeID("public", "Kafka"),
		common.EntityNodeID("public", "Alice"), 1)
	require.True(t, errors.Is(err, store.ErrNotFound), "expected depth-bounded miss, got %v", err)
}

func TestIngestLogRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetIngestLog(ctx, "public", "d1")
	require.ErrorIs(t, err, store.ErrNotFound)

	log := common.IngestLog{
		Namespace:   "public",
		DocID:       "d1",
		ContentHash: "abc",
		FirstSeen:   common.NowUTC(),
		Status:      common.IngestStatusNew,
	}
	require.NoError(t, s.UpsertIngestLog(ctx, log))

	log.Status = common.IngestStatusIndexed
	log.LastIndexedAt = common.NowUTC()
	require.NoError(t, s.UpsertIngestLog(ctx, log))

	got, err := s.GetIngestLog(ctx, "public", "d1")
	require.NoError(t, err)
	require.Equal(t, common.IngestStatusIndexed, got.Status)

	stale, err := s.ListIngestLogs(ctx, "public", []string{common.IngestStatusNew, common.IngestStatusStale})
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestEmbeddingCacheRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetCachedEmbedding(ctx, "openai/small", "hash1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutCachedEmbedding(ctx, "openai/small", "hash1", []float32{1, 2, 3}))

	vec, ok, err := s.GetCachedEmbedding(ctx, "openai/small", "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, vec, 3)
}

func TestSummaryBudgetAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total, err := s.AddSummaryTokens(ctx, "public", "2026-08-06", 100)
	require.NoError(t, err)
	require.Equal(t, 100, total)

	total, err = s.AddSummaryTokens(ctx, "public", "2026-08-06", 50)
	require.NoError(t, err)
	require.Equal(t, 150, total)

	// A new day starts fresh.
	total, err = s.AddSummaryTokens(ctx, "public", "2026-08-07", 10)
	require.NoError(t, err)
	require.Equal(t, 10, total)
}

func TestSnapshotRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := common.Snapshot{
		ID:        "snap-1",
		Namespace: "public",
		CreatedAt: common.NowUTC(),
		NodeIDs:   []string{"a", "b"},
		EdgeIDs:   []string{"e"},
		NodeCount: 2,
		EdgeCount: 1,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, snap.NodeIDs, got.NodeIDs)

	listed, err := s.ListSnapshots(ctx, "public", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestDocumentRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := common.Document{
		Namespace: "public",
		DocID:     "d1",
		Text:      "Some document text.",
		Metadata:  map[string]any{"origin": "test"},
	}
	require.NoError(t, s.SaveDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "public", "d1")
	require.NoError(t, err)
	require.Equal(t, doc.Text, got.Text)
	require.Equal(t, "test", got.Metadata["origin"])

	_, err = s.GetDocument(ctx, "public", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
