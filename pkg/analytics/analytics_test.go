package analytics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	storesqlite "github.com/OFFIS-RIT/okapi/pkg/store/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *storesqlite.Store) {
	t.Helper()
	s, err := storesqlite.New(filepath.Join(t.TempDir(), "graphrag.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewAnalyzer(s, nil), s
}

func seedStar(t *testing.T, s *storesqlite.Store) {
	t.Helper()
	ctx := context.Background()

	names := []string{"Hub", "A", "B", "C"}
	for _, name := range names {
		_, err := s.UpsertNode(ctx, common.Node{
			ID:        common.EntityNodeID("public", name),
			Label:     common.LabelEntity,
			Name:      name,
			Namespace: "public",
		})
		require.NoError(t, err)
	}
	for _, leaf := range []string{"A", "B", "C"} {
		_, err := s.UpsertEdge(ctx, common.Edge{
			SourceID: common.EntityNodeID("public", "Hub"),
			TargetID: common.EntityNodeID("public", leaf),
			Relation: common.RelationCoOccurs,
		})
		require.NoError(t, err)
	}
}

func TestComputeCentrality_Star(t *testing.T) {
	analyzer, s := newTestAnalyzer(t)
	seedStar(t, s)
	ctx := context.Background()

	result, err := analyzer.ComputeCentrality(ctx, "public")
	require.NoError(t, err)
	require.Equal(t, 4, result.NodesUpdated)
	require.Equal(t, 3, result.MaxDegree)

	hub, err := s.GetNode(ctx, common.EntityNodeID("public", "Hub"))
	require.NoError(t, err)
	require.Equal(t, 1.0, hub.Properties["degree_norm"])
	require.Equal(t, 1.0, hub.Properties["pagerank_norm"])

	importance, ok := hub.Properties["importance"].(float64)
	require.True(t, ok)
	require.Greater(t, importance, 0.7)

	leaf, err := s.GetNode(ctx, common.EntityNodeID("public", "A"))
	require.NoError(t, err)
	leafImportance := leaf.Properties["importance"].(float64)
	require.Less(t, leafImportance, importance)
}

func TestDetectCommunities_TwoCliques(t *testing.T) {
	analyzer, s := newTestAnalyzer(t)
	ctx := context.Background()

	clique := func(names []string) {
		for _, name := range names {
			_, err := s.UpsertNode(ctx, common.Node{
				ID:        common.EntityNodeID("public", name),
				Label:     common.LabelEntity,
				Name:      name,
				Namespace: "public",
			})
			require.NoError(t, err)
		}
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				_, err := s.UpsertEdge(ctx, common.Edge{
					SourceID: common.EntityNodeID("public", names[i]),
					TargetID: common.EntityNodeID("public", names[j]),
					Relation: common.RelationCoOccurs,
				})
				require.NoError(t, err)
			}
		}
	}
	clique([]string{"A1", "A2", "A3", "A4"})
	clique([]string{"B1", "B2", "B3", "B4"})

	result, err := analyzer.DetectCommunities(ctx, "public")
	require.NoError(t, err)
	require.Len(t, result.Clusters, 2)
	require.Greater(t, result.Modularity, 0.3)

	node, err := s.GetNode(ctx, common.EntityNodeID("public", "A1"))
	require.NoError(t, err)
	cidA := node.Properties["community_id"]
	require.NotEmpty(t, cidA)

	other, err := s.GetNode(ctx, common.EntityNodeID("public", "B1"))
	require.NoError(t, err)
	require.NotEqual(t, cidA, other.Properties["community_id"])
}

func TestRecomputeLayout_SetsCoordinates(t *testing.T) {
	analyzer, s := newTestAnalyzer(t)
	seedStar(t, s)
	ctx := context.Background()

	result, err := analyzer.RecomputeLayout(ctx, "public", LayoutHybrid)
	require.NoError(t, err)
	require.Equal(t, 4, result.NodesPlaced)
	require.Equal(t, 1, result.LayoutVersion)

	node, err := s.GetNode(ctx, common.EntityNodeID("public", "Hub"))
	require.NoError(t, err)
	_, hasX := node.Properties["layout.x"].(float64)
	_, hasY := node.Properties["layout.y"].(float64)
	require.True(t, hasX && hasY, "layout coordinates missing: %+v", node.Properties)

	// A second pass bumps the version.
	result, err = analyzer.RecomputeLayout(ctx, "public", LayoutClustered)
	require.NoError(t, err)
	require.Equal(t, 2, result.LayoutVersion)
}

func TestRecomputeLayout_UnknownMode(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t)
	_, err := analyzer.RecomputeLayout(context.Background(), "public", "orbital")
	require.Error(t, err)
}

func TestSummarizeClusters_FallbackWithoutLLM(t *testing.T) {
	analyzer, s := newTestAnalyzer(t)
	seedStar(t, s)
	ctx := context.Background()

	clusters, err := analyzer.DetectCommunities(ctx, "public")
	require.NoError(t, err)
	require.NotEmpty(t, clusters.Clusters)

	summaries, err := analyzer.SummarizeClusters(ctx, "public", clusters.Clusters, 1000)
	require.NoError(t, err)
	require.Len(t, summaries, len(clusters.Clusters))
	for _, summary := range summaries {
		require.NotEmpty(t, summary.Label)
		require.NotEmpty(t, summary.Summary)
	}

	stored, err := s.ListClusterSummaries(ctx, "public")
	require.NoError(t, err)
	require.Len(t, stored, len(summaries))
}
