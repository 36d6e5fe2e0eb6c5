package snapshot

import (
	"context"
	"sort"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Capture records the namespace's node, edge and community identity sets
// plus aggregate metrics and persists the snapshot. Snapshots are
// immutable once written.
func Capture(ctx context.Context, graphStore store.GraphStore, namespace string, modularity float64) (*common.Snapshot, error) {
	nodes, edges, err := graphStore.ListGraph(ctx, namespace)
	if err != nil {
		return nil, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	snap := common.Snapshot{
		ID:         id,
		Namespace:  namespace,
		CreatedAt:  common.NowUTC(),
		NodeCount:  len(nodes),
		EdgeCount:  len(edges),
		Modularity: modularity,
	}

	communities := map[string]struct{}{}
	for _, node := range nodes {
		snap.NodeIDs = append(snap.NodeIDs, node.ID)
		if cid, ok := node.Properties["community_id"].(string); ok && cid != "" {
			communities[cid] = struct{}{}
		}
	}
	for _, edge := range edges {
		snap.EdgeIDs = append(snap.EdgeIDs, edge.ID)
	}
	for cid := range communities {
		snap.CommunityIDs = append(snap.CommunityIDs, cid)
	}
	sort.Strings(snap.NodeIDs)
	sort.Strings(snap.EdgeIDs)
	sort.Strings(snap.CommunityIDs)

	if err := graphStore.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Diff is the pairwise structural comparison of two snapshots. It is a
// pure function: diff(A,B) and diff(B,A) have swapped added/removed sets
// and negated deltas.
type Diff struct {
	SnapshotA string `json:"snapshot_a"`
	SnapshotB string `json:"snapshot_b"`

	AddedNodeIDs       []string `json:"added_node_ids"`
	RemovedNodeIDs     []string `json:"removed_node_ids"`
	AddedEdgeIDs       []string `json:"added_edge_ids"`
	RemovedEdgeIDs     []string `json:"removed_edge_ids"`
	AddedCommunities   []string `json:"added_community_ids"`
	RemovedCommunities []string `json:"removed_community_ids"`

	DeltaNodes      int     `json:"delta_nodes"`
	DeltaEdges      int     `json:"delta_edges"`
	DeltaModularity float64 `json:"delta_modularity"`
}

// Compute diffs snapshot B against snapshot A (A is the base).
func Compute(a, b *common.Snapshot) Diff {
	diff := Diff{
		SnapshotA:       a.ID,
		SnapshotB:       b.ID,
		DeltaNodes:      b.NodeCount - a.NodeCount,
		DeltaEdges:      b.EdgeCount - a.EdgeCount,
		DeltaModularity: b.Modularity - a.Modularity,
	}

	diff.AddedNodeIDs, diff.RemovedNodeIDs = setDiff(a.NodeIDs, b.NodeIDs)
	diff.AddedEdgeIDs, diff.RemovedEdgeIDs = setDiff(a.EdgeIDs, b.EdgeIDs)
	diff.AddedCommunities, diff.RemovedCommunities = setDiff(a.CommunityIDs, b.CommunityIDs)

	return diff
}

// setDiff returns (present in b only, present in a only), both sorted.
func setDiff(a, b []string) (added, removed []string) {
	inA := make(map[string]struct{}, len(a))
	for _, id := range a {
		inA[id] = struct{}{}
	}
	inB := make(map[string]struct{}, len(b))
	for _, id := range b {
		inB[id] = struct{}{}
	}

	for _, id := range b {
		if _, ok := inA[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range a {
		if _, ok := inB[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
