package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"sort"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"
)

// Neighbors walks up to depth hops from id. Traversal never leaves the
// node's namespace.
func (s *Store) Neighbors(ctx context.Context, id string, depth int) ([]common.Node, []common.Edge, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > 2 {
		depth = 2
	}

	start, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	visited := map[string]common.Node{start.ID: *start}
	edgeSet := map[string]common.Edge{}
	frontier := []string{start.ID}

	for hop := 0; hop < depth; hop++ {
		if len(frontier) == 0 {
			break
		}
		edges, err := s.EdgesForNodes(ctx, start.Namespace, frontier, 0)
		if err != nil {
			return nil, nil, err
		}

		var next []string
		for _, edge := range edges {
			edgeSet[edge.ID] = edge
			for _, nid := range []string{edge.SourceID, edge.TargetID} {
				if _, ok := visited[nid]; ok {
					continue
				}
				node, err := s.GetNode(ctx, nid)
				if err != nil {
					continue
				}
				if node.Namespace != start.Namespace {
					continue
				}
				visited[nid] = *node
				next = append(next, nid)
			}
		}
		frontier = next
	}

	nodes := make([]common.Node, 0, len(visited))
	for _, node := range visited {
		nodes = append(nodes, node)
	}
	edges := make([]common.Edge, 0, len(edgeSet))
	for _, edge := range edgeSet {
		edges = append(edges, edge)
	}
	sortNodesByID(nodes)
	sortEdgesByID(edges)
	return nodes, edges, nil
}

func sortNodesByID(nodes []common.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdgesByID(edges []common.Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}

// SampleSubgraph returns a bounded sample of a namespace. Random mode
// shuffles; viewport mode filters by persisted layout coordinates first.
func (s *Store) SampleSubgraph(ctx context.Context, namespace string, params store.SampleParams) ([]common.Node, []common.Edge, error) {
	if params.Max <= 0 {
		params.Max = 500
	}

	nodes, _, err := s.listNamespaceNodes(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}

	if params.Mode == "viewport" {
		filtered := nodes[:0]
		for _, node := range nodes {
			x, okX := numericProp(node.Properties, "layout.x")
			y, okY := numericProp(node.Properties, "layout.y")
			if !okX || !okY {
				continue
			}
			if x < params.MinX || x > params.MaxX || y < params.MinY || y > params.MaxY {
				continue
			}
			filtered = append(filtered, node)
		}
		nodes = filtered
	} else {
		rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	}

	if len(nodes) > params.Max {
		nodes = nodes[:params.Max]
	}

	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	edges, err := s.EdgesForNodes(ctx, namespace, ids, 0)
	if err != nil {
		return nil, nil, err
	}

	// Keep only edges whose both endpoints are in the sample.
	inSample := map[string]struct{}{}
	for _, id := range ids {
		inSample[id] = struct{}{}
	}
	kept := edges[:0]
	for _, edge := range edges {
		if _, ok := inSample[edge.SourceID]; !ok {
			continue
		}
		if _, ok := inSample[edge.TargetID]; !ok {
			continue
		}
		kept = append(kept, edge)
	}

	return nodes, kept, nil
}

func numericProp(props map[string]any, key string) (float64, bool) {
	switch v := props[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case float32:
		return float64(v), true
	}
	return 0, false
}

func (s *Store) listNamespaceNodes(ctx context.Context, namespace string) ([]common.Node, map[string]common.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, label, name, embedding, properties FROM nodes WHERE namespace = ? ORDER BY seq`,
		namespace)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]common.Node, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}
	return nodes, byID, nil
}

// ListGraph returns every node and edge of a namespace. Analytics owns the
// bounded-size concern; namespaces are expected to stay in memory range.
func (s *Store) ListGraph(ctx context.Context, namespace string) ([]common.Node, []common.Edge, error) {
	nodes, _, err := s.listNamespaceNodes(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, source_id, target_id, relation, confidence, properties FROM edges WHERE namespace = ?`,
		namespace)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	edges, err := collectEdges(rows)
	if err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

// ShortestPath runs an undirected BFS bounded by maxDepth and returns the
// node path plus the edges along it.
func (s *Store) ShortestPath(ctx context.Context, sourceID, targetID string, maxDepth int) ([]common.Node, []common.Edge, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}

	source, err := s.GetNode(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.GetNode(ctx, targetID); err != nil {
		return nil, nil, err
	}

	_, edges, err := s.ListGraph(ctx, source.Namespace)
	if err != nil {
		return nil, nil, err
	}

	type adjacency struct {
		neighbor string
		edge     common.Edge
	}
	adj := map[string][]adjacency{}
	for _, edge := range edges {
		adj[edge.SourceID] = append(adj[edge.SourceID], adjacency{edge.TargetID, edge})
		adj[edge.TargetID] = append(adj[edge.TargetID], adjacency{edge.SourceID, edge})
	}

	type cameFrom struct {
		prev string
		edge common.Edge
	}
	parents := map[string]cameFrom{sourceID: {}}
	frontier := []string{sourceID}
	found := sourceID == targetID

	for hop := 0; hop < maxDepth && !found && len(frontier) > 0; hop++ {
		var next []string
		for _, current := range frontier {
			for _, a := range adj[current] {
				if _, seen := parents[a.neighbor]; seen {
					continue
				}
				parents[a.neighbor] = cameFrom{prev: current, edge: a.edge}
				if a.neighbor == targetID {
					found = true
					break
				}
				next = append(next, a.neighbor)
			}
			if found {
				break
			}
		}
		frontier = next
	}

	if !found {
		return nil, nil, fmt.Errorf("no path from %s to %s within depth %d: %w", sourceID, targetID, maxDepth, store.ErrNotFound)
	}

	var pathIDs []string
	var pathEdges []common.Edge
	for current := targetID; current != ""; {
		pathIDs = append([]string{current}, pathIDs...)
		step, ok := parents[current]
		if !ok || current == sourceID {
			break
		}
		pathEdges = append([]common.Edge{step.edge}, pathEdges...)
		current = step.prev
	}

	var pathNodes []common.Node
	for _, id := range pathIDs {
		node, err := s.GetNode(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		pathNodes = append(pathNodes, *node)
	}
	return pathNodes, pathEdges, nil
}

// Namespaces lists every namespace with at least one node.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM nodes ORDER BY namespace`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

// NamespaceStats aggregates counts for the stats and metrics endpoints.
func (s *Store) NamespaceStats(ctx context.Context, namespace string) (store.Stats, error) {
	stats := store.Stats{
		Namespace:      namespace,
		NodesByLabel:   map[string]int{},
		EdgesByRel:     map[string]int{},
		IngestByStatus: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT label, COUNT(*) FROM nodes WHERE namespace = ? GROUP BY label`, namespace)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.NodesByLabel[label] = count
		stats.NodeCount += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT relation, COUNT(*) FROM edges WHERE namespace = ? GROUP BY relation`, namespace)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var relation string
		var count int
		if err := rows.Scan(&relation, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.EdgesByRel[relation] = count
		stats.EdgeCount += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM ingest_log WHERE namespace = ? GROUP BY status`, namespace)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.IngestByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT json_extract(properties, '$.community_id')) FROM nodes
		 WHERE namespace = ? AND json_extract(properties, '$.community_id') IS NOT NULL`, namespace)
	if err := row.Scan(&stats.CommunityCount); err != nil {
		return stats, err
	}

	return stats, nil
}

// PurgeNamespace removes every record belonging to a namespace.
func (s *Store) PurgeNamespace(ctx context.Context, namespace string) error {
	s.locks.Lock(namespace)
	defer s.locks.Unlock(namespace)

	return s.withTx(func(tx *sql.Tx) error {
		for _, table := range []string{"nodes", "edges", "documents", "ingest_log", "snapshots", "runs", "cluster_summaries", "summary_budget"} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = ?`, table), namespace); err != nil {
				return err
			}
		}
		return nil
	})
}
