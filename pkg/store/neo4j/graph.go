package neo4j

import (
	"context"
	"fmt"
	"strconv"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Graph records live as (:GraphNode) vertices connected by [:REL]
// relationships. The logical relation name is a property rather than the
// relationship type because relation labels are an open set and Cypher
// cannot parameterize types.

// UpsertNode matches by derived identity and merges non-destructively.
func (s *Store) UpsertNode(ctx context.Context, node common.Node) (store.UpsertResult, error) {
	s.locks.Lock(node.Namespace)
	defer s.locks.Unlock(node.Namespace)

	session := s.session(ctx)
	defer session.Close(ctx)

	return neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (store.UpsertResult, error) {
		return upsertNodeTx(ctx, tx, node)
	})
}

func upsertNodeTx(ctx context.Context, tx neo4j.ManagedTransaction, node common.Node) (store.UpsertResult, error) {
	result, err := tx.Run(ctx, `MATCH (n:GraphNode {id: $id}) `+nodeReturn, map[string]any{"id": node.ID})
	if err != nil {
		return store.UpsertResult{}, err
	}
	rows, err := collectMaps(ctx, result)
	if err != nil {
		return store.UpsertResult{}, err
	}

	if len(rows) == 0 {
		_, err := tx.Run(ctx,
			`MERGE (m:Meta {key: 'node_seq'})
			 ON CREATE SET m.value = 0
			 SET m.value = m.value + 1
			 WITH m.value AS seq
			 CREATE (n:GraphNode)
			 SET n = $props, n.seq = seq`,
			map[string]any{"props": nodeToProps(node)})
		if err != nil {
			return store.UpsertResult{}, err
		}
		return store.UpsertResult{Created: true}, nil
	}

	existing := recordToNode(rows[0])
	if err := store.MergeNode(&existing, node); err != nil {
		return store.UpsertResult{}, err
	}

	_, err = tx.Run(ctx,
		`MATCH (n:GraphNode {id: $id})
		 SET n.embedding = $embedding, n.properties = $properties`,
		map[string]any{
			"id":         existing.ID,
			"embedding":  nodeToProps(existing)["embedding"],
			"properties": nodeToProps(existing)["properties"],
		})
	if err != nil {
		return store.UpsertResult{}, err
	}
	return store.UpsertResult{Merged: true}, nil
}

// UpsertEdge matches by (source, target, relation) and keeps the higher
// confidence on merge.
func (s *Store) UpsertEdge(ctx context.Context, edge common.Edge) (store.UpsertResult, error) {
	namespace := namespaceOf(edge)
	s.locks.Lock(namespace)
	defer s.locks.Unlock(namespace)

	session := s.session(ctx)
	defer session.Close(ctx)

	return neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (store.UpsertResult, error) {
		return upsertEdgeTx(ctx, tx, edge)
	})
}

func upsertEdgeTx(ctx context.Context, tx neo4j.ManagedTransaction, edge common.Edge) (store.UpsertResult, error) {
	if edge.ID == "" {
		edge.ID = common.EdgeIDFor(edge.SourceID, edge.TargetID, edge.Relation)
	}
	if edge.Confidence <= 0 {
		edge.Confidence = common.DefaultConfidence
	}

	result, err := tx.Run(ctx,
		`MATCH (:GraphNode {id: $source})-[r:REL {relation: $relation}]->(:GraphNode {id: $target}) `+edgeReturn,
		map[string]any{"source": edge.SourceID, "relation": edge.Relation, "target": edge.TargetID})
	if err != nil {
		return store.UpsertResult{}, err
	}
	rows, err := collectMaps(ctx, result)
	if err != nil {
		return store.UpsertResult{}, err
	}

	if len(rows) == 0 {
		_, err := tx.Run(ctx,
			`MATCH (s:GraphNode {id: $source}), (t:GraphNode {id: $target})
			 CREATE (s)-[r:REL]->(t)
			 SET r = $props, r.namespace = $namespace`,
			map[string]any{
				"source":    edge.SourceID,
				"target":    edge.TargetID,
				"props":     edgeToProps(edge),
				"namespace": namespaceOf(edge),
			})
		if err != nil {
			return store.UpsertResult{}, err
		}
		return store.UpsertResult{Created: true}, nil
	}

	existing := recordToEdge(rows[0])
	store.MergeEdge(&existing, edge)

	_, err = tx.Run(ctx,
		`MATCH (:GraphNode {id: $source})-[r:REL {relation: $relation}]->(:GraphNode {id: $target})
		 SET r.confidence = $confidence, r.properties = $properties`,
		map[string]any{
			"source":     edge.SourceID,
			"relation":   edge.Relation,
			"target":     edge.TargetID,
			"confidence": existing.Confidence,
			"properties": edgeToProps(existing)["properties"],
		})
	if err != nil {
		return store.UpsertResult{}, err
	}
	return store.UpsertResult{Merged: true}, nil
}

// BulkUpsert writes nodes then edges inside one managed transaction per
// chunk of at most 500 records.
func (s *Store) BulkUpsert(ctx context.Context, nodes []common.Node, edges []common.Edge) (store.BulkResult, error) {
	namespace := ""
	if len(nodes) > 0 {
		namespace = nodes[0].Namespace
	} else if len(edges) > 0 {
		namespace = namespaceOf(edges[0])
	}
	s.locks.Lock(namespace)
	defer s.locks.Unlock(namespace)

	session := s.session(ctx)
	defer session.Close(ctx)

	const chunk = 500
	var result store.BulkResult

	for start := 0; start < len(nodes); start += chunk {
		end := min(start+chunk, len(nodes))
		batch := nodes[start:end]
		partial, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (store.BulkResult, error) {
			var res store.BulkResult
			for _, node := range batch {
				r, err := upsertNodeTx(ctx, tx, node)
				if err != nil {
					return res, err
				}
				if r.Created {
					res.NodesCreated++
				} else {
					res.NodesMerged++
				}
			}
			return res, nil
		})
		if err != nil {
			return store.BulkResult{}, err
		}
		result.NodesCreated += partial.NodesCreated
		result.NodesMerged += partial.NodesMerged
	}

	for start := 0; start < len(edges); start += chunk {
		end := min(start+chunk, len(edges))
		batch := edges[start:end]
		partial, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (store.BulkResult, error) {
			var res store.BulkResult
			for _, edge := range batch {
				r, err := upsertEdgeTx(ctx, tx, edge)
				if err != nil {
					return res, err
				}
				if r.Created {
					res.EdgesCreated++
				} else {
					res.EdgesMerged++
				}
			}
			return res, nil
		})
		if err != nil {
			return store.BulkResult{}, err
		}
		result.EdgesCreated += partial.EdgesCreated
		result.EdgesMerged += partial.EdgesMerged
	}

	return result, nil
}

// UpdateNodeProperties merges the given keys into the node's property map.
func (s *Store) UpdateNodeProperties(ctx context.Context, id string, props map[string]any) error {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}

	s.locks.Lock(node.Namespace)
	defer s.locks.Unlock(node.Namespace)

	if node.Properties == nil {
		node.Properties = map[string]any{}
	}
	for k, v := range props {
		node.Properties[k] = v
	}

	session := s.session(ctx)
	defer session.Close(ctx)
	_, err = neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (struct{}, error) {
		_, err := tx.Run(ctx,
			`MATCH (n:GraphNode {id: $id}) SET n.properties = $properties`,
			map[string]any{"id": id, "properties": nodeToProps(*node)["properties"]})
		return struct{}{}, err
	})
	return err
}

// GetNode returns the node with the given ID or store.ErrNotFound.
func (s *Store) GetNode(ctx context.Context, id string) (*common.Node, error) {
	nodes, err := s.readNodes(ctx, `MATCH (n:GraphNode {id: $id}) `+nodeReturn, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, store.ErrNotFound
	}
	return &nodes[0], nil
}

// Neighbors walks up to depth hops from id inside the node's namespace.
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

	nodes, err := s.readNodes(ctx,
		fmt.Sprintf(`MATCH (a:GraphNode {id: $id})-[:REL*1..%d]-(n:GraphNode {namespace: $namespace}) `, depth)+nodeReturn,
		map[string]any{"id": id, "namespace": start.Namespace})
	if err != nil {
		return nil, nil, err
	}
	nodes = append([]common.Node{*start}, dedupeNodes(nodes, start.ID)...)

	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	edges, err := s.EdgesForNodes(ctx, start.Namespace, ids, 0)
	if err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

func dedupeNodes(nodes []common.Node, skip string) []common.Node {
	seen := map[string]struct{}{skip: {}}
	out := nodes[:0]
	for _, node := range nodes {
		if _, ok := seen[node.ID]; ok {
			continue
		}
		seen[node.ID] = struct{}{}
		out = append(out, node)
	}
	return out
}

// SearchByName performs a case-insensitive prefix match scoped to one namespace.
func (s *Store) SearchByName(ctx context.Context, namespace, prefix string, limit int) ([]common.Node, error) {
	if limit <= 0 {
		limit = 25
	}
	return s.readNodes(ctx,
		`MATCH (n:GraphNode {namespace: $namespace})
		 WHERE toLower(n.name) STARTS WITH toLower($prefix)
		 WITH n ORDER BY n.name LIMIT $limit `+nodeReturn,
		map[string]any{"namespace": namespace, "prefix": prefix, "limit": limit})
}

// SampleSubgraph returns a bounded sample of a namespace.
func (s *Store) SampleSubgraph(ctx context.Context, namespace string, params store.SampleParams) ([]common.Node, []common.Edge, error) {
	if params.Max <= 0 {
		params.Max = 500
	}

	var nodes []common.Node
	var err error
	if params.Mode == "viewport" {
		all, listErr := s.readNodes(ctx,
			`MATCH (n:GraphNode {namespace: $namespace}) `+nodeReturn,
			map[string]any{"namespace": namespace})
		if listErr != nil {
			return nil, nil, listErr
		}
		for _, node := range all {
			x, okX := node.Properties["layout.x"].(float64)
			y, okY := node.Properties["layout.y"].(float64)
			if !okX || !okY {
				continue
			}
			if x < params.MinX || x > params.MaxX || y < params.MinY || y > params.MaxY {
				continue
			}
			nodes = append(nodes, node)
			if len(nodes) >= params.Max {
				break
			}
		}
	} else {
		nodes, err = s.readNodes(ctx,
			`MATCH (n:GraphNode {namespace: $namespace})
			 WITH n, rand() AS r ORDER BY r LIMIT $limit `+nodeReturn,
			map[string]any{"namespace": namespace, "limit": params.Max})
		if err != nil {
			return nil, nil, err
		}
	}

	ids := make([]string, len(nodes))
	inSample := map[string]struct{}{}
	for i, node := range nodes {
		ids[i] = node.ID
		inSample[node.ID] = struct{}{}
	}
	edges, err := s.EdgesForNodes(ctx, namespace, ids, 0)
	if err != nil {
		return nil, nil, err
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

// IterateNodes pages through a namespace in creation order using the
// monotonic seq property as cursor.
func (s *Store) IterateNodes(ctx context.Context, namespace, cursor string, limit int) ([]common.Node, string, error) {
	if limit <= 0 {
		limit = 100
	}
	after := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		after = parsed
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	rows, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]map[string]any, error) {
		result, err := tx.Run(ctx,
			`MATCH (n:GraphNode {namespace: $namespace})
			 WHERE n.seq > $after
			 WITH n ORDER BY n.seq LIMIT $limit
			 RETURN n.seq AS seq, n.id AS id, n.namespace AS namespace, n.label AS label,
			        n.name AS name, n.embedding AS embedding, n.properties AS properties`,
			map[string]any{"namespace": namespace, "after": after, "limit": limit})
		if err != nil {
			return nil, err
		}
		return collectMaps(ctx, result)
	})
	if err != nil {
		return nil, "", err
	}

	var nodes []common.Node
	var lastSeq int64
	for _, row := range rows {
		if seq, ok := row["seq"].(int64); ok {
			lastSeq = seq
		}
		nodes = append(nodes, recordToNode(row))
	}

	next := ""
	if len(nodes) == limit {
		next = strconv.FormatInt(lastSeq, 10)
	}
	return nodes, next, nil
}

// EdgesForNodes returns edges touching any of the given node ids.
func (s *Store) EdgesForNodes(ctx context.Context, namespace string, nodeIDs []string, limit int) ([]common.Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	return s.readEdges(ctx,
		`MATCH (:GraphNode)-[r:REL {namespace: $namespace}]->(:GraphNode)
		 WHERE r.source_id IN $ids OR r.target_id IN $ids
		 WITH r LIMIT $limit `+edgeReturn,
		map[string]any{"namespace": namespace, "ids": nodeIDs, "limit": limit})
}

// ShortestPath delegates to the server-side shortestPath function.
func (s *Store) ShortestPath(ctx context.Context, sourceID, targetID string, maxDepth int) ([]common.Node, []common.Edge, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if _, err := s.GetNode(ctx, sourceID); err != nil {
		return nil, nil, err
	}
	if _, err := s.GetNode(ctx, targetID); err != nil {
		return nil, nil, err
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	type pathResult struct {
		nodes []common.Node
		edges []common.Edge
		found bool
	}

	out, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (pathResult, error) {
		result, err := tx.Run(ctx,
			fmt.Sprintf(`MATCH p = shortestPath((a:GraphNode {id: $source})-[:REL*..%d]-(b:GraphNode {id: $target}))
			 RETURN [n IN nodes(p) | n {.id, .namespace, .label, .name, .embedding, .properties}] AS nodes,
			        [r IN relationships(p) | r {.id, .source_id, .target_id, .relation, .confidence, .properties}] AS rels`, maxDepth),
			map[string]any{"source": sourceID, "target": targetID})
		if err != nil {
			return pathResult{}, err
		}

		var res pathResult
		for result.Next(ctx) {
			record := result.Record()
			res.found = true
			if rawNodes, ok := record.Values[0].([]any); ok {
				for _, raw := range rawNodes {
					if values, ok := raw.(map[string]any); ok {
						res.nodes = append(res.nodes, recordToNode(values))
					}
				}
			}
			if rawRels, ok := record.Values[1].([]any); ok {
				for _, raw := range rawRels {
					if values, ok := raw.(map[string]any); ok {
						res.edges = append(res.edges, recordToEdge(values))
					}
				}
			}
		}
		return res, result.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	if !out.found {
		return nil, nil, fmt.Errorf("no path from %s to %s within depth %d: %w", sourceID, targetID, maxDepth, store.ErrNotFound)
	}
	return out.nodes, out.edges, nil
}

// ListGraph returns every node and edge of a namespace.
func (s *Store) ListGraph(ctx context.Context, namespace string) ([]common.Node, []common.Edge, error) {
	nodes, err := s.readNodes(ctx,
		`MATCH (n:GraphNode {namespace: $namespace}) WITH n ORDER BY n.seq `+nodeReturn,
		map[string]any{"namespace": namespace})
	if err != nil {
		return nil, nil, err
	}
	edges, err := s.readEdges(ctx,
		`MATCH (:GraphNode)-[r:REL {namespace: $namespace}]->(:GraphNode) `+edgeReturn,
		map[string]any{"namespace": namespace})
	if err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

// Namespaces lists every namespace with at least one node.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	return neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]string, error) {
		result, err := tx.Run(ctx,
			`MATCH (n:GraphNode) RETURN DISTINCT n.namespace AS namespace ORDER BY namespace`, nil)
		if err != nil {
			return nil, err
		}
		var namespaces []string
		for result.Next(ctx) {
			if ns, ok := result.Record().Values[0].(string); ok {
				namespaces = append(namespaces, ns)
			}
		}
		return namespaces, result.Err()
	})
}

// NamespaceStats aggregates counts for the stats and metrics endpoints.
func (s *Store) NamespaceStats(ctx context.Context, namespace string) (store.Stats, error) {
	stats := store.Stats{
		Namespace:      namespace,
		NodesByLabel:   map[string]int{},
		EdgesByRel:     map[string]int{},
		IngestByStatus: map[string]int{},
	}

	nodes, edges, err := s.ListGraph(ctx, namespace)
	if err != nil {
		return stats, err
	}
	communities := map[string]struct{}{}
	for _, node := range nodes {
		stats.NodesByLabel[node.Label]++
		stats.NodeCount++
		if cid, ok := node.Properties["community_id"].(string); ok && cid != "" {
			communities[cid] = struct{}{}
		}
	}
	for _, edge := range edges {
		stats.EdgesByRel[edge.Relation]++
		stats.EdgeCount++
	}
	stats.CommunityCount = len(communities)

	logs, err := s.ListIngestLogs(ctx, namespace, nil)
	if err != nil {
		return stats, err
	}
	for _, log := range logs {
		stats.IngestByStatus[log.Status]++
	}
	return stats, nil
}

// PurgeNamespace removes every record belonging to a namespace.
func (s *Store) PurgeNamespace(ctx context.Context, namespace string) error {
	s.locks.Lock(namespace)
	defer s.locks.Unlock(namespace)

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (struct{}, error) {
		for _, cypher := range []string{
			`MATCH (n:GraphNode {namespace: $namespace}) DETACH DELETE n`,
			`MATCH (d:Document {namespace: $namespace}) DELETE d`,
			`MATCH (l:IngestLog {namespace: $namespace}) DELETE l`,
			`MATCH (s:Snapshot {namespace: $namespace}) DELETE s`,
			`MATCH (r:RunRecord {namespace: $namespace}) DELETE r`,
			`MATCH (c:ClusterSummary {namespace: $namespace}) DELETE c`,
			`MATCH (b:SummaryBudget {namespace: $namespace}) DELETE b`,
		} {
			if _, err := tx.Run(ctx, cypher, map[string]any{"namespace": namespace}); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}
