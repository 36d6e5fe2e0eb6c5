package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Store is the graph-database backend. Graph nodes carry their open
// property map as a JSON string property so both backends expose the
// identical logical record; merge semantics run in Go through the shared
// store.MergeNode / store.MergeEdge helpers to guarantee parity.
type Store struct {
	driver neo4j.DriverWithContext
	locks  *store.NamespaceLocks
}

// NewParams configures the connection to the Neo4j server.
type NewParams struct {
	URI      string
	Username string
	Password string
}

// New connects to the Neo4j server and verifies connectivity once so a
// misconfigured deployment fails at startup instead of on first write.
func New(ctx context.Context, params NewParams, locks *store.NamespaceLocks) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(params.URI, neo4j.BasicAuth(params.Username, params.Password, ""))
	if err != nil {
		return nil, err
	}
	if locks == nil {
		locks = store.NewNamespaceLocks()
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		return nil, fmt.Errorf("neo4j unreachable: %w", err)
	}

	return &Store{driver: driver, locks: locks}, nil
}

// IsUnavailable classifies connectivity failures for the failover wrapper.
func IsUnavailable(err error) bool {
	return neo4j.IsConnectivityError(err)
}

// Close shuts down the driver.
func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{})
}

func nodeToProps(node common.Node) map[string]any {
	props, _ := json.Marshal(node.Properties)
	embedding := make([]float64, len(node.Embedding))
	for i, v := range node.Embedding {
		embedding[i] = float64(v)
	}
	return map[string]any{
		"id":         node.ID,
		"namespace":  node.Namespace,
		"label":      node.Label,
		"name":       node.Name,
		"embedding":  embedding,
		"properties": string(props),
	}
}

func recordToNode(values map[string]any) common.Node {
	node := common.Node{
		Properties: map[string]any{},
	}
	if v, ok := values["id"].(string); ok {
		node.ID = v
	}
	if v, ok := values["namespace"].(string); ok {
		node.Namespace = v
	}
	if v, ok := values["label"].(string); ok {
		node.Label = v
	}
	if v, ok := values["name"].(string); ok {
		node.Name = v
	}
	if v, ok := values["properties"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &node.Properties)
	}
	if v, ok := values["embedding"].([]any); ok {
		for _, e := range v {
			if f, ok := e.(float64); ok {
				node.Embedding = append(node.Embedding, float32(f))
			}
		}
	}
	return node
}

func edgeToProps(edge common.Edge) map[string]any {
	props, _ := json.Marshal(edge.Properties)
	return map[string]any{
		"id":         edge.ID,
		"source_id":  edge.SourceID,
		"target_id":  edge.TargetID,
		"relation":   edge.Relation,
		"confidence": edge.Confidence,
		"properties": string(props),
	}
}

func recordToEdge(values map[string]any) common.Edge {
	edge := common.Edge{
		Properties: map[string]any{},
	}
	if v, ok := values["id"].(string); ok {
		edge.ID = v
	}
	if v, ok := values["source_id"].(string); ok {
		edge.SourceID = v
	}
	if v, ok := values["target_id"].(string); ok {
		edge.TargetID = v
	}
	if v, ok := values["relation"].(string); ok {
		edge.Relation = v
	}
	if v, ok := values["confidence"].(float64); ok {
		edge.Confidence = v
	}
	if v, ok := values["properties"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &edge.Properties)
	}
	return edge
}

func namespaceOf(edge common.Edge) string {
	if ns, ok := edge.Properties["namespace"].(string); ok && ns != "" {
		return ns
	}
	for i, r := range edge.SourceID {
		if r == ':' {
			return edge.SourceID[:i]
		}
	}
	return ""
}

const nodeReturn = `RETURN n.id AS id, n.namespace AS namespace, n.label AS label,
	n.name AS name, n.embedding AS embedding, n.properties AS properties`

const edgeReturn = `RETURN r.id AS id, r.source_id AS source_id, r.target_id AS target_id,
	r.relation AS relation, r.confidence AS confidence, r.properties AS properties`

func collectMaps(ctx context.Context, result neo4j.ResultWithContext) ([]map[string]any, error) {
	var out []map[string]any
	for result.Next(ctx) {
		record := result.Record()
		values := map[string]any{}
		for i, key := range record.Keys {
			values[key] = record.Values[i]
		}
		out = append(out, values)
	}
	return out, result.Err()
}

func (s *Store) readNodes(ctx context.Context, cypher string, params map[string]any) ([]common.Node, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	rows, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]map[string]any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return collectMaps(ctx, result)
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]common.Node, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, recordToNode(row))
	}
	return nodes, nil
}

func (s *Store) readEdges(ctx context.Context, cypher string, params map[string]any) ([]common.Edge, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	rows, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]map[string]any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return collectMaps(ctx, result)
	})
	if err != nil {
		return nil, err
	}

	edges := make([]common.Edge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, recordToEdge(row))
	}
	return edges, nil
}
