package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"
)

// bulkChunkSize bounds rows per transaction during bulk upsert.
const bulkChunkSize = 500

// UpsertEdge matches by (source, target, relation) and keeps the higher
// confidence on merge.
func (s *Store) UpsertEdge(ctx context.Context, edge common.Edge) (store.UpsertResult, error) {
	namespace := edgeNamespace(edge)
	s.locks.Lock(namespace)
	defer s.locks.Unlock(namespace)

	var res store.UpsertResult
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		res, err = upsertEdgeTx(ctx, tx, edge)
		return err
	})
	return res, err
}

func edgeNamespace(edge common.Edge) string {
	if ns, ok := edge.Properties["namespace"].(string); ok && ns != "" {
		return ns
	}
	// Derived edge ids start with the namespace of their source node id.
	if idx := strings.Index(edge.SourceID, ":"); idx > 0 {
		return edge.SourceID[:idx]
	}
	return ""
}

func upsertEdgeTx(ctx context.Context, tx *sql.Tx, edge common.Edge) (store.UpsertResult, error) {
	if edge.ID == "" {
		edge.ID = common.EdgeIDFor(edge.SourceID, edge.TargetID, edge.Relation)
	}
	if edge.Confidence <= 0 {
		edge.Confidence = common.DefaultConfidence
	}
	namespace := edgeNamespace(edge)

	row := tx.QueryRowContext(ctx,
		`SELECT id, namespace, source_id, target_id, relation, confidence, properties
		 FROM edges WHERE source_id = ? AND target_id = ? AND relation = ?`,
		edge.SourceID, edge.TargetID, edge.Relation)

	existing, err := scanEdgeRow(row)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.UpsertResult{}, err
	}

	if existing == nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO edges (id, namespace, source_id, target_id, relation, confidence, properties) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			edge.ID, namespace, edge.SourceID, edge.TargetID, edge.Relation, edge.Confidence, encodeProperties(edge.Properties),
		)
		if err != nil {
			return store.UpsertResult{}, fmt.Errorf("failed to insert edge %s: %w", edge.ID, err)
		}
		return store.UpsertResult{Created: true}, nil
	}

	store.MergeEdge(existing, edge)

	_, err = tx.ExecContext(ctx,
		`UPDATE edges SET confidence = ?, properties = ? WHERE id = ?`,
		existing.Confidence, encodeProperties(existing.Properties), existing.ID,
	)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("failed to merge edge %s: %w", edge.ID, err)
	}
	return store.UpsertResult{Merged: true}, nil
}

func scanEdgeRow(row rowScanner) (*common.Edge, error) {
	var edge common.Edge
	var namespace, properties string
	err := row.Scan(&edge.ID, &namespace, &edge.SourceID, &edge.TargetID, &edge.Relation, &edge.Confidence, &properties)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	edge.Properties = decodeProperties(properties)
	return &edge, nil
}

// BulkUpsert writes nodes then edges transactionally. Batches that fit in
// a single chunk (the common case: one document's graph) commit as one
// transaction so no partial graph is ever visible. Larger batches are
// chunked at bulkChunkSize rows per transaction; a failure aborts the
// current chunk and stops, and since upserts are idempotent the caller
// re-runs the batch to converge.
func (s *Store) BulkUpsert(ctx context.Context, nodes []common.Node, edges []common.Edge) (store.BulkResult, error) {
	namespace := ""
	if len(nodes) > 0 {
		namespace = nodes[0].Namespace
	} else if len(edges) > 0 {
		namespace = edgeNamespace(edges[0])
	}
	s.locks.Lock(namespace)
	defer s.locks.Unlock(namespace)

	var result store.BulkResult

	if len(nodes)+len(edges) <= bulkChunkSize {
		err := s.withTx(func(tx *sql.Tx) error {
			for _, node := range nodes {
				res, err := upsertNodeTx(ctx, tx, node)
				if err != nil {
					return err
				}
				if res.Created {
					result.NodesCreated++
				} else {
					result.NodesMerged++
				}
			}
			for _, edge := range edges {
				res, err := upsertEdgeTx(ctx, tx, edge)
				if err != nil {
					return err
				}
				if res.Created {
					result.EdgesCreated++
				} else {
					result.EdgesMerged++
				}
			}
			return nil
		})
		if err != nil {
			return store.BulkResult{}, err
		}
		return result, nil
	}

	for start := 0; start < len(nodes); start += bulkChunkSize {
		end := min(start+bulkChunkSize, len(nodes))
		err := s.withTx(func(tx *sql.Tx) error {
			for _, node := range nodes[start:end] {
				res, err := upsertNodeTx(ctx, tx, node)
				if err != nil {
					return err
				}
				if res.Created {
					result.NodesCreated++
				} else {
					result.NodesMerged++
				}
			}
			return nil
		})
		if err != nil {
			return store.BulkResult{}, err
		}
	}

	for start := 0; start < len(edges); start += bulkChunkSize {
		end := min(start+bulkChunkSize, len(edges))
		err := s.withTx(func(tx *sql.Tx) error {
			for _, edge := range edges[start:end] {
				res, err := upsertEdgeTx(ctx, tx, edge)
				if err != nil {
					return err
				}
				if res.Created {
					result.EdgesCreated++
				} else {
					result.EdgesMerged++
				}
			}
			return nil
		})
		if err != nil {
			return store.BulkResult{}, err
		}
	}

	return result, nil
}

// EdgesForNodes returns edges touching any of the given node ids.
func (s *Store) EdgesForNodes(ctx context.Context, namespace string, nodeIDs []string, limit int) ([]common.Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(nodeIDs)), ",")
	args := make([]any, 0, len(nodeIDs)*2+2)
	args = append(args, namespace)
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, namespace, source_id, target_id, relation, confidence, properties
		 FROM edges WHERE namespace = ? AND (source_id IN (%s) OR target_id IN (%s)) LIMIT ?`, placeholders, placeholders),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEdges(rows)
}

func collectEdges(rows *sql.Rows) ([]common.Edge, error) {
	var edges []common.Edge
	for rows.Next() {
		edge, err := scanEdgeRow(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, *edge)
	}
	return edges, rows.Err()
}
