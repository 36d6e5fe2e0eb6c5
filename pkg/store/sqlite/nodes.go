package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/OFFIS-RIT/okapi/internal/util"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"
)

func encodeEmbedding(vec []float32) string {
	if len(vec) == 0 {
		return ""
	}
	b, _ := json.Marshal(vec)
	return string(b)
}

func decodeEmbedding(raw string) []float32 {
	if raw == "" {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil
	}
	return vec
}

func encodeProperties(props map[string]any) string {
	if len(props) == 0 {
		return "{}"
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeProperties(raw string) map[string]any {
	props := map[string]any{}
	if raw == "" {
		return props
	}
	_ = json.Unmarshal([]byte(raw), &props)
	return props
}

// UpsertNode matches by derived identity and merges non-destructively.
func (s *Store) UpsertNode(ctx context.Context, node common.Node) (store.UpsertResult, error) {
	s.locks.Lock(node.Namespace)
	defer s.locks.Unlock(node.Namespace)

	var res store.UpsertResult
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		res, err = upsertNodeTx(ctx, tx, node)
		return err
	})
	return res, err
}

func upsertNodeTx(ctx context.Context, tx *sql.Tx, node common.Node) (store.UpsertResult, error) {
	node.Name = util.SanitizeText(node.Name)

	existing, err := getNodeTx(ctx, tx, node.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.UpsertResult{}, err
	}

	if existing == nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (id, namespace, label, name, embedding, properties) VALUES (?, ?, ?, ?, ?, ?)`,
			node.ID, node.Namespace, node.Label, node.Name, encodeEmbedding(node.Embedding), encodeProperties(node.Properties),
		)
		if err != nil {
			return store.UpsertResult{}, fmt.Errorf("failed to insert node %s: %w", node.ID, err)
		}
		return store.UpsertResult{Created: true}, nil
	}

	if err := store.MergeNode(existing, node); err != nil {
		return store.UpsertResult{}, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET embedding = ?, properties = ? WHERE id = ?`,
		encodeEmbedding(existing.Embedding), encodeProperties(existing.Properties), existing.ID,
	)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("failed to merge node %s: %w", node.ID, err)
	}
	return store.UpsertResult{Merged: true}, nil
}

// UpdateNodeProperties merges the given keys into the node's property map.
func (s *Store) UpdateNodeProperties(ctx context.Context, id string, props map[string]any) error {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return err
	}

	s.locks.Lock(node.Namespace)
	defer s.locks.Unlock(node.Namespace)

	return s.withTx(func(tx *sql.Tx) error {
		current, err := getNodeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Properties == nil {
			current.Properties = map[string]any{}
		}
		for k, v := range props {
			current.Properties[k] = v
		}
		_, err = tx.ExecContext(ctx, `UPDATE nodes SET properties = ? WHERE id = ?`,
			encodeProperties(current.Properties), id)
		return err
	})
}

func getNodeTx(ctx context.Context, tx *sql.Tx, id string) (*common.Node, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, namespace, label, name, embedding, properties FROM nodes WHERE id = ?`, id)
	return scanNodeRow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNodeRow(row rowScanner) (*common.Node, error) {
	var node common.Node
	var embedding, properties string
	err := row.Scan(&node.ID, &node.Namespace, &node.Label, &node.Name, &embedding, &properties)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	node.Embedding = decodeEmbedding(embedding)
	node.Properties = decodeProperties(properties)
	return &node, nil
}

// GetNode returns the node with the given ID or store.ErrNotFound.
func (s *Store) GetNode(ctx context.Context, id string) (*common.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, label, name, embedding, properties FROM nodes WHERE id = ?`, id)
	return scanNodeRow(row)
}

// SearchByName performs a case-insensitive prefix match scoped to one namespace.
func (s *Store) SearchByName(ctx context.Context, namespace, prefix string, limit int) ([]common.Node, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, label, name, embedding, properties FROM nodes
		 WHERE namespace = ? AND name LIKE ? COLLATE NOCASE ORDER BY name LIMIT ?`,
		namespace, prefix+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]common.Node, error) {
	var nodes []common.Node
	for rows.Next() {
		node, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// IterateNodes pages through a namespace in insertion order. The cursor is
// the sequence number of the last row returned, so rows inserted after a
// page was served only ever show up in later pages.
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, namespace, label, name, embedding, properties FROM nodes
		 WHERE namespace = ? AND seq > ? ORDER BY seq LIMIT ?`,
		namespace, after, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var nodes []common.Node
	var lastSeq int64
	for rows.Next() {
		var node common.Node
		var embedding, properties string
		if err := rows.Scan(&lastSeq, &node.ID, &node.Namespace, &node.Label, &node.Name, &embedding, &properties); err != nil {
			return nil, "", err
		}
		node.Embedding = decodeEmbedding(embedding)
		node.Properties = decodeProperties(properties)
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(nodes) == limit {
		next = strconv.FormatInt(lastSeq, 10)
	}
	return nodes, next, nil
}
