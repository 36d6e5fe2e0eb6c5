package neo4j

import (
	"context"
	"encoding/json"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Side records (ingest log, snapshots, runs, embedding cache, summaries)
// live as their own node labels so a graph-only deployment needs no second
// database.

func (s *Store) writeQuery(ctx context.Context, cypher string, params map[string]any) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (struct{}, error) {
		_, err := tx.Run(ctx, cypher, params)
		return struct{}{}, err
	})
	return err
}

func (s *Store) readQuery(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	return neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]map[string]any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return collectMaps(ctx, result)
	})
}

// SaveDocument stores or replaces the raw text of an ingested document.
func (s *Store) SaveDocument(ctx context.Context, doc common.Document) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return err
	}
	return s.writeQuery(ctx,
		`MERGE (d:Document {namespace: $namespace, doc_id: $doc_id})
		 SET d.text = $text, d.metadata = $metadata`,
		map[string]any{"namespace": doc.Namespace, "doc_id": doc.DocID, "text": doc.Text, "metadata": string(metadata)})
}

// GetDocument returns the stored raw document or store.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, namespace, docID string) (*common.Document, error) {
	rows, err := s.readQuery(ctx,
		`MATCH (d:Document {namespace: $namespace, doc_id: $doc_id})
		 RETURN d.text AS text, d.metadata AS metadata`,
		map[string]any{"namespace": namespace, "doc_id": docID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	doc := &common.Document{Namespace: namespace, DocID: docID}
	if v, ok := rows[0]["text"].(string); ok {
		doc.Text = v
	}
	if v, ok := rows[0]["metadata"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &doc.Metadata)
	}
	return doc, nil
}

// GetIngestLog returns the log entry for a document or store.ErrNotFound.
func (s *Store) GetIngestLog(ctx context.Context, namespace, docID string) (*common.IngestLog, error) {
	rows, err := s.readQuery(ctx,
		`MATCH (l:IngestLog {namespace: $namespace, doc_id: $doc_id})
		 RETURN l.namespace AS namespace, l.doc_id AS doc_id, l.content_hash AS content_hash,
		        l.first_seen AS first_seen, l.last_indexed_at AS last_indexed_at, l.status AS status`,
		map[string]any{"namespace": namespace, "doc_id": docID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rowToIngestLog(rows[0]), nil
}

func rowToIngestLog(row map[string]any) *common.IngestLog {
	log := &common.IngestLog{}
	if v, ok := row["namespace"].(string); ok {
		log.Namespace = v
	}
	if v, ok := row["doc_id"].(string); ok {
		log.DocID = v
	}
	if v, ok := row["content_hash"].(string); ok {
		log.ContentHash = v
	}
	if v, ok := row["first_seen"].(string); ok {
		log.FirstSeen = v
	}
	if v, ok := row["last_indexed_at"].(string); ok {
		log.LastIndexedAt = v
	}
	if v, ok := row["status"].(string); ok {
		log.Status = v
	}
	return log
}

// UpsertIngestLog writes or replaces the per-document status row.
func (s *Store) UpsertIngestLog(ctx context.Context, log common.IngestLog) error {
	return s.writeQuery(ctx,
		`MERGE (l:IngestLog {namespace: $namespace, doc_id: $doc_id})
		 ON CREATE SET l.first_seen = $first_seen
		 SET l.content_hash = $content_hash, l.last_indexed_at = $last_indexed_at, l.status = $status`,
		map[string]any{
			"namespace":       log.Namespace,
			"doc_id":          log.DocID,
			"content_hash":    log.ContentHash,
			"first_seen":      log.FirstSeen,
			"last_indexed_at": log.LastIndexedAt,
			"status":          log.Status,
		})
}

// ListIngestLogs returns log entries, optionally filtered by status.
func (s *Store) ListIngestLogs(ctx context.Context, namespace string, statuses []string) ([]common.IngestLog, error) {
	cypher := `MATCH (l:IngestLog {namespace: $namespace})`
	params := map[string]any{"namespace": namespace}
	if len(statuses) > 0 {
		cypher += ` WHERE l.status IN $statuses`
		params["statuses"] = statuses
	}
	cypher += ` RETURN l.namespace AS namespace, l.doc_id AS doc_id, l.content_hash AS content_hash,
	            l.first_seen AS first_seen, l.last_indexed_at AS last_indexed_at, l.status AS status
	            ORDER BY doc_id`

	rows, err := s.readQuery(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	logs := make([]common.IngestLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, *rowToIngestLog(row))
	}
	return logs, nil
}

// SaveSnapshot stores an immutable snapshot payload.
func (s *Store) SaveSnapshot(ctx context.Context, snap common.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.writeQuery(ctx,
		`CREATE (s:Snapshot {id: $id, namespace: $namespace, created_at: $created_at, payload: $payload})`,
		map[string]any{"id": snap.ID, "namespace": snap.Namespace, "created_at": snap.CreatedAt, "payload": string(payload)})
}

// GetSnapshot returns a snapshot by id or store.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*common.Snapshot, error) {
	rows, err := s.readQuery(ctx,
		`MATCH (s:Snapshot {id: $id}) RETURN s.payload AS payload`,
		map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	payload, _ := rows[0]["payload"].(string)
	var snap common.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns the most recent snapshots for a namespace.
func (s *Store) ListSnapshots(ctx context.Context, namespace string, limit int) ([]common.Snapshot, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.readQuery(ctx,
		`MATCH (s:Snapshot {namespace: $namespace})
		 WITH s ORDER BY s.created_at DESC LIMIT $limit
		 RETURN s.payload AS payload`,
		map[string]any{"namespace": namespace, "limit": limit})
	if err != nil {
		return nil, err
	}

	snaps := make([]common.Snapshot, 0, len(rows))
	for _, row := range rows {
		payload, _ := row["payload"].(string)
		var snap common.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// SaveRun stores or updates an orchestrator run record.
func (s *Store) SaveRun(ctx context.Context, run common.RunRecord) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.writeQuery(ctx,
		`MERGE (r:RunRecord {run_id: $run_id})
		 SET r.namespace = $namespace, r.started_at = $started_at, r.payload = $payload`,
		map[string]any{"run_id": run.RunID, "namespace": run.Namespace, "started_at": run.StartedAt, "payload": string(payload)})
}

// ListRuns returns the most recent runs for a namespace.
func (s *Store) ListRuns(ctx context.Context, namespace string, limit int) ([]common.RunRecord, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.readQuery(ctx,
		`MATCH (r:RunRecord {namespace: $namespace})
		 WITH r ORDER BY r.started_at DESC LIMIT $limit
		 RETURN r.payload AS payload`,
		map[string]any{"namespace": namespace, "limit": limit})
	if err != nil {
		return nil, err
	}

	runs := make([]common.RunRecord, 0, len(rows))
	for _, row := range rows {
		payload, _ := row["payload"].(string)
		var run common.RunRecord
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// GetCachedEmbedding looks up a persisted embedding by provider and text hash.
func (s *Store) GetCachedEmbedding(ctx context.Context, provider, hash string) ([]float32, bool, error) {
	rows, err := s.readQuery(ctx,
		`MATCH (e:EmbeddingCache {provider: $provider, hash: $hash}) RETURN e.vector AS vector`,
		map[string]any{"provider": provider, "hash": hash})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	raw, _ := rows[0]["vector"].(string)
	var vec []float32
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return nil, false, err
		}
	}
	return vec, true, nil
}

// PutCachedEmbedding persists an embedding keyed by provider and text hash.
func (s *Store) PutCachedEmbedding(ctx context.Context, provider, hash string, vector []float32) error {
	raw := ""
	if len(vector) > 0 {
		b, err := json.Marshal(vector)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	return s.writeQuery(ctx,
		`MERGE (e:EmbeddingCache {provider: $provider, hash: $hash}) SET e.vector = $vector`,
		map[string]any{"provider": provider, "hash": hash, "vector": raw})
}

// SaveClusterSummary stores or replaces a community summary.
func (s *Store) SaveClusterSummary(ctx context.Context, summary store.ClusterSummary) error {
	return s.writeQuery(ctx,
		`MERGE (c:ClusterSummary {namespace: $namespace, cluster_id: $cluster_id})
		 SET c.label = $label, c.summary = $summary, c.top_terms = $top_terms, c.created_at = $created_at`,
		map[string]any{
			"namespace":  summary.Namespace,
			"cluster_id": summary.ClusterID,
			"label":      summary.Label,
			"summary":    summary.Summary,
			"top_terms":  summary.TopTerms,
			"created_at": summary.CreatedAt,
		})
}

// ListClusterSummaries returns every stored summary for a namespace.
func (s *Store) ListClusterSummaries(ctx context.Context, namespace string) ([]store.ClusterSummary, error) {
	rows, err := s.readQuery(ctx,
		`MATCH (c:ClusterSummary {namespace: $namespace})
		 RETURN c.cluster_id AS cluster_id, c.label AS label, c.summary AS summary,
		        c.top_terms AS top_terms, c.created_at AS created_at
		 ORDER BY cluster_id`,
		map[string]any{"namespace": namespace})
	if err != nil {
		return nil, err
	}

	summaries := make([]store.ClusterSummary, 0, len(rows))
	for _, row := range rows {
		summary := store.ClusterSummary{Namespace: namespace}
		if v, ok := row["cluster_id"].(string); ok {
			summary.ClusterID = v
		}
		if v, ok := row["label"].(string); ok {
			summary.Label = v
		}
		if v, ok := row["summary"].(string); ok {
			summary.Summary = v
		}
		if v, ok := row["created_at"].(string); ok {
			summary.CreatedAt = v
		}
		if terms, ok := row["top_terms"].([]any); ok {
			for _, t := range terms {
				if s, ok := t.(string); ok {
					summary.TopTerms = append(summary.TopTerms, s)
				}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// AddSummaryTokens adds tokens to a namespace's daily budget counter and
// returns the new total for that day.
func (s *Store) AddSummaryTokens(ctx context.Context, namespace, day string, tokens int) (int, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	return neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (int, error) {
		result, err := tx.Run(ctx,
			`MERGE (b:SummaryBudget {namespace: $namespace, day: $day})
			 ON CREATE SET b.tokens_used = 0
			 SET b.tokens_used = b.tokens_used + $tokens
			 RETURN b.tokens_used AS total`,
			map[string]any{"namespace": namespace, "day": day, "tokens": tokens})
		if err != nil {
			return 0, err
		}
		if result.Next(ctx) {
			if total, ok := result.Record().Values[0].(int64); ok {
				return int(total), nil
			}
		}
		return 0, result.Err()
	})
}
