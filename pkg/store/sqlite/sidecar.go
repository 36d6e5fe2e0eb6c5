package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"
)

// SaveDocument stores or replaces the raw text of an ingested document.
func (s *Store) SaveDocument(ctx context.Context, doc common.Document) error {
	metadata := encodeProperties(doc.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (namespace, doc_id, text, metadata) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, doc_id) DO UPDATE SET text = excluded.text, metadata = excluded.metadata`,
		doc.Namespace, doc.DocID, doc.Text, metadata)
	return err
}

// GetDocument returns the stored raw document or store.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, namespace, docID string) (*common.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT namespace, doc_id, text, metadata FROM documents WHERE namespace = ? AND doc_id = ?`,
		namespace, docID)

	var doc common.Document
	var metadata string
	err := row.Scan(&doc.Namespace, &doc.DocID, &doc.Text, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.Metadata = decodeProperties(metadata)
	return &doc, nil
}

// GetIngestLog returns the log entry for a document or store.ErrNotFound.
func (s *Store) GetIngestLog(ctx context.Context, namespace, docID string) (*common.IngestLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT namespace, doc_id, content_hash, first_seen, last_indexed_at, status
		 FROM ingest_log WHERE namespace = ? AND doc_id = ?`, namespace, docID)

	var log common.IngestLog
	err := row.Scan(&log.Namespace, &log.DocID, &log.ContentHash, &log.FirstSeen, &log.LastIndexedAt, &log.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// UpsertIngestLog writes or replaces the per-document status row.
func (s *Store) UpsertIngestLog(ctx context.Context, log common.IngestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_log (namespace, doc_id, content_hash, first_seen, last_indexed_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, doc_id) DO UPDATE SET
		   content_hash = excluded.content_hash,
		   last_indexed_at = excluded.last_indexed_at,
		   status = excluded.status`,
		log.Namespace, log.DocID, log.ContentHash, log.FirstSeen, log.LastIndexedAt, log.Status)
	return err
}

// ListIngestLogs returns log entries, optionally filtered by status.
func (s *Store) ListIngestLogs(ctx context.Context, namespace string, statuses []string) ([]common.IngestLog, error) {
	query := `SELECT namespace, doc_id, content_hash, first_seen, last_indexed_at, status
	          FROM ingest_log WHERE namespace = ?`
	args := []any{namespace}
	if len(statuses) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY doc_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []common.IngestLog
	for rows.Next() {
		var log common.IngestLog
		if err := rows.Scan(&log.Namespace, &log.DocID, &log.ContentHash, &log.FirstSeen, &log.LastIndexedAt, &log.Status); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// SaveSnapshot stores an immutable snapshot payload.
func (s *Store) SaveSnapshot(ctx context.Context, snap common.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, namespace, created_at, payload) VALUES (?, ?, ?, ?)`,
		snap.ID, snap.Namespace, snap.CreatedAt, string(payload))
	return err
}

// GetSnapshot returns a snapshot by id or store.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*common.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = ?`, id)
	var payload string
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM snapshots WHERE namespace = ? ORDER BY created_at DESC LIMIT ?`,
		namespace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []common.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap common.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SaveRun stores or updates an orchestrator run record.
func (s *Store) SaveRun(ctx context.Context, run common.RunRecord) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, namespace, started_at, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET payload = excluded.payload`,
		run.RunID, run.Namespace, run.StartedAt, string(payload))
	return err
}

// ListRuns returns the most recent runs for a namespace.
func (s *Store) ListRuns(ctx context.Context, namespace string, limit int) ([]common.RunRecord, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM runs WHERE namespace = ? ORDER BY started_at DESC LIMIT ?`,
		namespace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []common.RunRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run common.RunRecord
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetCachedEmbedding looks up a persisted embedding by provider and text hash.
func (s *Store) GetCachedEmbedding(ctx context.Context, provider, hash string) ([]float32, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embedding_cache WHERE provider = ? AND hash = ?`, provider, hash)
	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeEmbedding(raw), true, nil
}

// PutCachedEmbedding persists an embedding keyed by provider and text hash.
func (s *Store) PutCachedEmbedding(ctx context.Context, provider, hash string, vector []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_cache (provider, hash, vector) VALUES (?, ?, ?)
		 ON CONFLICT (provider, hash) DO UPDATE SET vector = excluded.vector`,
		provider, hash, encodeEmbedding(vector))
	return err
}

// SaveClusterSummary stores or replaces a community summary.
func (s *Store) SaveClusterSummary(ctx context.Context, summary store.ClusterSummary) error {
	terms, err := json.Marshal(summary.TopTerms)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cluster_summaries (namespace, cluster_id, label, summary, top_terms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, cluster_id) DO UPDATE SET
		   label = excluded.label,
		   summary = excluded.summary,
		   top_terms = excluded.top_terms,
		   created_at = excluded.created_at`,
		summary.Namespace, summary.ClusterID, summary.Label, summary.Summary, string(terms), summary.CreatedAt)
	return err
}

// ListClusterSummaries returns every stored summary for a namespace.
func (s *Store) ListClusterSummaries(ctx context.Context, namespace string) ([]store.ClusterSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, cluster_id, label, summary, top_terms, created_at
		 FROM cluster_summaries WHERE namespace = ? ORDER BY cluster_id`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []store.ClusterSummary
	for rows.Next() {
		var summary store.ClusterSummary
		var terms string
		if err := rows.Scan(&summary.Namespace, &summary.ClusterID, &summary.Label, &summary.Summary, &terms, &summary.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(terms), &summary.TopTerms)
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// AddSummaryTokens adds tokens to a namespace's daily budget counter and
// returns the new total for that day.
func (s *Store) AddSummaryTokens(ctx context.Context, namespace, day string, tokens int) (int, error) {
	var total int
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO summary_budget (namespace, day, tokens_used) VALUES (?, ?, ?)
			 ON CONFLICT (namespace, day) DO UPDATE SET tokens_used = tokens_used + excluded.tokens_used`,
			namespace, day, tokens); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx,
			`SELECT tokens_used FROM summary_budget WHERE namespace = ? AND day = ?`, namespace, day)
		return row.Scan(&total)
	})
	return total, err
}
