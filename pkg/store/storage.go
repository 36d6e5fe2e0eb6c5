package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

var (
	// ErrNotFound is returned when a node, snapshot or log entry does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrIntegrity is returned on identity collisions with divergent labels.
	// It is fatal: the caller must abort, never auto-heal.
	ErrIntegrity = errors.New("store: integrity violation")
)

// UpsertResult reports whether an upsert created a new record or merged
// into an existing one.
type UpsertResult struct {
	Created bool `json:"created"`
	Merged  bool `json:"merged"`
}

// BulkResult aggregates counters for a transactional batch upsert.
type BulkResult struct {
	NodesCreated int `json:"nodes_created"`
	NodesMerged  int `json:"nodes_merged"`
	EdgesCreated int `json:"edges_created"`
	EdgesMerged  int `json:"edges_merged"`
}

// SampleParams controls subgraph sampling. Mode is "random" or "viewport";
// viewport mode restricts nodes to the bounding box in layout space.
type SampleParams struct {
	Mode string
	Max  int

	MinX float64
	MaxX float64
	MinY float64
	MaxY float64
}

// Stats aggregates per-namespace counts for the stats and metrics endpoints.
type Stats struct {
	Namespace      string         `json:"namespace"`
	NodeCount      int            `json:"node_count"`
	EdgeCount      int            `json:"edge_count"`
	NodesByLabel   map[string]int `json:"nodes_by_label"`
	EdgesByRel     map[string]int `json:"edges_by_relation"`
	IngestByStatus map[string]int `json:"ingest_by_status"`
	CommunityCount int            `json:"community_count"`
}

// ClusterSummary is a persisted, LLM-generated description of a community.
type ClusterSummary struct {
	Namespace string   `json:"namespace"`
	ClusterID string   `json:"cluster_id"`
	Label     string   `json:"label"`
	Summary   string   `json:"summary"`
	TopTerms  []string `json:"top_terms"`
	CreatedAt string   `json:"created_at"`
}

// GraphStore is the single storage contract every backend implements.
// Both backends must return the same logical result for every operation;
// callers never branch on the backend.
type GraphStore interface {
	// Node and edge CRUD. Upserts match by identity, merge properties
	// non-destructively and never duplicate.
	UpsertNode(ctx context.Context, node common.Node) (UpsertResult, error)
	UpsertEdge(ctx context.Context, edge common.Edge) (UpsertResult, error)
	BulkUpsert(ctx context.Context, nodes []common.Node, edges []common.Edge) (BulkResult, error)
	UpdateNodeProperties(ctx context.Context, id string, props map[string]any) error

	GetNode(ctx context.Context, id string) (*common.Node, error)
	Neighbors(ctx context.Context, id string, depth int) ([]common.Node, []common.Edge, error)
	SearchByName(ctx context.Context, namespace, prefix string, limit int) ([]common.Node, error)
	SampleSubgraph(ctx context.Context, namespace string, params SampleParams) ([]common.Node, []common.Edge, error)
	IterateNodes(ctx context.Context, namespace, cursor string, limit int) ([]common.Node, string, error)
	EdgesForNodes(ctx context.Context, namespace string, nodeIDs []string, limit int) ([]common.Edge, error)
	ShortestPath(ctx context.Context, sourceID, targetID string, maxDepth int) ([]common.Node, []common.Edge, error)
	ListGraph(ctx context.Context, namespace string) ([]common.Node, []common.Edge, error)

	Namespaces(ctx context.Context) ([]string, error)
	NamespaceStats(ctx context.Context, namespace string) (Stats, error)
	PurgeNamespace(ctx context.Context, namespace string) error

	// Raw documents, kept for delta re-indexing.
	SaveDocument(ctx context.Context, doc common.Document) error
	GetDocument(ctx context.Context, namespace, docID string) (*common.Document, error)

	// IngestLog bookkeeping for delta re-indexing.
	GetIngestLog(ctx context.Context, namespace, docID string) (*common.IngestLog, error)
	UpsertIngestLog(ctx context.Context, log common.IngestLog) error
	ListIngestLogs(ctx context.Context, namespace string, statuses []string) ([]common.IngestLog, error)

	// Snapshots are immutable once written.
	SaveSnapshot(ctx context.Context, snap common.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*common.Snapshot, error)
	ListSnapshots(ctx context.Context, namespace string, limit int) ([]common.Snapshot, error)

	// Orchestrator run records.
	SaveRun(ctx context.Context, run common.RunRecord) error
	ListRuns(ctx context.Context, namespace string, limit int) ([]common.RunRecord, error)

	// Embedding cache side table keyed by content hash and provider tag.
	GetCachedEmbedding(ctx context.Context, provider, hash string) ([]float32, bool, error)
	PutCachedEmbedding(ctx context.Context, provider, hash string, vector []float32) error

	// Cluster summaries and their daily token budget per namespace.
	SaveClusterSummary(ctx context.Context, summary ClusterSummary) error
	ListClusterSummaries(ctx context.Context, namespace string) ([]ClusterSummary, error)
	AddSummaryTokens(ctx context.Context, namespace, day string, tokens int) (int, error)

	Close() error
}
