package store

import (
	"context"
	"sync/atomic"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
)

// Failover wraps a graph-database backend with an embedded fallback. When
// the primary is unreachable the call is transparently re-run against the
// fallback and the adapter reports StoreTag "sqlite_fallback" until the
// primary is restored. Semantics never change across the switch; the tag
// is observability only.
type Failover struct {
	primary  GraphStore
	fallback GraphStore

	// isUnavailable classifies errors that mean "backend unreachable"
	// as opposed to ordinary operation failures.
	isUnavailable func(error) bool

	degraded atomic.Bool
}

// NewFailover wraps primary with fallback. isUnavailable decides which
// errors trigger the switch.
func NewFailover(primary, fallback GraphStore, isUnavailable func(error) bool) *Failover {
	return &Failover{
		primary:       primary,
		fallback:      fallback,
		isUnavailable: isUnavailable,
	}
}

// StoreTag reports which backend currently serves requests.
func (f *Failover) StoreTag() string {
	if f.degraded.Load() {
		return "sqlite_fallback"
	}
	return "neo4j"
}

// RestorePrimary switches back to the primary backend, typically after an
// operator confirmed it is reachable again.
func (f *Failover) RestorePrimary() {
	f.degraded.Store(false)
}

func (f *Failover) active() GraphStore {
	if f.degraded.Load() {
		return f.fallback
	}
	return f.primary
}

// run re-issues the call against the fallback when the primary is
// unreachable. Writes after the switch keep going to the fallback so a
// flapping primary cannot interleave half-applied batches.
func run[T any](f *Failover, call func(GraphStore) (T, error)) (T, error) {
	if f.degraded.Load() {
		return call(f.fallback)
	}
	out, err := call(f.primary)
	if err != nil && f.isUnavailable(err) {
		if f.degraded.CompareAndSwap(false, true) {
			logger.Warn("Graph backend unreachable, falling back to embedded store", "err", err)
		}
		return call(f.fallback)
	}
	return out, err
}

func (f *Failover) UpsertNode(ctx context.Context, node common.Node) (UpsertResult, error) {
	return run(f, func(s GraphStore) (UpsertResult, error) { return s.UpsertNode(ctx, node) })
}

func (f *Failover) UpsertEdge(ctx context.Context, edge common.Edge) (UpsertResult, error) {
	return run(f, func(s GraphStore) (UpsertResult, error) { return s.UpsertEdge(ctx, edge) })
}

func (f *Failover) BulkUpsert(ctx context.Context, nodes []common.Node, edges []common.Edge) (BulkResult, error) {
	return run(f, func(s GraphStore) (BulkResult, error) { return s.BulkUpsert(ctx, nodes, edges) })
}

func (f *Failover) UpdateNodeProperties(ctx context.Context, id string, props map[string]any) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) { return struct{}{}, s.UpdateNodeProperties(ctx, id, props) })
	return err
}

func (f *Failover) GetNode(ctx context.Context, id string) (*common.Node, error) {
	return run(f, func(s GraphStore) (*common.Node, error) { return s.GetNode(ctx, id) })
}

type graphPair struct {
	nodes []common.Node
	edges []common.Edge
}

func (f *Failover) Neighbors(ctx context.Context, id string, depth int) ([]common.Node, []common.Edge, error) {
	out, err := run(f, func(s GraphStore) (graphPair, error) {
		n, e, err := s.Neighbors(ctx, id, depth)
		return graphPair{n, e}, err
	})
	return out.nodes, out.edges, err
}

func (f *Failover) SearchByName(ctx context.Context, namespace, prefix string, limit int) ([]common.Node, error) {
	return run(f, func(s GraphStore) ([]common.Node, error) { return s.SearchByName(ctx, namespace, prefix, limit) })
}

func (f *Failover) SampleSubgraph(ctx context.Context, namespace string, params SampleParams) ([]common.Node, []common.Edge, error) {
	out, err := run(f, func(s GraphStore) (graphPair, error) {
		n, e, err := s.SampleSubgraph(ctx, namespace, params)
		return graphPair{n, e}, err
	})
	return out.nodes, out.edges, err
}

type nodePage struct {
	nodes  []common.Node
	cursor string
}

func (f *Failover) IterateNodes(ctx context.Context, namespace, cursor string, limit int) ([]common.Node, string, error) {
	out, err := run(f, func(s GraphStore) (nodePage, error) {
		n, c, err := s.IterateNodes(ctx, namespace, cursor, limit)
		return nodePage{n, c}, err
	})
	return out.nodes, out.cursor, err
}

func (f *Failover) EdgesForNodes(ctx context.Context, namespace string, nodeIDs []string, limit int) ([]common.Edge, error) {
	return run(f, func(s GraphStore) ([]common.Edge, error) { return s.EdgesForNodes(ctx, namespace, nodeIDs, limit) })
}

func (f *Failover) ShortestPath(ctx context.Context, sourceID, targetID string, maxDepth int) ([]common.Node, []common.Edge, error) {
	out, err := run(f, func(s GraphStore) (graphPair, error) {
		n, e, err := s.ShortestPath(ctx, sourceID, targetID, maxDepth)
		return graphPair{n, e}, err
	})
	return out.nodes, out.edges, err
}

func (f *Failover) ListGraph(ctx context.Context, namespace string) ([]common.Node, []common.Edge, error) {
	out, err := run(f, func(s GraphStore) (graphPair, error) {
		n, e, err := s.ListGraph(ctx, namespace)
		return graphPair{n, e}, err
	})
	return out.nodes, out.edges, err
}

func (f *Failover) Namespaces(ctx context.Context) ([]string, error) {
	return run(f, func(s GraphStore) ([]string, error) { return s.Namespaces(ctx) })
}

func (f *Failover) NamespaceStats(ctx context.Context, namespace string) (Stats, error) {
	return run(f, func(s GraphStore) (Stats, error) { return s.NamespaceStats(ctx, namespace) })
}

func (f *Failover) PurgeNamespace(ctx context.Context, namespace string) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) { return struct{}{}, s.PurgeNamespace(ctx, namespace) })
	return err
}

func (f *Failover) SaveDocument(ctx context.Context, doc common.Document) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) { return struct{}{}, s.SaveDocument(ctx, doc) })
	return err
}

func (f *Failover) GetDocument(ctx context.Context, namespace, docID string) (*common.Document, error) {
	return run(f, func(s GraphStore) (*common.Document, error) { return s.GetDocument(ctx, namespace, docID) })
}

func (f *Failover) GetIngestLog(ctx context.Context, namespace, docID string) (*common.IngestLog, error) {
	return run(f, func(s GraphStore) (*common.IngestLog, error) { return s.GetIngestLog(ctx, namespace, docID) })
}

func (f *Failover) UpsertIngestLog(ctx context.Context, log common.IngestLog) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) { return struct{}{}, s.UpsertIngestLog(ctx, log) })
	return err
}

func (f *Failover) ListIngestLogs(ctx context.Context, namespace string, statuses []string) ([]common.IngestLog, error) {
	return run(f, func(s GraphStore) ([]common.IngestLog, error) { return s.ListIngestLogs(ctx, namespace, statuses) })
}

func (f *Failover) SaveSnapshot(ctx context.Context, snap common.Snapshot) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) { return struct{}{}, s.SaveSnapshot(ctx, snap) })
	return err
}

func (f *Failover) GetSnapshot(ctx context.Context, id string) (*common.Snapshot, error) {
	return run(f, func(s GraphStore) (*common.Snapshot, error) { return s.GetSnapshot(ctx, id) })
}

func (f *Failover) ListSnapshots(ctx context.Context, namespace string, limit int) ([]common.Snapshot, error) {
	return run(f, func(s GraphStore) ([]common.Snapshot, error) { return s.ListSnapshots(ctx, namespace, limit) })
}

func (f *Failover) SaveRun(ctx context.Context, runRec common.RunRecord) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) { return struct{}{}, s.SaveRun(ctx, runRec) })
	return err
}

func (f *Failover) ListRuns(ctx context.Context, namespace string, limit int) ([]common.RunRecord, error) {
	return run(f, func(s GraphStore) ([]common.RunRecord, error) { return s.ListRuns(ctx, namespace, limit) })
}

type cachedEmbedding struct {
	vector []float32
	ok     bool
}

func (f *Failover) GetCachedEmbedding(ctx context.Context, provider, hash string) ([]float32, bool, error) {
	out, err := run(f, func(s GraphStore) (cachedEmbedding, error) {
		v, ok, err := s.GetCachedEmbedding(ctx, provider, hash)
		return cachedEmbedding{v, ok}, err
	})
	return out.vector, out.ok, err
}

func (f *Failover) PutCachedEmbedding(ctx context.Context, provider, hash string, vector []float32) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) {
		return struct{}{}, s.PutCachedEmbedding(ctx, provider, hash, vector)
	})
	return err
}

func (f *Failover) SaveClusterSummary(ctx context.Context, summary ClusterSummary) error {
	_, err := run(f, func(s GraphStore) (struct{}, error) { return struct{}{}, s.SaveClusterSummary(ctx, summary) })
	return err
}

func (f *Failover) ListClusterSummaries(ctx context.Context, namespace string) ([]ClusterSummary, error) {
	return run(f, func(s GraphStore) ([]ClusterSummary, error) { return s.ListClusterSummaries(ctx, namespace) })
}

func (f *Failover) AddSummaryTokens(ctx context.Context, namespace, day string, tokens int) (int, error) {
	return run(f, func(s GraphStore) (int, error) { return s.AddSummaryTokens(ctx, namespace, day, tokens) })
}

func (f *Failover) Close() error {
	errPrimary := f.primary.Close()
	errFallback := f.fallback.Close()
	if errPrimary != nil {
		return errPrimary
	}
	return errFallback
}
