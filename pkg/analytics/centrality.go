package analytics

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/OFFIS-RIT/okapi/pkg/ai"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PageRank and betweenness parameters.
const (
	pagerankDamping     = 0.85
	pagerankMaxIter     = 100
	pagerankEpsilon     = 1e-6
	betweennessExactMax = 5000
	betweennessSamples  = 128
)

// importance weights over the normalized centrality signals.
const (
	importanceDegree      = 0.40
	importancePagerank    = 0.35
	importanceBetweenness = 0.25
)

// recomputeThreshold triggers an automatic analytics pass when the share
// of new nodes since the last run reaches this fraction.
const recomputeThreshold = 0.10

// Analyzer computes structural metrics and communities for one namespace
// at a time. One analytics job per namespace may be active; concurrent
// attempts are rejected.
type Analyzer struct {
	store  store.GraphStore
	client ai.GraphAIClient

	mu           sync.Mutex
	active       map[string]bool
	lastCount    map[string]int
	summaryCache *lru.Cache[string, store.ClusterSummary]
}

// ErrBusy is returned when an analytics job is already running for the
// namespace.
var ErrBusy = fmt.Errorf("analytics job already running")

func NewAnalyzer(graphStore store.GraphStore, client ai.GraphAIClient) *Analyzer {
	summaryCache, _ := lru.New[string, store.ClusterSummary](512)
	return &Analyzer{
		store:        graphStore,
		client:       client,
		active:       map[string]bool{},
		lastCount:    map[string]int{},
		summaryCache: summaryCache,
	}
}

func (a *Analyzer) acquire(namespace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active[namespace] {
		return ErrBusy
	}
	a.active[namespace] = true
	return nil
}

func (a *Analyzer) release(namespace string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[namespace] = false
}

// CentralityResult summarizes one centrality recomputation.
type CentralityResult struct {
	Namespace    string  `json:"namespace"`
	NodesUpdated int     `json:"nodes_updated"`
	MaxDegree    int     `json:"max_degree"`
	Modularity   float64 `json:"modularity"`
}

type graphIndex struct {
	nodes  []common.Node
	index  map[string]int
	outAdj [][]int
	adj    [][]int // undirected
}

func buildIndex(nodes []common.Node, edges []common.Edge) *graphIndex {
	g := &graphIndex{
		nodes:  nodes,
		index:  make(map[string]int, len(nodes)),
		outAdj: make([][]int, len(nodes)),
		adj:    make([][]int, len(nodes)),
	}
	for i, node := range nodes {
		g.index[node.ID] = i
	}
	for _, edge := range edges {
		si, okS := g.index[edge.SourceID]
		ti, okT := g.index[edge.TargetID]
		if !okS || !okT {
			continue
		}
		g.outAdj[si] = append(g.outAdj[si], ti)
		g.adj[si] = append(g.adj[si], ti)
		g.adj[ti] = append(g.adj[ti], si)
	}
	return g
}

// ComputeCentrality recomputes degree, PageRank, betweenness and the
// composite importance for every node in the namespace, persisting the
// normalized values as node properties.
func (a *Analyzer) ComputeCentrality(ctx context.Context, namespace string) (*CentralityResult, error) {
	if err := a.acquire(namespace); err != nil {
		return nil, err
	}
	defer a.release(namespace)

	nodes, edges, err := a.store.ListGraph(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return &CentralityResult{Namespace: namespace}, nil
	}

	g := buildIndex(nodes, edges)

	degrees := make([]int, len(nodes))
	maxDegree := 1
	for i := range nodes {
		degrees[i] = len(g.adj[i])
		if degrees[i] > maxDegree {
			maxDegree = degrees[i]
		}
	}

	pagerank := computePagerank(g)
	betweenness := computeBetweenness(ctx, g)

	updated := 0
	for i, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		degreeNorm := float64(degrees[i]) / float64(maxDegree)
		importance := importanceDegree*degreeNorm +
			importancePagerank*pagerank[i] +
			importanceBetweenness*betweenness[i]

		err := a.store.UpdateNodeProperties(ctx, node.ID, map[string]any{
			"degree":           degrees[i],
			"degree_norm":      degreeNorm,
			"pagerank_norm":    pagerank[i],
			"betweenness_norm": betweenness[i],
			"importance":       importance,
		})
		if err != nil {
			logger.Warn("Failed to persist centrality for node", "node_id", node.ID, "err", err)
			continue
		}
		updated++
	}

	a.mu.Lock()
	a.lastCount[namespace] = len(nodes)
	a.mu.Unlock()

	return &CentralityResult{
		Namespace:    namespace,
		NodesUpdated: updated,
		MaxDegree:    maxDegree,
	}, nil
}

// MaybeRecompute runs centrality when the namespace grew by at least the
// recompute threshold since the last pass.
func (a *Analyzer) MaybeRecompute(ctx context.Context, namespace string, currentNodes int) {
	a.mu.Lock()
	last := a.lastCount[namespace]
	a.mu.Unlock()

	if last == 0 {
		if currentNodes == 0 {
			return
		}
	} else if float64(currentNodes-last)/float64(last) < recomputeThreshold {
		return
	}

	if _, err := a.ComputeCentrality(ctx, namespace); err != nil && err != ErrBusy {
		logger.Warn("Automatic centrality recompute failed", "namespace", namespace, "err", err)
	}
}

func computePagerank(g *graphIndex) []float64 {
	n := len(g.nodes)
	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < pagerankMaxIter; iter++ {
		base := (1 - pagerankDamping) / float64(n)
		for i := range next {
			next[i] = base
		}
		for i := 0; i < n; i++ {
			// The walk follows edges in both directions, like degree and
			// betweenness above.
			out := g.adj[i]
			if len(out) == 0 {
				// Dangling mass is spread uniformly.
				share := pagerankDamping * rank[i] / float64(n)
				for j := range next {
					next[j] += share
				}
				continue
			}
			share := pagerankDamping * rank[i] / float64(len(out))
			for _, j := range out {
				next[j] += share
			}
		}

		delta := 0.0
		for i := range rank {
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < pagerankEpsilon {
			break
		}
	}

	maxRank := 0.0
	for _, r := range rank {
		if r > maxRank {
			maxRank = r
		}
	}
	if maxRank > 0 {
		for i := range rank {
			rank[i] /= maxRank
		}
	}
	return rank
}

// computeBetweenness runs Brandes' algorithm, exact up to
// betweennessExactMax vertices and source-sampled beyond.
func computeBetweenness(ctx context.Context, g *graphIndex) []float64 {
	n := len(g.nodes)
	centrality := make([]float64, n)

	sources := make([]int, n)
	for i := range sources {
		sources[i] = i
	}
	if n > betweennessExactMax {
		rand.Shuffle(n, func(i, j int) { sources[i], sources[j] = sources[j], sources[i] })
		sources = sources[:betweennessSamples]
	}

	sigma := make([]float64, n)
	dist := make([]int, n)
	delta := make([]float64, n)
	preds := make([][]int, n)

	for _, s := range sources {
		if ctx.Err() != nil {
			break
		}
		var stack []int
		queue := []int{s}
		for i := 0; i < n; i++ {
			sigma[i] = 0
			dist[i] = -1
			delta[i] = 0
			preds[i] = preds[i][:0]
		}
		sigma[s] = 1
		dist[s] = 0

		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range g.adj[v] {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				if sigma[w] > 0 {
					delta[v] += (sigma[v] / sigma[w]) * (1 + delta[w])
				}
			}
			if w != s {
				centrality[w] += delta[w]
			}
		}
	}

	maxC := 0.0
	for _, c := range centrality {
		if c > maxC {
			maxC = c
		}
	}
	if maxC > 0 {
		for i := range centrality {
			centrality[i] /= maxC
		}
	}
	return centrality
}
