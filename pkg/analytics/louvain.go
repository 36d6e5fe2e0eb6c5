package analytics

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

// Community detection constants.
const (
	louvainMaxPasses = 10
	topTermCount     = 8
)

// Cluster is one detected community with its retrieval aids.
type Cluster struct {
	ClusterID string    `json:"cluster_id"`
	NodeIDs   []string  `json:"node_ids"`
	Size      int       `json:"size"`
	TopTerms  []string  `json:"top_terms"`
	Centroid  []float32 `json:"centroid,omitempty"`
}

// ClusterResult is the outcome of one community detection run.
type ClusterResult struct {
	Namespace  string    `json:"namespace"`
	Clusters   []Cluster `json:"clusters"`
	Modularity float64   `json:"modularity"`
}

// DetectCommunities runs Louvain modularity maximization over the
// namespace graph, persists community_id / community_level on every node
// and returns the cluster descriptors.
func (a *Analyzer) DetectCommunities(ctx context.Context, namespace string) (*ClusterResult, error) {
	if err := a.acquire(namespace); err != nil {
		return nil, err
	}
	defer a.release(namespace)

	nodes, edges, err := a.store.ListGraph(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return &ClusterResult{Namespace: namespace}, nil
	}

	g := buildIndex(nodes, edges)
	assignment, modularity := louvain(g)

	clusters := map[int]*Cluster{}
	for i, communityID := range assignment {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cid := fmt.Sprintf("c%d", communityID)
		cluster, ok := clusters[communityID]
		if !ok {
			cluster = &Cluster{ClusterID: cid}
			clusters[communityID] = cluster
		}
		cluster.NodeIDs = append(cluster.NodeIDs, nodes[i].ID)

		if err := a.store.UpdateNodeProperties(ctx, nodes[i].ID, map[string]any{
			"community_id":    cid,
			"community_level": 0,
		}); err != nil {
			return nil, err
		}
	}

	result := &ClusterResult{Namespace: namespace, Modularity: modularity}
	var communityIDs []int
	for id := range clusters {
		communityIDs = append(communityIDs, id)
	}
	sort.Ints(communityIDs)

	nodeByID := map[string]common.Node{}
	for _, node := range nodes {
		nodeByID[node.ID] = node
	}

	for _, id := range communityIDs {
		cluster := clusters[id]
		cluster.Size = len(cluster.NodeIDs)
		cluster.TopTerms = topTerms(cluster.NodeIDs, nodeByID)
		cluster.Centroid = centroid(cluster.NodeIDs, nodeByID)
		sort.Strings(cluster.NodeIDs)
		result.Clusters = append(result.Clusters, *cluster)
	}

	return result, nil
}

// louvain performs the local-move phase of the Louvain method on the
// undirected weighted-by-count graph and returns a community assignment
// per node plus the resulting modularity.
func louvain(g *graphIndex) ([]int, float64) {
	n := len(g.nodes)
	community := make([]int, n)
	degree := make([]float64, n)
	totalWeight := 0.0
	for i := range community {
		community[i] = i
		degree[i] = float64(len(g.adj[i]))
		totalWeight += degree[i]
	}
	m := totalWeight / 2
	if m == 0 {
		return community, 0
	}

	communityDegree := make([]float64, n)
	copy(communityDegree, degree)

	improved := true
	for pass := 0; pass < louvainMaxPasses && improved; pass++ {
		improved = false
		for v := 0; v < n; v++ {
			current := community[v]

			// Weight of v's links into each neighboring community.
			links := map[int]float64{}
			for _, w := range g.adj[v] {
				links[community[w]]++
			}

			communityDegree[current] -= degree[v]

			bestCommunity := current
			bestGain := 0.0
			for c, link := range links {
				gain := link - degree[v]*communityDegree[c]/(2*m)
				if gain > bestGain {
					bestGain = gain
					bestCommunity = c
				}
			}

			communityDegree[bestCommunity] += degree[v]
			if bestCommunity != current {
				community[v] = bestCommunity
				improved = true
			}
		}
	}

	// Renumber communities densely.
	renumber := map[int]int{}
	for i, c := range community {
		if _, ok := renumber[c]; !ok {
			renumber[c] = len(renumber)
		}
		community[i] = renumber[c]
	}

	return community, modularity(g, community, m)
}

func modularity(g *graphIndex, community []int, m float64) float64 {
	if m == 0 {
		return 0
	}
	n := len(g.nodes)
	internal := map[int]float64{}
	communityDegree := map[int]float64{}
	for v := 0; v < n; v++ {
		communityDegree[community[v]] += float64(len(g.adj[v]))
		for _, w := range g.adj[v] {
			if community[v] == community[w] {
				internal[community[v]]++
			}
		}
	}

	q := 0.0
	for c, in := range internal {
		q += in/(2*m) - math2(communityDegree[c]/(2*m))
	}
	// Communities with no internal edges still contribute their degree term.
	for c, deg := range communityDegree {
		if _, ok := internal[c]; !ok {
			q -= math2(deg / (2 * m))
		}
	}
	return q
}

func math2(x float64) float64 { return x * x }

var termTokenRe = regexp.MustCompile(`[a-z0-9][a-z0-9-]{2,}`)

var termStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"are": {}, "was": {}, "have": {}, "has": {}, "from": {}, "into": {},
	"them": {}, "their": {}, "there": {}, "which": {}, "while": {},
}

// topTerms returns the highest-frequency tokens across the cluster's
// chunk text, ties broken lexicographically for determinism.
func topTerms(nodeIDs []string, nodeByID map[string]common.Node) []string {
	counts := map[string]int{}
	for _, id := range nodeIDs {
		node, ok := nodeByID[id]
		if !ok || node.Label != common.LabelChunk {
			continue
		}
		text, _ := node.Properties["text"].(string)
		for _, token := range termTokenRe.FindAllString(strings.ToLower(text), -1) {
			if _, stop := termStopwords[token]; stop {
				continue
			}
			counts[token]++
		}
	}

	type termCount struct {
		term  string
		count int
	}
	var ordered []termCount
	for term, count := range counts {
		ordered = append(ordered, termCount{term, count})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].term < ordered[j].term
	})

	var terms []string
	for i := 0; i < len(ordered) && i < topTermCount; i++ {
		terms = append(terms, ordered[i].term)
	}
	return terms
}

func centroid(nodeIDs []string, nodeByID map[string]common.Node) []float32 {
	var sum []float64
	count := 0
	for _, id := range nodeIDs {
		node, ok := nodeByID[id]
		if !ok || len(node.Embedding) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(node.Embedding))
		}
		for i, v := range node.Embedding {
			if i < len(sum) {
				sum[i] += float64(v)
			}
		}
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out
}
