package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
)

// writeCoreArtifacts exports the delta graph for the re-indexed documents
// as JSONL: one node per line in entities, one edge per line in
// relationships.
func (o *Orchestrator) writeCoreArtifacts(ctx context.Context, runDir, namespace string, docIDs []string) error {
	nodes, edges, err := o.store.ListGraph(ctx, namespace)
	if err != nil {
		return err
	}

	docSet := make(map[string]struct{}, len(docIDs))
	for _, id := range docIDs {
		docSet[id] = struct{}{}
	}

	inDelta := map[string]struct{}{}
	var deltaNodes []common.Node
	for _, node := range nodes {
		if nodeTouchesDocs(node, docSet) {
			inDelta[node.ID] = struct{}{}
			deltaNodes = append(deltaNodes, node)
		}
	}

	var deltaEdges []common.Edge
	for _, edge := range edges {
		if _, okS := inDelta[edge.SourceID]; !okS {
			continue
		}
		if _, okT := inDelta[edge.TargetID]; !okT {
			continue
		}
		deltaEdges = append(deltaEdges, edge)
	}

	if err := writeJSONL(filepath.Join(runDir, ArtifactEntities), toAnySlice(deltaNodes)); err != nil {
		return err
	}
	return writeJSONL(filepath.Join(runDir, ArtifactRelationships), toAnySlice(deltaEdges))
}

// writeOptionalArtifacts runs community detection over the namespace and
// materializes communities plus reports. Their absence downgrades the run
// to PARTIAL, never fails it.
func (o *Orchestrator) writeOptionalArtifacts(ctx context.Context, runDir, namespace string) error {
	if o.analyzer == nil {
		return fmt.Errorf("no analyzer configured")
	}

	clusters, err := o.analyzer.DetectCommunities(ctx, namespace)
	if err != nil {
		return err
	}
	rows := make([]any, 0, len(clusters.Clusters))
	for _, cluster := range clusters.Clusters {
		rows = append(rows, cluster)
	}
	if err := writeJSONL(filepath.Join(runDir, ArtifactCommunities), rows); err != nil {
		return err
	}

	summaries, err := o.analyzer.SummarizeClusters(ctx, namespace, clusters.Clusters, 0)
	if err != nil {
		return err
	}
	reportRows := make([]any, 0, len(summaries))
	for _, summary := range summaries {
		reportRows = append(reportRows, summary)
	}
	return writeJSONL(filepath.Join(runDir, ArtifactReports), reportRows)
}

func nodeTouchesDocs(node common.Node, docSet map[string]struct{}) bool {
	if docID, ok := node.Properties["doc_id"].(string); ok {
		if _, hit := docSet[docID]; hit {
			return true
		}
	}
	switch sources := node.Properties["source_ids"].(type) {
	case []string:
		for _, id := range sources {
			if _, hit := docSet[id]; hit {
				return true
			}
		}
	case []any:
		for _, raw := range sources {
			if id, ok := raw.(string); ok {
				if _, hit := docSet[id]; hit {
					return true
				}
			}
		}
	}
	return false
}

func writeJSONL(path string, rows []any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return w.Flush()
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

// ImportRun merges a run directory's artifacts into the baseline graph.
// Missing core artifacts abort the import with an IMPORT_FAILED marker and
// leave the baseline untouched.
func (o *Orchestrator) ImportRun(ctx context.Context, runDir string) (*common.RunRecord, error) {
	run := &common.RunRecord{
		RunID:       filepath.Base(runDir),
		StartedAt:   common.NowUTC(),
		ArtifactDir: runDir,
	}

	entitiesPath := filepath.Join(runDir, ArtifactEntities)
	relationsPath := filepath.Join(runDir, ArtifactRelationships)
	if !fileExists(entitiesPath) || !fileExists(relationsPath) {
		_ = writeMarker(runDir, MarkerImportFailed)
		run.Status = common.RunStatusImportFailed
		run.FinishedAt = common.NowUTC()
		return run, fmt.Errorf("run %s is missing core artifacts", run.RunID)
	}

	var nodes []common.Node
	if err := readJSONL(entitiesPath, func(line []byte) error {
		var node common.Node
		if err := json.Unmarshal(line, &node); err != nil {
			return err
		}
		nodes = append(nodes, node)
		return nil
	}); err != nil {
		_ = writeMarker(runDir, MarkerImportFailed)
		run.Status = common.RunStatusImportFailed
		return run, fmt.Errorf("corrupt entities artifact: %w", err)
	}

	var edges []common.Edge
	if err := readJSONL(relationsPath, func(line []byte) error {
		var edge common.Edge
		if err := json.Unmarshal(line, &edge); err != nil {
			return err
		}
		edges = append(edges, edge)
		return nil
	}); err != nil {
		_ = writeMarker(runDir, MarkerImportFailed)
		run.Status = common.RunStatusImportFailed
		return run, fmt.Errorf("corrupt relationships artifact: %w", err)
	}

	if len(nodes) > 0 {
		run.Namespace = nodes[0].Namespace
	}

	bulk, err := o.store.BulkUpsert(ctx, nodes, edges)
	if err != nil {
		run.Status = common.RunStatusImportFailed
		return run, err
	}

	run.NodesNew = bulk.NodesCreated
	run.EdgesNew = bulk.EdgesCreated
	run.Status = common.RunStatusSuccess
	run.FinishedAt = common.NowUTC()

	logger.Info("Imported run artifacts",
		"run_id", run.RunID,
		"nodes_new", run.NodesNew,
		"edges_new", run.EdgesNew)
	return run, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readJSONL(path string, fn func(line []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
