package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/okapi/pkg/analytics"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/events"
	"github.com/OFFIS-RIT/okapi/pkg/ingest"
	"github.com/OFFIS-RIT/okapi/pkg/leaselock"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/store"
)

// Run directory markers.
const (
	MarkerRunning      = "_RUNNING"
	MarkerSuccess      = "_SUCCESS"
	MarkerPartial      = "_PARTIAL"
	MarkerFailed       = "_FAILED"
	MarkerImportFailed = "_IMPORT_FAILED"
)

// Core and optional artifact file names inside a run directory.
const (
	ArtifactEntities      = "entities"
	ArtifactRelationships = "relationships"
	ArtifactCommunities   = "communities"
	ArtifactReports       = "community_reports"
)

// lockFileName mediates runs across processes on one host.
const lockFileName = ".graphrag_index.lock"

const defaultRetention = 7

// Orchestrator drives delta re-indexing: it selects stale documents,
// re-runs the ingestion pipeline for them, materializes run artifacts and
// maintains the retention window.
type Orchestrator struct {
	store     store.GraphStore
	pipeline  *ingest.Pipeline
	analyzer  *analytics.Analyzer
	bus       *events.Bus
	outputDir string
	retention int
	lock      *leaselock.Client
}

// NewOrchestratorParams configures an Orchestrator. Retention is the
// number of run directories kept per namespace.
type NewOrchestratorParams struct {
	Store     store.GraphStore
	Pipeline  *ingest.Pipeline
	Analyzer  *analytics.Analyzer
	Bus       *events.Bus
	OutputDir string
	Retention int
}

func NewOrchestrator(params NewOrchestratorParams) *Orchestrator {
	retention := params.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	outputDir := params.OutputDir
	if outputDir == "" {
		outputDir = "output"
	}
	return &Orchestrator{
		store:     params.Store,
		pipeline:  params.Pipeline,
		analyzer:  params.Analyzer,
		bus:       params.Bus,
		outputDir: outputDir,
		retention: retention,
		lock:      leaselock.New(filepath.Join(outputDir, lockFileName)),
	}
}

// Locked reports whether another run currently holds the index lock.
func (o *Orchestrator) Locked() bool {
	return o.lock.IsHeld()
}

// RunOptions controls one orchestrated run.
type RunOptions struct {
	Namespace string
	Force     bool
}

// Run executes one re-index pass. Contention returns a LOCKED record, an
// empty delta a NOOP record; neither materializes a run directory.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*common.RunRecord, error) {
	if opts.Namespace == "" {
		opts.Namespace = "public"
	}

	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return nil, err
	}

	lease, err := o.lock.Acquire(leaselock.Options{
		TTL:   30 * time.Minute,
		Force: opts.Force,
	})
	if errors.Is(err, leaselock.ErrBusy) {
		return &common.RunRecord{
			Namespace: opts.Namespace,
			Status:    common.RunStatusLocked,
			StartedAt: common.NowUTC(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			logger.Warn("Failed to release index lock", "err", err)
		}
	}()

	staleLogs, err := o.store.ListIngestLogs(ctx, opts.Namespace,
		[]string{common.IngestStatusNew, common.IngestStatusStale})
	if err != nil {
		return nil, err
	}
	if len(staleLogs) == 0 {
		return &common.RunRecord{
			Namespace: opts.Namespace,
			Status:    common.RunStatusNoop,
			StartedAt: common.NowUTC(),
		}, nil
	}

	run := &common.RunRecord{
		RunID:     "run-" + time.Now().UTC().Format("20060102T150405Z"),
		Namespace: opts.Namespace,
		StartedAt: common.NowUTC(),
		Status:    common.RunStatusRunning,
		StaleDocs: len(staleLogs),
	}

	runDir := filepath.Join(o.outputDir, opts.Namespace, run.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	run.ArtifactDir = runDir
	if err := writeMarker(runDir, MarkerRunning); err != nil {
		return nil, err
	}
	if err := o.store.SaveRun(ctx, *run); err != nil {
		logger.Warn("Failed to persist run record", "run_id", run.RunID, "err", err)
	}

	preNodes, preEdges, err := o.identitySets(ctx, opts.Namespace)
	if err != nil {
		return o.finalize(ctx, run, runDir, common.RunStatusFailed)
	}

	var staleDocIDs []string
	for _, log := range staleLogs {
		if err := ctx.Err(); err != nil {
			return o.finalize(ctx, run, runDir, common.RunStatusFailed)
		}
		staleDocIDs = append(staleDocIDs, log.DocID)

		doc, err := o.store.GetDocument(ctx, opts.Namespace, log.DocID)
		if err != nil {
			logger.Warn("Stale document has no stored text", "doc_id", log.DocID, "err", err)
			continue
		}
		result, err := o.pipeline.IngestDocument(ctx, ingest.Request{
			Namespace: opts.Namespace,
			DocID:     doc.DocID,
			Text:      doc.Text,
			Metadata:  doc.Metadata,
		})
		if err != nil {
			logger.Error("Re-index failed for document", "doc_id", log.DocID, "err", err)
			continue
		}
		run.IndexedDocs++
		run.NodesNew += result.NodesCreated
		run.EdgesNew += result.EdgesCreated
	}

	if run.IndexedDocs == 0 {
		return o.finalize(ctx, run, runDir, common.RunStatusFailed)
	}

	// Core artifacts: the delta graph for the re-indexed documents.
	if err := o.writeCoreArtifacts(ctx, runDir, opts.Namespace, staleDocIDs); err != nil {
		logger.Error("Failed to write core artifacts", "err", err)
		return o.finalize(ctx, run, runDir, common.RunStatusFailed)
	}

	status := common.RunStatusSuccess
	if err := o.writeOptionalArtifacts(ctx, runDir, opts.Namespace); err != nil {
		logger.Warn("Optional artifacts missing from run", "err", err)
		status = common.RunStatusPartial
	}

	postNodes, postEdges, err := o.identitySets(ctx, opts.Namespace)
	if err == nil {
		run.PercentReusedNodes = percentReused(preNodes, postNodes)
		run.PercentReusedEdges = percentReused(preEdges, postEdges)
	}

	return o.finalize(ctx, run, runDir, status)
}

func (o *Orchestrator) identitySets(ctx context.Context, namespace string) (map[string]struct{}, map[string]struct{}, error) {
	nodes, edges, err := o.store.ListGraph(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}
	nodeSet := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		nodeSet[node.ID] = struct{}{}
	}
	edgeSet := make(map[string]struct{}, len(edges))
	for _, edge := range edges {
		edgeSet[edge.ID] = struct{}{}
	}
	return nodeSet, edgeSet, nil
}

// percentReused is |pre ∩ post| / |post|: the share of the merged graph
// that survived from the previous baseline unchanged in identity.
func percentReused(pre, post map[string]struct{}) float64 {
	if len(post) == 0 {
		return 0
	}
	unchanged := 0
	for id := range post {
		if _, ok := pre[id]; ok {
			unchanged++
		}
	}
	return float64(unchanged) / float64(len(post))
}

func (o *Orchestrator) finalize(ctx context.Context, run *common.RunRecord, runDir, status string) (*common.RunRecord, error) {
	run.Status = status
	run.FinishedAt = common.NowUTC()

	marker := MarkerFailed
	switch status {
	case common.RunStatusSuccess:
		marker = MarkerSuccess
	case common.RunStatusPartial:
		marker = MarkerPartial
	case common.RunStatusImportFailed:
		marker = MarkerImportFailed
	}
	_ = os.Remove(filepath.Join(runDir, MarkerRunning))
	if err := writeMarker(runDir, marker); err != nil {
		logger.Error("Failed to write run marker", "marker", marker, "err", err)
	}

	if status == common.RunStatusSuccess || status == common.RunStatusPartial {
		o.promoteLatest(runDir)
	}

	if err := o.store.SaveRun(ctx, *run); err != nil {
		logger.Warn("Failed to persist run record", "run_id", run.RunID, "err", err)
	}
	o.pruneRuns(filepath.Dir(runDir))

	if o.bus != nil {
		o.bus.Publish(events.Event{
			Type:      events.TypeIndexRunCompleted,
			Namespace: run.Namespace,
			Payload:   run,
		})
	}

	logger.Info("Index run finished",
		"run_id", run.RunID,
		"status", run.Status,
		"stale_docs", run.StaleDocs,
		"indexed_docs", run.IndexedDocs)

	return run, nil
}

// promoteLatest atomically repoints the namespace's latest symlink.
func (o *Orchestrator) promoteLatest(runDir string) {
	nsDir := filepath.Dir(runDir)
	link := filepath.Join(nsDir, "latest")
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Base(runDir), tmp); err != nil {
		logger.Warn("Failed to stage latest symlink", "err", err)
		return
	}
	if err := os.Rename(tmp, link); err != nil {
		logger.Warn("Failed to promote latest symlink", "err", err)
	}
}

// pruneRuns keeps the newest retention run directories per namespace.
func (o *Orchestrator) pruneRuns(nsDir string) {
	entries, err := os.ReadDir(nsDir)
	if err != nil {
		return
	}
	var runs []string
	for _, entry := range entries {
		if entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[:4] == "run-" {
			runs = append(runs, entry.Name())
		}
	}
	if len(runs) <= o.retention {
		return
	}
	// Run names sort chronologically.
	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[j] < runs[i] {
				runs[i], runs[j] = runs[j], runs[i]
			}
		}
	}
	for _, name := range runs[:len(runs)-o.retention] {
		if err := os.RemoveAll(filepath.Join(nsDir, name)); err != nil {
			logger.Warn("Failed to prune run directory", "run", name, "err", err)
		}
	}
}

func writeMarker(runDir, marker string) error {
	return os.WriteFile(filepath.Join(runDir, marker), []byte(common.NowUTC()+"\n"), 0o644)
}

// LatestRunDir resolves the namespace's latest symlink, if present.
func (o *Orchestrator) LatestRunDir(namespace string) (string, error) {
	link := filepath.Join(o.outputDir, namespace, "latest")
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(o.outputDir, namespace, target)
	}
	return target, nil
}
