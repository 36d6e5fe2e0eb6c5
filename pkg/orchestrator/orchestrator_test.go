package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OFFIS-RIT/okapi/pkg/analytics"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/events"
	"github.com/OFFIS-RIT/okapi/pkg/extract"
	"github.com/OFFIS-RIT/okapi/pkg/ingest"
	"github.com/OFFIS-RIT/okapi/pkg/leaselock"
	"github.com/OFFIS-RIT/okapi/pkg/store"
	storesqlite "github.com/OFFIS-RIT/okapi/pkg/store/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *ingest.Pipeline, store.GraphStore, string) {
	t.Helper()
	dir := t.TempDir()

	s, err := storesqlite.New(filepath.Join(dir, "graphrag.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pipeline := ingest.NewPipeline(ingest.NewPipelineParams{
		Store:     s,
		Extractor: extract.NewExtractor(extract.NewExtractorParams{Client: nil}),
		Bus:       events.NewBus(100),
	})

	outputDir := filepath.Join(dir, "output")
	orch := NewOrchestrator(NewOrchestratorParams{
		Store:     s,
		Pipeline:  pipeline,
		Analyzer:  analytics.NewAnalyzer(s, nil),
		Bus:       events.NewBus(100),
		OutputDir: outputDir,
		Retention: 3,
	})
	return orch, pipeline, s, outputDir
}

func register(t *testing.T, pipeline *ingest.Pipeline, docID, text string) {
	t.Helper()
	_, err := pipeline.RegisterDocument(context.Background(), ingest.Request{
		Namespace:      "public",
		DocID:          docID,
		Text:           text,
		ForceHeuristic: true,
	})
	require.NoError(t, err)
}

func TestRun_NoStaleDocsIsNoop(t *testing.T) {
	orch, _, _, outputDir := newTestOrchestrator(t)

	run, err := orch.Run(context.Background(), RunOptions{Namespace: "public"})
	require.NoError(t, err)
	require.Equal(t, common.RunStatusNoop, run.Status)

	// NOOP materializes no run directory.
	entries, _ := os.ReadDir(filepath.Join(outputDir, "public"))
	require.Empty(t, entries)
}

func TestRun_DeltaReindex(t *testing.T) {
	orch, pipeline, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// d1 is already indexed; d2 arrives later and is the only stale doc.
	_, err := pipeline.IngestDocument(ctx, ingest.Request{
		Namespace:      "public",
		DocID:          "d1",
		Text:           "OpenAI collaborates with Microsoft and Google on AI safety.",
		ForceHeuristic: true,
	})
	require.NoError(t, err)
	register(t, pipeline, "d2", "Alice works at Acme. Acme uses Kafka.")

	run, err := orch.Run(ctx, RunOptions{Namespace: "public"})
	require.NoError(t, err)

	require.Equal(t, 1, run.StaleDocs)
	require.Equal(t, 1, run.IndexedDocs)
	require.Contains(t, []string{common.RunStatusSuccess, common.RunStatusPartial}, run.Status)
	require.GreaterOrEqual(t, run.PercentReusedNodes, 0.5)

	// The delta was merged: d2's entities exist alongside d1's.
	_, err = s.GetNode(ctx, common.EntityNodeID("public", "Alice"))
	require.NoError(t, err)
	_, err = s.GetNode(ctx, common.EntityNodeID("public", "OpenAI"))
	require.NoError(t, err)

	// Core artifacts and a terminal marker exist in the run directory.
	require.FileExists(t, filepath.Join(run.ArtifactDir, ArtifactEntities))
	require.FileExists(t, filepath.Join(run.ArtifactDir, ArtifactRelationships))
	markers, _ := filepath.Glob(filepath.Join(run.ArtifactDir, "_*"))
	require.NotEmpty(t, markers)
	require.NoFileExists(t, filepath.Join(run.ArtifactDir, MarkerRunning))

	// The latest symlink points at the finished run.
	latest, err := orch.LatestRunDir("public")
	require.NoError(t, err)
	require.Equal(t, filepath.Base(run.ArtifactDir), filepath.Base(latest))

	log, err := s.GetIngestLog(ctx, "public", "d2")
	require.NoError(t, err)
	require.Equal(t, common.IngestStatusIndexed, log.Status)
}

func TestRun_LockContention(t *testing.T) {
	orch, pipeline, _, outputDir := newTestOrchestrator(t)
	register(t, pipeline, "d1", "Some document about Acme Corp and Kafka.")

	require.NoError(t, os.MkdirAll(outputDir, 0o755))
	holder := leaselock.New(filepath.Join(outputDir, ".graphrag_index.lock"))
	lease, err := holder.Acquire(leaselock.Options{TTL: time.Minute})
	require.NoError(t, err)
	defer lease.Release()

	run, err := orch.Run(context.Background(), RunOptions{Namespace: "public"})
	require.NoError(t, err)
	require.Equal(t, common.RunStatusLocked, run.Status)

	// Forced runs take over.
	run, err = orch.Run(context.Background(), RunOptions{Namespace: "public", Force: true})
	require.NoError(t, err)
	require.NotEqual(t, common.RunStatusLocked, run.Status)
}

func TestImportRun_MissingCoreArtifacts(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	runDir := filepath.Join(t.TempDir(), "run-x")
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	run, err := orch.ImportRun(context.Background(), runDir)
	require.Error(t, err)
	require.Equal(t, common.RunStatusImportFailed, run.Status)
	require.FileExists(t, filepath.Join(runDir, MarkerImportFailed))
}

func TestImportRun_MergesArtifacts(t *testing.T) {
	orch, pipeline, s, _ := newTestOrchestrator(t)
	ctx := context.Background()

	register(t, pipeline, "d1", "Globex Corp uses Kafka and Postgres daily.")
	run, err := orch.Run(ctx, RunOptions{Namespace: "public"})
	require.NoError(t, err)
	require.NotEqual(t, common.RunStatusFailed, run.Status)

	// Re-importing the produced artifacts is idempotent.
	imported, err := orch.ImportRun(ctx, run.ArtifactDir)
	require.NoError(t, err)
	require.Equal(t, common.RunStatusSuccess, imported.Status)
	require.Zero(t, imported.NodesNew, "re-import created duplicate nodes")

	_, err = s.GetNode(ctx, common.EntityNodeID("public", "Globex Corp"))
	require.NoError(t, err)
}

func TestRun_Retention(t *testing.T) {
	orch, pipeline, _, outputDir := newTestOrchestrator(t)
	ctx := context.Background()

	texts := []string{
		"First document about Acme Corp.",
		"Second document about Globex Corp.",
		"Third document about Initech Corp.",
		"Fourth document about Umbrella Corp.",
		"Fifth document about Hooli Corp.",
	}
	for i, text := range texts {
		register(t, pipeline, "doc-"+string(rune('a'+i)), text)
		run, err := orch.Run(ctx, RunOptions{Namespace: "public"})
		require.NoError(t, err)
		require.NotEqual(t, common.RunStatusFailed, run.Status)
		// Run ids carry second precision; keep them distinct.
		time.Sleep(1100 * time.Millisecond)
	}

	entries, err := os.ReadDir(filepath.Join(outputDir, "public"))
	require.NoError(t, err)
	runDirs := 0
	for _, entry := range entries {
		if entry.IsDir() {
			runDirs++
		}
	}
	require.LessOrEqual(t, runDirs, 3)
}
