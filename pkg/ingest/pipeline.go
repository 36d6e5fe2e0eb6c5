package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/okapi/internal/util"
	"github.com/OFFIS-RIT/okapi/pkg/chunker"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/embed"
	"github.com/OFFIS-RIT/okapi/pkg/events"
	"github.com/OFFIS-RIT/okapi/pkg/extract"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"golang.org/x/sync/errgroup"
)

// Ingest result statuses.
const (
	StatusIndexed = "indexed"
	StatusNoop    = "noop"
	StatusFailed  = "failed"
)

// Pipeline runs the full ingestion path for one document: unitize,
// extract, embed, upsert and publish.
type Pipeline struct {
	store     store.GraphStore
	extractor *extract.Extractor
	embedder  *embed.Embedder
	bus       *events.Bus

	mentionCap     int
	parallelChunks int
}

// NewPipelineParams configures a Pipeline. MentionCap bounds MENTIONED_IN
// edges per entity per document (10 embedded / 5 graph backend).
type NewPipelineParams struct {
	Store     store.GraphStore
	Extractor *extract.Extractor
	Embedder  *embed.Embedder
	Bus       *events.Bus

	MentionCap     int
	ParallelChunks int
}

func NewPipeline(params NewPipelineParams) *Pipeline {
	mentionCap := params.MentionCap
	if mentionCap <= 0 {
		mentionCap = 10
	}
	parallel := params.ParallelChunks
	if parallel <= 0 {
		parallel = 4
	}
	return &Pipeline{
		store:          params.Store,
		extractor:      params.Extractor,
		embedder:       params.Embedder,
		bus:            params.Bus,
		mentionCap:     mentionCap,
		parallelChunks: parallel,
	}
}

// Request describes one document to ingest.
type Request struct {
	Namespace         string
	DocID             string
	Text              string
	Metadata          map[string]any
	ForceHeuristic    bool
	DisableEmbeddings bool
}

// Result reports what one ingestion did.
type Result struct {
	Status         string `json:"status"`
	NodesCreated   int    `json:"nodes_created"`
	EdgesCreated   int    `json:"edges_created"`
	Chunks         int    `json:"chunks"`
	ExtractionMode string `json:"extraction_mode"`
}

type chunkExtraction struct {
	chunk  chunker.Chunk
	result *extract.Result
}

// IngestDocument runs the pipeline for one document. Unchanged content is
// a NOOP; extraction and embedding degrade instead of failing; storage
// failures abort the transaction and mark the document failed.
func (p *Pipeline) IngestDocument(ctx context.Context, req Request) (*Result, error) {
	if req.DocID == "" || strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("doc_id and text are required")
	}
	if req.Namespace == "" {
		req.Namespace = "public"
	}

	contentHash := util.HashText(req.Text)
	prior, err := p.store.GetIngestLog(ctx, req.Namespace, req.DocID)
	if err == nil && prior.ContentHash == contentHash && prior.Status == common.IngestStatusIndexed {
		return &Result{Status: StatusNoop}, nil
	}

	firstSeen := common.NowUTC()
	if prior != nil {
		firstSeen = prior.FirstSeen
	}

	sections, chunks := chunker.Split(req.Text)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %s produced no chunks", req.DocID)
	}

	mode := extract.ModeLLM
	if req.ForceHeuristic {
		mode = extract.ModeForceHeuristic
	}

	extractions, err := p.extractChunks(ctx, chunks, mode)
	if err != nil {
		p.markFailed(ctx, req, contentHash, firstSeen)
		return nil, err
	}

	modeUsed := extract.ModeHeuristic
	for _, ce := range extractions {
		if ce.result.ModeUsed != extract.ModeHeuristic {
			modeUsed = ce.result.ModeUsed
		}
	}

	nodes, edges := p.buildGraph(req, sections, extractions, modeUsed)

	if !req.DisableEmbeddings && p.embedder != nil && p.embedder.Enabled() {
		p.attachEmbeddings(ctx, nodes)
	}

	created, err := p.newNodeIDs(ctx, nodes)
	if err != nil {
		p.markFailed(ctx, req, contentHash, firstSeen)
		return nil, err
	}

	bulk, err := p.store.BulkUpsert(ctx, nodes, edges)
	if err != nil {
		p.markFailed(ctx, req, contentHash, firstSeen)
		return nil, fmt.Errorf("failed to upsert document graph: %w", err)
	}

	if err := p.store.SaveDocument(ctx, common.Document{
		Namespace: req.Namespace,
		DocID:     req.DocID,
		Text:      req.Text,
		Metadata:  req.Metadata,
	}); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	if err := p.store.UpsertIngestLog(ctx, common.IngestLog{
		Namespace:     req.Namespace,
		DocID:         req.DocID,
		ContentHash:   contentHash,
		FirstSeen:     firstSeen,
		LastIndexedAt: common.NowUTC(),
		Status:        common.IngestStatusIndexed,
	}); err != nil {
		return nil, fmt.Errorf("failed to update ingest log: %w", err)
	}

	p.publishEvents(req.Namespace, created, bulk.EdgesCreated)

	return &Result{
		Status:         StatusIndexed,
		NodesCreated:   bulk.NodesCreated,
		EdgesCreated:   bulk.EdgesCreated,
		Chunks:         len(chunks),
		ExtractionMode: modeUsed,
	}, nil
}

// RegisterDocument stores a document and marks it for the next
// orchestrator run instead of indexing it inline (legacy ingest mode).
// Unchanged content on an indexed document is a NOOP.
func (p *Pipeline) RegisterDocument(ctx context.Context, req Request) (*Result, error) {
	if req.DocID == "" || strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("doc_id and text are required")
	}
	if req.Namespace == "" {
		req.Namespace = "public"
	}

	contentHash := util.HashText(req.Text)
	status := common.IngestStatusNew
	firstSeen := common.NowUTC()
	if prior, err := p.store.GetIngestLog(ctx, req.Namespace, req.DocID); err == nil {
		firstSeen = prior.FirstSeen
		if prior.ContentHash == contentHash && prior.Status == common.IngestStatusIndexed {
			return &Result{Status: StatusNoop}, nil
		}
		status = common.IngestStatusStale
	}

	if err := p.store.SaveDocument(ctx, common.Document{
		Namespace: req.Namespace,
		DocID:     req.DocID,
		Text:      req.Text,
		Metadata:  req.Metadata,
	}); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	if err := p.store.UpsertIngestLog(ctx, common.IngestLog{
		Namespace:   req.Namespace,
		DocID:       req.DocID,
		ContentHash: contentHash,
		FirstSeen:   firstSeen,
		Status:      status,
	}); err != nil {
		return nil, fmt.Errorf("failed to update ingest log: %w", err)
	}

	return &Result{Status: status}, nil
}

func (p *Pipeline) extractChunks(ctx context.Context, chunks []chunker.Chunk, mode string) ([]chunkExtraction, error) {
	extractions := make([]chunkExtraction, len(chunks))
	mu := sync.Mutex{}

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.parallelChunks)
	for i, chunk := range chunks {
		idx, c := i, chunk
		eg.Go(func() error {
			result, err := p.extractor.ExtractChunk(gCtx, c.Text, mode)
			if err != nil {
				return err
			}
			mu.Lock()
			extractions[idx] = chunkExtraction{chunk: c, result: result}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("failed to extract entities from chunks: %w", err)
	}
	return extractions, nil
}

// buildGraph assembles the node and edge set for one document. Output
// order is deterministic for a deterministic extraction.
func (p *Pipeline) buildGraph(req Request, sections []chunker.Section, extractions []chunkExtraction, modeUsed string) ([]common.Node, []common.Edge) {
	var nodes []common.Node
	var edges []common.Edge

	sectionIDs := map[string]string{}
	for _, section := range sections {
		id := common.SectionNodeID(req.Namespace, req.DocID, section.Path)
		sectionIDs[section.Path] = id
		nodes = append(nodes, common.Node{
			ID:        id,
			Label:     common.LabelSection,
			Name:      section.Title,
			Namespace: req.Namespace,
			Properties: map[string]any{
				"doc_id":       req.DocID,
				"section_path": section.Path,
				"depth":        section.Depth,
				"source_ids":   []string{req.DocID},
			},
		})
	}

	entityIDs := map[string]string{}
	mentions := map[string]int{}
	sectionEntities := map[string][]extract.Entity{}
	sectionHasEntity := map[string]map[string]struct{}{}

	addEdge := func(edge common.Edge) {
		if edge.Properties == nil {
			edge.Properties = map[string]any{}
		}
		edge.Properties["namespace"] = req.Namespace
		edge.Properties["weight"] = edge.Confidence
		edge.ID = common.EdgeIDFor(edge.SourceID, edge.TargetID, edge.Relation)
		edges = append(edges, edge)
	}

	for _, ce := range extractions {
		chunkID := common.ChunkNodeID(req.Namespace, req.DocID, ce.chunk.Index)
		nodes = append(nodes, common.Node{
			ID:        chunkID,
			Label:     common.LabelChunk,
			Name:      fmt.Sprintf("%s#%d", req.DocID, ce.chunk.Index),
			Namespace: req.Namespace,
			Properties: map[string]any{
				"doc_id":          req.DocID,
				"chunk_index":     ce.chunk.Index,
				"section_path":    ce.chunk.SectionPath,
				"text":            ce.chunk.Text,
				"extraction_mode": ce.result.ModeUsed,
				"source_ids":      []string{req.DocID},
			},
		})

		if sectionID, ok := sectionIDs[ce.chunk.SectionPath]; ok {
			addEdge(common.Edge{
				SourceID:   sectionID,
				TargetID:   chunkID,
				Relation:   common.RelationContains,
				Confidence: 1,
			})
		}

		for _, entity := range ce.result.Entities {
			entityID := common.EntityNodeID(req.Namespace, entity.Name)
			if _, ok := entityIDs[entityID]; !ok {
				entityIDs[entityID] = entity.Name
				nodes = append(nodes, common.Node{
					ID:        entityID,
					Label:     entity.Label,
					Name:      entity.Name,
					Namespace: req.Namespace,
					Properties: map[string]any{
						"source_ids": []string{req.DocID},
					},
				})
			}

			if mentions[entityID] < p.mentionCap {
				mentions[entityID]++
				addEdge(common.Edge{
					SourceID:   entityID,
					TargetID:   chunkID,
					Relation:   common.RelationMentionedIn,
					Confidence: entity.Confidence,
				})
			}

			if sectionID, ok := sectionIDs[ce.chunk.SectionPath]; ok {
				if sectionHasEntity[sectionID] == nil {
					sectionHasEntity[sectionID] = map[string]struct{}{}
				}
				if _, dup := sectionHasEntity[sectionID][entityID]; !dup {
					sectionHasEntity[sectionID][entityID] = struct{}{}
					addEdge(common.Edge{
						SourceID:   sectionID,
						TargetID:   entityID,
						Relation:   common.RelationHasEntity,
						Confidence: entity.Confidence,
					})
					sectionEntities[ce.chunk.SectionPath] = append(sectionEntities[ce.chunk.SectionPath], entity)
				}
			}
		}

		entityEdge := func(rel extract.Relation) (common.Edge, bool) {
			sourceID := common.EntityNodeID(req.Namespace, rel.SourceName)
			targetID := common.EntityNodeID(req.Namespace, rel.TargetName)
			if _, ok := entityIDs[sourceID]; !ok {
				return common.Edge{}, false
			}
			if _, ok := entityIDs[targetID]; !ok {
				return common.Edge{}, false
			}
			return common.Edge{
				SourceID:   sourceID,
				TargetID:   targetID,
				Relation:   rel.Relation,
				Confidence: rel.Confidence,
			}, true
		}

		for _, rel := range ce.result.Relations {
			if edge, ok := entityEdge(rel); ok {
				addEdge(edge)
			}
		}
		for _, rel := range extract.DeriveCoOccurrence(ce.result.Entities) {
			if edge, ok := entityEdge(rel); ok {
				addEdge(edge)
			}
		}
		for _, rel := range extract.DeriveRoleAt(ce.chunk.Text, ce.result.Entities) {
			if edge, ok := entityEdge(rel); ok {
				addEdge(edge)
			}
		}
	}

	var sectionPaths []string
	for path := range sectionEntities {
		sectionPaths = append(sectionPaths, path)
	}
	sort.Strings(sectionPaths)
	for _, path := range sectionPaths {
		for _, rel := range extract.DeriveUsesTech(sectionEntities[path]) {
			sourceID := common.EntityNodeID(req.Namespace, rel.SourceName)
			targetID := common.EntityNodeID(req.Namespace, rel.TargetName)
			addEdge(common.Edge{
				SourceID:   sourceID,
				TargetID:   targetID,
				Relation:   rel.Relation,
				Confidence: rel.Confidence,
			})
		}
	}

	if modeUsed != extract.ModeLLM {
		for i := range nodes {
			if nodes[i].Label == common.LabelChunk {
				nodes[i].Properties["extraction_mode"] = modeUsed
			}
		}
	}

	return nodes, dedupeEdges(edges)
}

// dedupeEdges keeps the highest-confidence occurrence of each derived
// edge identity so the storage layer sees each once per batch.
func dedupeEdges(edges []common.Edge) []common.Edge {
	byID := map[string]int{}
	out := make([]common.Edge, 0, len(edges))
	for _, edge := range edges {
		if idx, ok := byID[edge.ID]; ok {
			if edge.Confidence > out[idx].Confidence {
				out[idx].Confidence = edge.Confidence
				out[idx].Properties["weight"] = edge.Confidence
			}
			continue
		}
		byID[edge.ID] = len(out)
		out = append(out, edge)
	}
	return out
}

func (p *Pipeline) attachEmbeddings(ctx context.Context, nodes []common.Node) {
	var texts []string
	var targets []int
	for i, node := range nodes {
		switch node.Label {
		case common.LabelChunk:
			if text, ok := node.Properties["text"].(string); ok {
				texts = append(texts, text)
				targets = append(targets, i)
			}
		case common.LabelSection:
			continue
		default:
			texts = append(texts, node.Name)
			targets = append(targets, i)
		}
	}

	vectors, err := p.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		logger.Warn("Embeddings degraded for document", "err", err)
		for _, idx := range targets {
			nodes[idx].Properties["embedding_status"] = "failed"
		}
		return
	}
	for j, idx := range targets {
		if j < len(vectors) && len(vectors[j]) > 0 {
			nodes[idx].Embedding = vectors[j]
		}
	}
}

// newNodeIDs reports which of the batch's nodes do not exist yet, so
// node_added events can be emitted after the commit.
func (p *Pipeline) newNodeIDs(ctx context.Context, nodes []common.Node) ([]string, error) {
	var created []string
	for _, node := range nodes {
		_, err := p.store.GetNode(ctx, node.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		created = append(created, node.ID)
	}
	return created, nil
}

func (p *Pipeline) publishEvents(namespace string, createdNodeIDs []string, edgesCreated int) {
	if p.bus == nil {
		return
	}
	for _, id := range createdNodeIDs {
		p.bus.Publish(events.Event{
			Type:      events.TypeNodeAdded,
			Namespace: namespace,
			Payload:   map[string]any{"node_id": id},
		})
	}
	if edgesCreated > 0 {
		p.bus.Publish(events.Event{
			Type:      events.TypeEdgesAdded,
			Namespace: namespace,
			Payload:   map[string]any{"count": edgesCreated},
		})
	}
}

func (p *Pipeline) markFailed(ctx context.Context, req Request, contentHash, firstSeen string) {
	if err := p.store.UpsertIngestLog(ctx, common.IngestLog{
		Namespace:     req.Namespace,
		DocID:         req.DocID,
		ContentHash:   contentHash,
		FirstSeen:     firstSeen,
		LastIndexedAt: common.NowUTC(),
		Status:        common.IngestStatusFailed,
	}); err != nil {
		logger.Error("Failed to record ingest failure", "doc_id", req.DocID, "err", err)
	}
}
