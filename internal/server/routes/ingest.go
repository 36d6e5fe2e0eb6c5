package routes

import (
	"context"
	"io"
	"net/http"

	"github.com/OFFIS-RIT/okapi/pkg/ingest"
	"github.com/OFFIS-RIT/okapi/pkg/logger"

	"github.com/labstack/echo/v4"
)

// maxBatchDocuments bounds one ingest-batch request.
const maxBatchDocuments = 100

type ingestBody struct {
	DocID             string         `json:"doc_id" validate:"required"`
	Text              string         `json:"text" validate:"required"`
	Namespace         string         `json:"namespace"`
	Metadata          map[string]any `json:"metadata"`
	ForceHeuristic    bool           `json:"force_heuristic"`
	DisableEmbeddings bool           `json:"disable_embeddings"`
}

type ingestResponse struct {
	Status         string `json:"status"`
	NodesCreated   int    `json:"nodes_created"`
	EdgesCreated   int    `json:"edges_created"`
	Chunks         int    `json:"chunks"`
	ExtractionMode string `json:"extraction_mode"`
	Store          string `json:"store"`
}

func runIngest(c echo.Context, body ingestBody) (*ingest.Result, error) {
	a := app(c)
	req := ingest.Request{
		Namespace:         namespaceOr(body.Namespace),
		DocID:             body.DocID,
		Text:              body.Text,
		Metadata:          body.Metadata,
		ForceHeuristic:    body.ForceHeuristic,
		DisableEmbeddings: body.DisableEmbeddings,
	}

	if a.DefaultIngestMode == "legacy" {
		return a.Pipeline.RegisterDocument(c.Request().Context(), req)
	}
	return a.Pipeline.IngestDocument(c.Request().Context(), req)
}

// maybeRecomputeAnalytics schedules the growth-triggered centrality pass
// off the request path.
func maybeRecomputeAnalytics(c echo.Context, namespace string) {
	a := app(c)
	if a.Analyzer == nil || a.Jobs == nil {
		return
	}
	stats, err := a.Store.NamespaceStats(c.Request().Context(), namespace)
	if err != nil {
		return
	}
	count := stats.NodeCount
	_ = a.Jobs.Submit(func() {
		a.Analyzer.MaybeRecompute(context.Background(), namespace, count)
	})
}

// IngestHandler indexes one document synchronously.
func IngestHandler(c echo.Context) error {
	body := new(ingestBody)
	if err := c.Bind(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid request body")
	}
	if err := c.Validate(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "doc_id and text are required")
	}

	result, err := runIngest(c, *body)
	if err != nil {
		logger.Error("Ingest failed", "doc_id", body.DocID, "err", err)
		return apiError(c, http.StatusInternalServerError, codeInternal, "ingestion failed")
	}

	maybeRecomputeAnalytics(c, namespaceOr(body.Namespace))

	return c.JSON(http.StatusOK, ingestResponse{
		Status:         result.Status,
		NodesCreated:   result.NodesCreated,
		EdgesCreated:   result.EdgesCreated,
		Chunks:         result.Chunks,
		ExtractionMode: result.ExtractionMode,
		Store:          app(c).StoreTag(),
	})
}

// IngestFileHandler accepts a multipart upload and indexes its content.
func IngestFileHandler(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "file is required")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "failed to open upload")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "failed to read upload")
	}

	docID := c.FormValue("doc_id")
	if docID == "" {
		docID = fileHeader.Filename
	}

	body := ingestBody{
		DocID:             docID,
		Text:              string(content),
		Namespace:         c.FormValue("namespace"),
		ForceHeuristic:    c.FormValue("force_heuristic") == "true",
		DisableEmbeddings: c.FormValue("disable_embeddings") == "true",
	}
	if body.Text == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "uploaded file is empty")
	}

	result, err := runIngest(c, body)
	if err != nil {
		logger.Error("File ingest failed", "doc_id", docID, "err", err)
		return apiError(c, http.StatusInternalServerError, codeInternal, "ingestion failed")
	}

	return c.JSON(http.StatusOK, ingestResponse{
		Status:         result.Status,
		NodesCreated:   result.NodesCreated,
		EdgesCreated:   result.EdgesCreated,
		Chunks:         result.Chunks,
		ExtractionMode: result.ExtractionMode,
		Store:          app(c).StoreTag(),
	})
}

// IngestBatchHandler indexes up to maxBatchDocuments documents and
// returns aggregate counters.
func IngestBatchHandler(c echo.Context) error {
	type batchBody struct {
		Documents []ingestBody `json:"documents" validate:"required"`
	}
	type batchResponse struct {
		Documents    int    `json:"documents"`
		Indexed      int    `json:"indexed"`
		Noops        int    `json:"noops"`
		Failed       int    `json:"failed"`
		NodesCreated int    `json:"nodes_created"`
		EdgesCreated int    `json:"edges_created"`
		Store        string `json:"store"`
	}

	body := new(batchBody)
	if err := c.Bind(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid request body")
	}
	if len(body.Documents) == 0 {
		return apiError(c, http.StatusBadRequest, codeValidation, "documents are required")
	}
	if len(body.Documents) > maxBatchDocuments {
		return apiError(c, http.StatusBadRequest, codeValidation, "too many documents in one batch")
	}

	resp := batchResponse{Documents: len(body.Documents), Store: app(c).StoreTag()}
	for _, doc := range body.Documents {
		if doc.DocID == "" || doc.Text == "" {
			resp.Failed++
			continue
		}
		result, err := runIngest(c, doc)
		if err != nil {
			logger.Warn("Batch document failed", "doc_id", doc.DocID, "err", err)
			resp.Failed++
			continue
		}
		switch result.Status {
		case ingest.StatusNoop:
			resp.Noops++
		default:
			resp.Indexed++
		}
		resp.NodesCreated += result.NodesCreated
		resp.EdgesCreated += result.EdgesCreated
	}

	return c.JSON(http.StatusOK, resp)
}
