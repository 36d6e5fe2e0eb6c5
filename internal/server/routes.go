package server

import (
	"github.com/OFFIS-RIT/okapi/internal/server/middleware"
	"github.com/OFFIS-RIT/okapi/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	g := e.Group("/graphrag")

	// Ingestion (mutating, key-guarded)
	g.POST("/ingest", routes.IngestHandler, middleware.RequireAPIKey)
	g.POST("/ingest-file", routes.IngestFileHandler, middleware.RequireAPIKey)
	g.POST("/ingest-batch", routes.IngestBatchHandler, middleware.RequireAPIKey)

	// Retrieval & QA
	g.POST("/query", routes.QueryHandler, middleware.RateLimit(middleware.LimitDefault))
	g.POST("/answer", routes.AnswerHandler, middleware.RequireAPIKey, middleware.RateLimit(middleware.LimitDefault))

	// Graph exploration
	g.GET("/graph", routes.GraphHandler)
	g.GET("/nodes", routes.NodesHandler)
	g.GET("/edges", routes.EdgesHandler)
	g.GET("/neighbors/:node_id", routes.NeighborsHandler)
	g.GET("/search", routes.SearchHandler)
	g.GET("/stats", routes.StatsHandler)
	g.GET("/namespaces", routes.NamespacesHandler)
	g.POST("/path", routes.PathHandler)
	g.GET("/similar", routes.SimilarHandler)
	g.POST("/similar", routes.SimilarHandler)

	// Analytics & orchestration
	g.POST("/centrality/recompute", routes.CentralityRecomputeHandler, middleware.RequireAPIKey)
	g.POST("/layout/recompute", routes.LayoutRecomputeHandler, middleware.RequireAPIKey)
	g.GET("/cluster", routes.ClusterHandler)
	g.POST("/cluster/summarize", routes.ClusterSummarizeHandler, middleware.RequireAPIKey, middleware.RateLimit(middleware.LimitSummarize))
	g.GET("/cluster/summaries", routes.ClusterSummariesHandler)
	g.POST("/index/run", routes.IndexRunHandler, middleware.RequireAPIKey)
	g.GET("/metrics", routes.MetricsHandler)
	g.GET("/metrics/extended", routes.MetricsExtendedHandler)

	// Snapshots & provenance
	g.GET("/snapshots", routes.ListSnapshotsHandler)
	g.POST("/snapshots", routes.CreateSnapshotHandler, middleware.RequireAPIKey)
	g.GET("/snapshots/diff", routes.DiffSnapshotsHandler)
	g.GET("/provenance", routes.ProvenanceHandler)

	// Stream
	g.GET("/stream", routes.StreamHandler)
}
