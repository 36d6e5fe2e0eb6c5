package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/okapi/pkg/analytics"
	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/orchestrator"

	"github.com/labstack/echo/v4"
)

// CentralityRecomputeHandler recomputes degree, PageRank, betweenness and
// importance for one namespace.
func CentralityRecomputeHandler(c echo.Context) error {
	type body struct {
		Namespace string `json:"namespace"`
	}
	data := new(body)
	_ = c.Bind(data)

	a := app(c)
	result, err := a.Analyzer.ComputeCentrality(c.Request().Context(), namespaceOr(data.Namespace))
	if err != nil {
		if errors.Is(err, analytics.ErrBusy) {
			return apiError(c, http.StatusConflict, codeConflict, "analytics job already running")
		}
		logger.Error("Centrality recompute failed", "err", err)
		return apiError(c, http.StatusInternalServerError, codeInternal, "centrality recompute failed")
	}
	return c.JSON(http.StatusOK, result)
}

// LayoutRecomputeHandler recomputes persisted layout coordinates.
func LayoutRecomputeHandler(c echo.Context) error {
	type body struct {
		Mode      string `json:"mode"`
		Namespace string `json:"namespace"`
	}
	data := new(body)
	_ = c.Bind(data)

	a := app(c)
	result, err := a.Analyzer.RecomputeLayout(c.Request().Context(), namespaceOr(data.Namespace), data.Mode)
	if err != nil {
		if errors.Is(err, analytics.ErrBusy) {
			return apiError(c, http.StatusConflict, codeConflict, "analytics job already running")
		}
		return apiError(c, http.StatusBadRequest, codeValidation, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// ClusterHandler runs community detection and returns the clusters.
func ClusterHandler(c echo.Context) error {
	a := app(c)
	result, err := a.Analyzer.DetectCommunities(c.Request().Context(), namespaceOr(c.QueryParam("namespace")))
	if err != nil {
		if errors.Is(err, analytics.ErrBusy) {
			return apiError(c, http.StatusConflict, codeConflict, "analytics job already running")
		}
		logger.Error("Community detection failed", "err", err)
		return apiError(c, http.StatusInternalServerError, codeInternal, "community detection failed")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"clusters": result.Clusters,
		"stats": map[string]any{
			"count":      len(result.Clusters),
			"modularity": result.Modularity,
		},
	})
}

// ClusterSummarizeHandler produces labels and summaries for the current
// communities, within the namespace's daily token budget.
func ClusterSummarizeHandler(c echo.Context) error {
	type body struct {
		Namespace string `json:"namespace"`
	}
	data := new(body)
	_ = c.Bind(data)
	namespace := namespaceOr(data.Namespace)

	a := app(c)
	ctx := c.Request().Context()

	clusters, err := a.Analyzer.DetectCommunities(ctx, namespace)
	if err != nil {
		if errors.Is(err, analytics.ErrBusy) {
			return apiError(c, http.StatusConflict, codeConflict, "analytics job already running")
		}
		return apiError(c, http.StatusInternalServerError, codeInternal, "community detection failed")
	}

	summaries, err := a.Analyzer.SummarizeClusters(ctx, namespace, clusters.Clusters, 0)
	if err != nil {
		logger.Error("Cluster summarization failed", "err", err)
		return apiError(c, http.StatusInternalServerError, codeProviderFailure, "cluster summarization failed")
	}

	return c.JSON(http.StatusOK, map[string]any{"summaries": summaries})
}

// ClusterSummariesHandler lists the persisted summaries.
func ClusterSummariesHandler(c echo.Context) error {
	a := app(c)
	summaries, err := a.Store.ListClusterSummaries(c.Request().Context(), namespaceOr(c.QueryParam("namespace")))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"summaries": summaries})
}

// IndexRunHandler starts an orchestrator run in the background and
// returns immediately with status RUNNING; the run id is assigned inside
// the run, so run_id is empty in this response.
func IndexRunHandler(c echo.Context) error {
	type body struct {
		Namespace string `json:"namespace"`
		Force     bool   `json:"force"`
	}
	data := new(body)
	_ = c.Bind(data)
	namespace := namespaceOr(data.Namespace)

	a := app(c)

	// Empty delta and lock contention are decided synchronously so the
	// caller gets NOOP / LOCKED without polling.
	logs, err := a.Store.ListIngestLogs(c.Request().Context(), namespace,
		[]string{common.IngestStatusNew, common.IngestStatusStale})
	if err != nil {
		return storeError(c, err)
	}
	if len(logs) == 0 {
		return c.JSON(http.StatusOK, map[string]any{
			"run_id": "",
			"status": common.RunStatusNoop,
		})
	}

	if a.Orchestrator.Locked() && !data.Force {
		return c.JSON(http.StatusConflict, map[string]any{
			"run_id": "",
			"status": common.RunStatusLocked,
		})
	}

	// The request context dies with the response; the background run
	// gets its own lifetime on the worker pool.
	submit := func() {
		if _, err := a.Orchestrator.Run(context.Background(), orchestrator.RunOptions{
			Namespace: namespace,
			Force:     data.Force,
		}); err != nil {
			logger.Error("Background index run failed", "namespace", namespace, "err", err)
		}
	}
	if a.Jobs != nil {
		if err := a.Jobs.Submit(submit); err != nil {
			return apiError(c, http.StatusInternalServerError, codeInternal, "failed to schedule index run")
		}
	} else {
		go submit()
	}

	return c.JSON(http.StatusOK, map[string]any{
		"run_id": "",
		"status": common.RunStatusRunning,
	})
}

// MetricsHandler reports basic counters and the most recent runs.
func MetricsHandler(c echo.Context) error {
	a := app(c)
	namespace := namespaceOr(c.QueryParam("namespace"))
	ctx := c.Request().Context()

	stats, err := a.Store.NamespaceStats(ctx, namespace)
	if err != nil {
		return storeError(c, err)
	}
	runs, err := a.Store.ListRuns(ctx, namespace, 5)
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"namespace":   namespace,
		"node_count":  stats.NodeCount,
		"edge_count":  stats.EdgeCount,
		"recent_runs": runs,
		"store":       a.StoreTag(),
	})
}

// MetricsExtendedHandler adds per-label and per-relation breakdowns,
// ingest log status counts and subscriber counts.
func MetricsExtendedHandler(c echo.Context) error {
	a := app(c)
	ctx := c.Request().Context()

	namespaces, err := a.Store.Namespaces(ctx)
	if err != nil {
		return storeError(c, err)
	}

	perNamespace := map[string]any{}
	for _, namespace := range namespaces {
		stats, err := a.Store.NamespaceStats(ctx, namespace)
		if err != nil {
			continue
		}
		perNamespace[namespace] = stats
	}

	return c.JSON(http.StatusOK, map[string]any{
		"namespaces":        perNamespace,
		"event_subscribers": a.Bus.SubscriberCount(),
		"store":             a.StoreTag(),
	})
}
