package routes

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/common"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/labstack/echo/v4"
)

func queryFloat(c echo.Context, name string) float64 {
	value, _ := strconv.ParseFloat(c.QueryParam(name), 64)
	return value
}

func queryInt(c echo.Context, name string, fallback int) int {
	value, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// GraphHandler samples a subgraph for visualization.
func GraphHandler(c echo.Context) error {
	a := app(c)
	namespace := namespaceOr(c.QueryParam("namespace"))

	mode := c.QueryParam("mode")
	if mode == "" {
		mode = "random"
	}
	if mode != "random" && mode != "viewport" {
		return apiError(c, http.StatusBadRequest, codeValidation, "mode must be random or viewport")
	}

	params := store.SampleParams{
		Mode: mode,
		Max:  queryInt(c, "sample", 500),
		MinX: queryFloat(c, "min_x"),
		MaxX: queryFloat(c, "max_x"),
		MinY: queryFloat(c, "min_y"),
		MaxY: queryFloat(c, "max_y"),
	}

	nodes, edges, err := a.Store.SampleSubgraph(c.Request().Context(), namespace, params)
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"nodes":     nodes,
		"edges":     edges,
		"namespace": namespace,
		"store":     a.StoreTag(),
	})
}

// NodesHandler pages through a namespace with a stable cursor.
func NodesHandler(c echo.Context) error {
	a := app(c)
	namespace := namespaceOr(c.QueryParam("namespace"))

	nodes, cursor, err := a.Store.IterateNodes(c.Request().Context(),
		namespace, c.QueryParam("cursor"), queryInt(c, "limit", 100))
	if err != nil {
		if strings.Contains(err.Error(), "invalid cursor") {
			return apiError(c, http.StatusBadRequest, codeValidation, "invalid cursor")
		}
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"results": nodes,
		"cursor":  cursor,
		"store":   a.StoreTag(),
	})
}

// EdgesHandler returns edges touching the given node ids.
func EdgesHandler(c echo.Context) error {
	a := app(c)
	namespace := namespaceOr(c.QueryParam("namespace"))

	rawIDs := c.QueryParam("node_ids")
	if rawIDs == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "node_ids is required")
	}
	var nodeIDs []string
	for _, id := range strings.Split(rawIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			nodeIDs = append(nodeIDs, id)
		}
	}

	edges, err := a.Store.EdgesForNodes(c.Request().Context(), namespace, nodeIDs, queryInt(c, "limit", 500))
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"results": edges,
		"store":   a.StoreTag(),
	})
}

// NeighborsHandler walks the neighborhood of one node.
func NeighborsHandler(c echo.Context) error {
	a := app(c)
	nodeID := c.Param("node_id")

	nodes, edges, err := a.Store.Neighbors(c.Request().Context(), nodeID, queryInt(c, "depth", 1))
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"nodes": nodes,
		"edges": edges,
		"store": a.StoreTag(),
	})
}

// SearchHandler performs a prefix search over node names.
func SearchHandler(c echo.Context) error {
	a := app(c)
	prefix := c.QueryParam("q")
	if prefix == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "q is required")
	}

	nodes, err := a.Store.SearchByName(c.Request().Context(),
		namespaceOr(c.QueryParam("namespace")), prefix, queryInt(c, "limit", 25))
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"results": nodes,
		"store":   a.StoreTag(),
	})
}

// StatsHandler aggregates per-namespace counters.
func StatsHandler(c echo.Context) error {
	a := app(c)
	stats, err := a.Store.NamespaceStats(c.Request().Context(), namespaceOr(c.QueryParam("namespace")))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"stats": stats,
		"store": a.StoreTag(),
	})
}

// NamespacesHandler lists known namespaces.
func NamespacesHandler(c echo.Context) error {
	a := app(c)
	namespaces, err := a.Store.Namespaces(c.Request().Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"namespaces": namespaces,
		"store":      a.StoreTag(),
	})
}

// ProvenanceHandler returns a node's neighborhood plus its supporting
// chunks.
func ProvenanceHandler(c echo.Context) error {
	a := app(c)
	nodeID := c.QueryParam("node_id")
	if nodeID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "node_id is required")
	}

	nodes, edges, err := a.Store.Neighbors(c.Request().Context(), nodeID, 1)
	if err != nil {
		return storeError(c, err)
	}

	var chunks []common.Node
	for _, node := range nodes {
		if node.Label == common.LabelChunk {
			chunks = append(chunks, node)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"neighbors": nodes,
		"edges":     edges,
		"chunks":    chunks,
		"store":     a.StoreTag(),
	})
}
