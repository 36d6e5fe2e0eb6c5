package routes

import (
	"net/http"
	"strings"

	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/query"

	"github.com/labstack/echo/v4"
)

type queryBody struct {
	Query     string        `json:"query" validate:"required"`
	Namespace string        `json:"namespace"`
	TopK      int           `json:"top_k"`
	Mode      string        `json:"mode"`
	Filters   query.Filters `json:"filters"`
}

// QueryHandler runs hybrid retrieval and returns the ranked result with
// its reasoning chain.
func QueryHandler(c echo.Context) error {
	body := new(queryBody)
	if err := c.Bind(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid request body")
	}
	if err := c.Validate(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "query is required")
	}

	a := app(c)
	if body.Mode == query.ModeGlobal && !a.Allow("global") {
		return apiError(c, http.StatusTooManyRequests, codeConflict, "rate limit exceeded")
	}

	resp, err := a.Engine.Query(c.Request().Context(),
		body.Query, namespaceOr(body.Namespace), body.Mode, body.TopK, body.Filters)
	if err != nil {
		if strings.Contains(err.Error(), "unknown retrieval mode") {
			return apiError(c, http.StatusBadRequest, codeValidation, err.Error())
		}
		logger.Error("Query failed", "err", err)
		return apiError(c, http.StatusInternalServerError, codeInternal, "retrieval failed")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"mode_used":       resp.ModeUsed,
		"nodes":           resp.Nodes,
		"passages":        resp.Passages,
		"reasoning_chain": resp.ReasoningChain,
		"store":           a.StoreTag(),
	})
}

// AnswerHandler retrieves then synthesizes a grounded answer.
func AnswerHandler(c echo.Context) error {
	body := new(queryBody)
	if err := c.Bind(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid request body")
	}
	if err := c.Validate(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "query is required")
	}

	a := app(c)
	ctx := c.Request().Context()

	retrieval, err := a.Engine.Query(ctx,
		body.Query, namespaceOr(body.Namespace), body.Mode, body.TopK, body.Filters)
	if err != nil {
		logger.Error("Retrieval for answer failed", "err", err)
		return apiError(c, http.StatusInternalServerError, codeInternal, "retrieval failed")
	}

	answer := a.Synthesizer.Synthesize(ctx, body.Query, retrieval.Passages)

	return c.JSON(http.StatusOK, map[string]any{
		"answer_text":           answer.AnswerText,
		"contributing_node_ids": answer.ContributingNodeIDs,
		"error":                 answer.Error,
		"retrieval": map[string]any{
			"mode_used":       retrieval.ModeUsed,
			"nodes":           retrieval.Nodes,
			"reasoning_chain": retrieval.ReasoningChain,
		},
		"store": a.StoreTag(),
	})
}

// PathHandler returns the shortest path between two nodes.
func PathHandler(c echo.Context) error {
	type pathBody struct {
		SourceID  string `json:"source_id" validate:"required"`
		TargetID  string `json:"target_id" validate:"required"`
		MaxDepth  int    `json:"max_depth"`
		Namespace string `json:"namespace"`
	}

	body := new(pathBody)
	if err := c.Bind(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "invalid request body")
	}
	if err := c.Validate(body); err != nil {
		return apiError(c, http.StatusBadRequest, codeValidation, "source_id and target_id are required")
	}

	a := app(c)
	nodes, edges, err := a.Store.ShortestPath(c.Request().Context(), body.SourceID, body.TargetID, body.MaxDepth)
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"path":  nodes,
		"edges": edges,
		"store": a.StoreTag(),
	})
}

// SimilarHandler ranks nodes by embedding similarity to the given node.
func SimilarHandler(c echo.Context) error {
	nodeID := c.QueryParam("node_id")
	if nodeID == "" {
		type similarBody struct {
			NodeID string `json:"node_id"`
			TopK   int    `json:"top_k"`
		}
		body := new(similarBody)
		if err := c.Bind(body); err == nil {
			nodeID = body.NodeID
		}
	}
	if nodeID == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "node_id is required")
	}

	a := app(c)
	similar, err := a.Engine.SimilarNodes(c.Request().Context(), nodeID, 10)
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"similar": similar,
		"store":   a.StoreTag(),
	})
}
