package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/snapshot"

	"github.com/labstack/echo/v4"
)

// ListSnapshotsHandler returns the most recent snapshots of a namespace.
func ListSnapshotsHandler(c echo.Context) error {
	a := app(c)
	snaps, err := a.Store.ListSnapshots(c.Request().Context(),
		namespaceOr(c.QueryParam("namespace")), queryInt(c, "limit", 25))
	if err != nil {
		return storeError(c, err)
	}

	// Identity sets are large; the listing carries aggregates only.
	type listed struct {
		ID         string  `json:"id"`
		Namespace  string  `json:"namespace"`
		CreatedAt  string  `json:"created_at"`
		NodeCount  int     `json:"node_count"`
		EdgeCount  int     `json:"edge_count"`
		Modularity float64 `json:"modularity"`
	}
	out := make([]listed, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, listed{
			ID:         snap.ID,
			Namespace:  snap.Namespace,
			CreatedAt:  snap.CreatedAt,
			NodeCount:  snap.NodeCount,
			EdgeCount:  snap.EdgeCount,
			Modularity: snap.Modularity,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"snapshots": out})
}

// CreateSnapshotHandler captures the current identity sets.
func CreateSnapshotHandler(c echo.Context) error {
	type body struct {
		Namespace string `json:"namespace"`
	}
	data := new(body)
	_ = c.Bind(data)

	a := app(c)
	snap, err := snapshot.Capture(c.Request().Context(), a.Store, namespaceOr(data.Namespace), 0)
	if err != nil {
		logger.Error("Snapshot capture failed", "err", err)
		return apiError(c, http.StatusInternalServerError, codeInternal, "snapshot capture failed")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":         snap.ID,
		"created_at": snap.CreatedAt,
		"node_count": snap.NodeCount,
		"edge_count": snap.EdgeCount,
	})
}

// DiffSnapshotsHandler compares two stored snapshots.
func DiffSnapshotsHandler(c echo.Context) error {
	idA := c.QueryParam("a")
	idB := c.QueryParam("b")
	if idA == "" || idB == "" {
		return apiError(c, http.StatusBadRequest, codeValidation, "a and b snapshot ids are required")
	}

	a := app(c)
	ctx := c.Request().Context()

	snapA, err := a.Store.GetSnapshot(ctx, idA)
	if err != nil {
		return storeError(c, err)
	}
	snapB, err := a.Store.GetSnapshot(ctx, idB)
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, snapshot.Compute(snapA, snapB))
}
