package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/okapi/internal/server/middleware"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/labstack/echo/v4"
)

// Error codes of the public error envelope.
const (
	codeValidation      = "validation"
	codeNotFound        = "not_found"
	codeConflict        = "conflict"
	codeProviderFailure = "provider_failure"
	codeInternal        = "internal"
)

func app(c echo.Context) *middleware.App {
	return c.(*middleware.AppContext).App
}

// apiError renders the error envelope; raw errors never reach clients.
func apiError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func storeError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apiError(c, http.StatusNotFound, codeNotFound, "not found")
	}
	if errors.Is(err, store.ErrIntegrity) {
		return apiError(c, http.StatusInternalServerError, "fatal", "storage integrity violation")
	}
	return apiError(c, http.StatusInternalServerError, codeInternal, "internal server error")
}

func namespaceOr(value string) string {
	if value == "" {
		return "public"
	}
	return value
}
