package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireAPIKey guards mutating endpoints and answer synthesis. When no
// key is configured the check is a pass-through; when one is configured
// the x-api-key header must match exactly.
func RequireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		app := c.(*AppContext).App
		if app.APIKey == "" {
			return next(c)
		}

		provided := c.Request().Header.Get("x-api-key")
		if provided != app.APIKey {
			return c.JSON(http.StatusUnauthorized, map[string]any{
				"error": map[string]any{
					"code":    "validation",
					"message": "invalid or missing API key",
				},
			})
		}
		return next(c)
	}
}

// RateLimit enforces the named per-mode limiter before the handler runs.
func RateLimit(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			app := c.(*AppContext).App
			if !app.Allow(key) {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error": map[string]any{
						"code":    "conflict",
						"message": "rate limit exceeded",
					},
				})
			}
			return next(c)
		}
	}
}
