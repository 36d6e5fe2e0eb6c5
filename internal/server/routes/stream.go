package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// StreamHandler forwards bus events as server-sent events. Each message
// carries the event type and a JSON payload; slow clients see dropped
// markers where their buffer overflowed.
func StreamHandler(c echo.Context) error {
	a := app(c)

	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set(echo.HeaderCacheControl, "no-cache")
	response.Header().Set(echo.HeaderConnection, "keep-alive")
	response.WriteHeader(http.StatusOK)

	flusher, ok := response.Writer.(http.Flusher)
	if !ok {
		return apiError(c, http.StatusInternalServerError, codeInternal, "streaming unsupported")
	}

	replay := c.QueryParam("replay") == "true"
	sub := a.Bus.Subscribe(replay)
	defer sub.Close()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, open := <-sub.C:
			if !open {
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(response, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
