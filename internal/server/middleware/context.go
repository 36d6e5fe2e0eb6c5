package middleware

import (
	"github.com/OFFIS-RIT/okapi/pkg/analytics"
	"github.com/OFFIS-RIT/okapi/pkg/events"
	"github.com/OFFIS-RIT/okapi/pkg/ingest"
	"github.com/OFFIS-RIT/okapi/pkg/orchestrator"
	"github.com/OFFIS-RIT/okapi/pkg/query"
	"github.com/OFFIS-RIT/okapi/pkg/store"

	"github.com/labstack/echo/v4"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// Rate limit keys. Global retrieval and cluster summarization are
// throttled harder than the rest of the surface.
const (
	LimitDefault   = "default"
	LimitGlobal    = "global"
	LimitSummarize = "summarize"
)

// App carries the shared clients and configuration every handler needs.
type App struct {
	Store        store.GraphStore
	StoreTag     func() string
	Pipeline     *ingest.Pipeline
	Engine       *query.Engine
	Synthesizer  *query.Synthesizer
	Analyzer     *analytics.Analyzer
	Orchestrator *orchestrator.Orchestrator
	Bus          *events.Bus
	Jobs         *ants.Pool

	APIKey            string
	DefaultIngestMode string

	limiters map[string]*rate.Limiter
}

// NewApp wires the per-mode rate limiters. qps values are requests per
// second with a small burst.
func NewApp(app *App) *App {
	app.limiters = map[string]*rate.Limiter{
		LimitDefault:   rate.NewLimiter(rate.Limit(25), 50),
		LimitGlobal:    rate.NewLimiter(rate.Limit(5), 10),
		LimitSummarize: rate.NewLimiter(rate.Limit(1), 3),
	}
	if app.StoreTag == nil {
		app.StoreTag = func() string { return "sqlite" }
	}
	return app
}

// Allow consumes one token from the named limiter.
func (a *App) Allow(key string) bool {
	limiter, ok := a.limiters[key]
	if !ok {
		limiter = a.limiters[LimitDefault]
	}
	return limiter.Allow()
}

// AppContext is the custom echo context carrying the App.
type AppContext struct {
	echo.Context
	App *App
}

// AppContextMiddleware installs the App on every request context.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}
