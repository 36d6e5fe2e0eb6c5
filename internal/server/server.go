package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mid "github.com/OFFIS-RIT/okapi/internal/server/middleware"
	"github.com/OFFIS-RIT/okapi/internal/util"
	"github.com/OFFIS-RIT/okapi/pkg/ai"
	oai "github.com/OFFIS-RIT/okapi/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/okapi/pkg/ai/openai"
	"github.com/OFFIS-RIT/okapi/pkg/analytics"
	"github.com/OFFIS-RIT/okapi/pkg/embed"
	"github.com/OFFIS-RIT/okapi/pkg/events"
	"github.com/OFFIS-RIT/okapi/pkg/extract"
	"github.com/OFFIS-RIT/okapi/pkg/ingest"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/orchestrator"
	"github.com/OFFIS-RIT/okapi/pkg/query"
	"github.com/OFFIS-RIT/okapi/pkg/store"
	storeneo4j "github.com/OFFIS-RIT/okapi/pkg/store/neo4j"
	storesqlite "github.com/OFFIS-RIT/okapi/pkg/store/sqlite"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/panjf2000/ants/v2"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func newAIClient() ai.GraphAIClient {
	adapter := util.GetEnv("AI_ADAPTER")
	key := util.GetEnv("LLM_PROVIDER_KEY")

	switch adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("EMBEDDING_MODEL"),
			AnswerModel:     util.GetEnvString("AI_CHAT_MODEL", "llama3.1"),
			ExtractionModel: util.GetEnvString("AI_EXTRACT_MODEL", "llama3.1"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  key,

			EmbeddingDimensions:   int(util.GetEnvNumeric("AI_EMBED_DIM", 1024)),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
		})
		if err != nil {
			logger.Fatal("Failed to create Ollama client", "err", err)
		}
		return client
	default:
		if key == "" {
			return nil
		}
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnvString("EMBEDDING_MODEL", "text-embedding-3-small"),
			AnswerModel:     util.GetEnvString("AI_CHAT_MODEL", "gpt-4o-mini"),
			ExtractionModel: util.GetEnvString("AI_EXTRACT_MODEL", "gpt-4o-mini"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: key,
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      key,

			EmbeddingDimensions:   int(util.GetEnvNumeric("AI_EMBED_DIM", 1536)),
			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 10)),
		})
	}
}

func parseWeights(env string) (query.Weights, bool) {
	parts := strings.Split(env, ",")
	if len(parts) != 4 {
		return query.Weights{}, false
	}
	values := make([]float64, 4)
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return query.Weights{}, false
		}
		values[i] = value
	}
	return query.Weights{Sim: values[0], Deg: values[1], Cen: values[2], Lex: values[3]}, true
}

func retrievalWeights() map[string]query.Weights {
	weights := map[string]query.Weights{}
	for _, mode := range []string{query.ModeLocal, query.ModeGlobal, query.ModeDrift} {
		env := util.GetEnv("RETRIEVAL_WEIGHTS_" + strings.ToUpper(mode))
		if parsed, ok := parseWeights(env); ok {
			weights[mode] = parsed
		}
	}
	return weights
}

// buildStore opens the embedded backend and, when configured, wraps the
// graph backend with the embedded fallback.
func buildStore(ctx context.Context) (store.GraphStore, func() string) {
	locks := store.NewNamespaceLocks()

	embedded, err := storesqlite.New(util.GetEnvString("SQLITE_PATH", "data/graphrag.db"), locks)
	if err != nil {
		logger.Fatal("Failed to open embedded store", "err", err)
	}

	if util.GetEnvString("GRAPH_STORE", "sqlite") != "neo4j" {
		return embedded, func() string { return "sqlite" }
	}

	graph, err := storeneo4j.New(ctx, storeneo4j.NewParams{
		URI:      util.GetEnvString("NEO4J_URI", "bolt://localhost:7687"),
		Username: util.GetEnvString("NEO4J_USER", "neo4j"),
		Password: util.GetEnv("NEO4J_PASSWORD"),
	}, locks)
	if err != nil {
		logger.Warn("Graph backend unavailable at startup, using embedded store", "err", err)
		return embedded, func() string { return "sqlite_fallback" }
	}

	failover := store.NewFailover(graph, embedded, storeneo4j.IsUnavailable)
	return failover, failover.StoreTag
}

// BuildApp wires every component from the environment. Shared caches and
// the event bus are created here once and travel through the app context.
func BuildApp(ctx context.Context) *mid.App {
	graphStore, storeTag := buildStore(ctx)

	aiClient := newAIClient()
	if aiClient == nil {
		logger.Warn("No LLM provider configured, extraction and answers degrade to heuristic / retrieval-only")
	}

	var embedProvider ai.GraphAIClient
	providerTag := util.GetEnv("EMBEDDING_PROVIDER")
	if providerTag != "" && providerTag != "none" {
		embedProvider = aiClient
	}
	embedder := embed.NewEmbedder(embed.NewEmbedderParams{
		Provider:    embedProvider,
		ProviderTag: providerTag + "/" + util.GetEnv("EMBEDDING_MODEL"),
		SideTable:   graphStore,
		Timeout:     15 * time.Second,
	})

	bus := events.NewBus(int(util.GetEnvNumeric("EVENT_BUFFER", 1000)))

	mentionCap := 10
	if util.GetEnvString("GRAPH_STORE", "sqlite") == "neo4j" {
		mentionCap = 5
	}
	pipeline := ingest.NewPipeline(ingest.NewPipelineParams{
		Store:          graphStore,
		Extractor:      extract.NewExtractor(extract.NewExtractorParams{Client: aiClient}),
		Embedder:       embedder,
		Bus:            bus,
		MentionCap:     int(util.GetEnvNumeric("MENTION_CAP", mentionCap)),
		ParallelChunks: int(util.GetEnvNumeric("PARALLEL_CHUNKS", 4)),
	})

	analyzer := analytics.NewAnalyzer(graphStore, aiClient)

	engine := query.NewEngine(query.NewEngineParams{
		Store:         graphStore,
		Embedder:      embedder,
		Weights:       retrievalWeights(),
		AutoThreshold: util.GetEnvNumeric("RETRIEVAL_AUTO_THRESHOLD", 0),
	})

	orch := orchestrator.NewOrchestrator(orchestrator.NewOrchestratorParams{
		Store:     graphStore,
		Pipeline:  pipeline,
		Analyzer:  analyzer,
		Bus:       bus,
		OutputDir: util.GetEnvString("OUTPUT_DIR", "output"),
		Retention: int(util.GetEnvNumeric("RUN_RETENTION", 7)),
	})

	pool, err := ants.NewPool(int(util.GetEnvNumeric("WORKER_POOL_SIZE", 8)))
	if err != nil {
		logger.Fatal("Failed to create worker pool", "err", err)
	}

	return mid.NewApp(&mid.App{
		Store:        graphStore,
		StoreTag:     storeTag,
		Pipeline:     pipeline,
		Engine:       engine,
		Synthesizer:  query.NewSynthesizer(aiClient),
		Analyzer:     analyzer,
		Orchestrator: orch,
		Bus:          bus,
		Jobs:         pool,

		APIKey:            util.GetEnv("GRAPHRAG_API_KEY"),
		DefaultIngestMode: util.GetEnvString("DEFAULT_INGEST_MODE", "graphrag"),
	})
}

func Init() {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !util.GetEnvBool("ENABLE_GRAPHRAG", true) {
		logger.Warn("GraphRAG is disabled, serving health endpoint only")
		e.GET("/health", func(c echo.Context) error { return c.String(200, "OK") })
	} else {
		app := BuildApp(ctx)
		defer app.Store.Close()
		defer app.Jobs.Release()

		e.Use(mid.AppContextMiddleware(app))
		RegisterRoutes(e)

		if interval := util.GetEnvNumeric("INDEX_INTERVAL_SECONDS", 0); interval > 0 {
			scheduler := orchestrator.NewScheduler(orchestrator.NewSchedulerParams{
				Orchestrator: app.Orchestrator,
				Pool:         app.Jobs,
				Interval:     time.Duration(interval) * time.Second,
				Threshold:    int(util.GetEnvNumeric("INDEX_THRESHOLD", 0)),
			})
			go scheduler.Start(ctx)
		}
	}

	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64M"))

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
