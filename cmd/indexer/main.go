package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/okapi/internal/server"
	"github.com/OFFIS-RIT/okapi/internal/util"
	"github.com/OFFIS-RIT/okapi/pkg/logger"
	"github.com/OFFIS-RIT/okapi/pkg/logger/console"
	"github.com/OFFIS-RIT/okapi/pkg/orchestrator"
)

// One-shot re-index pass for cron and operators: builds the same app the
// server uses, runs the orchestrator once and exits non-zero on failure.
func main() {
	util.LoadEnv()

	namespace := flag.String("namespace", "public", "namespace to re-index")
	force := flag.Bool("force", false, "take over a live index lock")
	importDir := flag.String("import", "", "import artifacts from a run directory instead of running ingestion")
	flag.Parse()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  util.GetEnvBool("DEBUG", false),
		Prefix: "indexer",
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := server.BuildApp(ctx)
	defer app.Store.Close()
	defer app.Jobs.Release()

	if *importDir != "" {
		run, err := app.Orchestrator.ImportRun(ctx, *importDir)
		if err != nil {
			logger.Error("Artifact import failed", "dir", *importDir, "err", err)
			os.Exit(1)
		}
		logger.Info("Artifact import finished", "run_id", run.RunID, "status", run.Status)
		return
	}

	run, err := app.Orchestrator.Run(ctx, orchestrator.RunOptions{
		Namespace: *namespace,
		Force:     *force,
	})
	if err != nil {
		logger.Error("Index run failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Index run finished",
		"run_id", run.RunID,
		"status", run.Status,
		"indexed_docs", run.IndexedDocs,
		"percent_reused_nodes", run.PercentReusedNodes)

	if run.Status == "FAILED" || run.Status == "IMPORT_FAILED" {
		os.Exit(1)
	}
}
