// libcat is the catalog service for a small physical library: it
// ingests spreadsheet catalogs, enriches records from the Google Books
// API and drives the barcode scan-and-shelve workflow.
//
// Environment Variables:
//
//	PORT                       HTTP listen port (default 8080)
//	DATABASE_PATH              SQLite database file path
//	GOOGLE_BOOKS_API_KEY       (optional) API key for the Google Books API
//	GOOGLE_BOOKS_RATE_LIMIT    (optional) Provider requests per window (default 60)
//	GOOGLE_BOOKS_RATE_WINDOW   (optional) Rolling window, Go duration (default 1m)
//	BATCH_WORKERS              (optional) Batch enhancement concurrency (default 5)
//	MAX_SHELF                  (optional) Highest valid shelf number (default 120)
//	LOG_LEVEL                  (optional) debug, info, warn, error
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mtholden/libcat/internal/api/googlebooks"
	"github.com/mtholden/libcat/internal/batch"
	"github.com/mtholden/libcat/internal/config"
	"github.com/mtholden/libcat/internal/database"
	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/ingest"
	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/scan"
	"github.com/mtholden/libcat/internal/server"
	"github.com/mtholden/libcat/internal/util"
)

var version = "dev" // Set during build

func main() {
	var (
		configFile  = flag.String("config", "", "Path to config file (YAML)")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("libcat %s\n", version)
		return
	}

	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	log.Info("Starting libcat", map[string]interface{}{
		"version":       version,
		"port":          cfg.Server.Port,
		"database":      cfg.Database.Path,
		"rate_limit":    cfg.GoogleBooks.RateLimit,
		"rate_window":   cfg.GoogleBooks.RateWindow.String(),
		"batch_workers": cfg.Catalog.BatchWorkers,
		"has_api_key":   cfg.GoogleBooks.APIKey != "",
	})

	db, err := database.NewDatabase(cfg.Database.Path, log)
	if err != nil {
		log.Error("Failed to open database", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	repo := database.NewBookRepository(db, log)
	m := metrics.New()

	// One limiter instance for every lookup path in the process.
	limiter := util.NewQuotaLimiter(cfg.GoogleBooks.RateLimit, cfg.GoogleBooks.RateWindow)
	m.RegisterQuota(limiter)
	lookupClient := googlebooks.NewClient(googlebooks.Config{
		BaseURL:    cfg.GoogleBooks.BaseURL,
		APIKey:     cfg.GoogleBooks.APIKey,
		Timeout:    cfg.GoogleBooks.Timeout,
		MaxRetries: cfg.GoogleBooks.MaxRetries,
		CacheSize:  cfg.GoogleBooks.CacheSize,
		CacheTTL:   cfg.GoogleBooks.CacheTTL,
	}, limiter, m, log)

	engine := enrich.NewEngine(repo, lookupClient, log)
	ingestor := ingest.NewIngestor(repo, engine, cfg.Catalog.MaxShelf, m, log)
	orchestrator := batch.NewOrchestrator(repo, engine, cfg.Catalog.BatchWorkers, m, log)
	scanner := scan.NewWorkflow(repo, engine, cfg.Catalog.MaxShelf, cfg.Catalog.AutoEnhanceOnScan, m, log)

	srv := server.New(":"+cfg.Server.Port, server.Deps{
		DB:           db,
		Repo:         repo,
		Ingestor:     ingestor,
		Engine:       engine,
		Orchestrator: orchestrator,
		Scanner:      scanner,
		Metrics:      m,
		MaxShelf:     cfg.Catalog.MaxShelf,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Server failed", map[string]interface{}{
				"error": err.Error(),
			})
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("Received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Graceful shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
			os.Exit(1)
		}
	}
}
