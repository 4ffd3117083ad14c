// libcat-import loads a CSV catalog file straight into the libcat
// database, bypassing the HTTP API. Useful for the initial bulk import
// of an existing catalog.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mtholden/libcat/internal/api/googlebooks"
	"github.com/mtholden/libcat/internal/config"
	"github.com/mtholden/libcat/internal/database"
	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/ingest"
	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/util"
)

func main() {
	app := &cli.App{
		Name:  "libcat-import",
		Usage: "Import a CSV catalog file into the libcat database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "CSV file to import",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file (YAML)",
			},
			&cli.BoolFlag{
				Name:  "enhance",
				Usage: "Enrich each imported record from the provider",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Action: runImport,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runImport(c *cli.Context) error {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	logger.Setup(logger.Config{
		Level:      level,
		Format:     logger.FormatConsole,
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := database.NewDatabase(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	repo := database.NewBookRepository(db, log)
	m := metrics.New()

	limiter := util.NewQuotaLimiter(cfg.GoogleBooks.RateLimit, cfg.GoogleBooks.RateWindow)
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

	file, err := os.Open(c.String("file"))
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	summary, err := ingestor.ImportCSV(c.Context, file, c.Bool("enhance"))
	if err != nil {
		return err
	}

	fmt.Printf("Imported:   %d\n", summary.Processed)
	fmt.Printf("Duplicates: %d\n", summary.Duplicates)
	fmt.Printf("Row errors: %d\n", len(summary.Errors))
	for _, rowErr := range summary.Errors {
		fmt.Printf("  row %d: %s\n", rowErr.Row, rowErr.Error)
	}
	if c.Bool("enhance") {
		fmt.Printf("Enhanced:   %d\n", summary.AutoEnhanced)
	}
	return nil
}
