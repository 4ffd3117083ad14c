package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/models"
)

// requiredColumns must all be present in the header row. The optional
// columns isbn, barcode, shelf and genre are picked up when present.
var requiredColumns = []string{"title", "author"}

// SchemaError rejects an upload wholesale: the file's header row is
// missing one or more required columns.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Missing, ", "))
}

// RowError records a single skipped row. Row numbers count from the top
// of the file, with the header as row 1.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// Summary reports the result of one upload.
type Summary struct {
	Processed    int        `json:"books_processed"`
	Duplicates   int        `json:"duplicates_found"`
	Errors       []RowError `json:"errors"`
	AutoEnhanced int        `json:"auto_enhanced"`
}

// Store is the persistence surface the ingestor needs.
type Store interface {
	Create(ctx context.Context, book *models.Book) error
	FindDuplicate(ctx context.Context, book *models.Book) (bool, error)
}

// Enhancer runs an inline enrichment pass for auto-enhance uploads.
type Enhancer interface {
	EnhanceBook(ctx context.Context, book *models.Book) (*enrich.Result, error)
}

// Ingestor parses uploaded catalog spreadsheets into records. Rows are
// processed in file order; a bad row is recorded and skipped, never
// aborting the upload.
type Ingestor struct {
	store    Store
	enhancer Enhancer
	maxShelf int
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewIngestor creates a spreadsheet ingestor. enhancer may be nil if
// auto-enhance uploads are not used.
func NewIngestor(store Store, enhancer Enhancer, maxShelf int, m *metrics.Metrics, log *logger.Logger) *Ingestor {
	if maxShelf <= 0 {
		maxShelf = 120
	}
	return &Ingestor{
		store:    store,
		enhancer: enhancer,
		maxShelf: maxShelf,
		metrics:  m,
		logger:   log,
	}
}

// ImportCSV reads a CSV catalog file and persists all valid,
// non-duplicate rows as pending records. With autoEnhance set, each new
// record is enriched synchronously before the summary is returned; an
// enrichment failure is tolerated the same way a batch run tolerates it.
func (ing *Ingestor) ImportCSV(ctx context.Context, r io.Reader, autoEnhance bool) (*Summary, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	columns, schemaErr := mapColumns(header)
	if schemaErr != nil {
		return nil, schemaErr
	}

	summary := &Summary{Errors: []RowError{}}

	// Duplicates introduced within the same upload must be caught too,
	// so earlier-in-file rows are tracked alongside the store check.
	seenBarcodes := make(map[string]bool)
	seenISBNs := make(map[string]bool)
	seenTitleAuthor := make(map[string]bool)

	rowNum := 1 // header
	for {
		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++
		if err != nil {
			summary.Errors = append(summary.Errors, RowError{Row: rowNum, Error: fmt.Sprintf("unreadable row: %v", err)})
			ing.metrics.IncIngestRow("error")
			continue
		}

		book, rowErr := ing.parseRow(columns, cells)
		if rowErr != "" {
			summary.Errors = append(summary.Errors, RowError{Row: rowNum, Error: rowErr})
			ing.metrics.IncIngestRow("error")
			continue
		}

		// Unknown genre codes are kept verbatim; they only fall outside
		// the display enumeration.
		if book.Genre != "" && !models.KnownGenre(book.Genre) {
			ing.logger.Debug("Genre code outside display enumeration", map[string]interface{}{
				"row":   rowNum,
				"genre": book.Genre,
			})
		}

		titleAuthor := strings.ToLower(book.Title) + "\x00" + strings.ToLower(book.Author)
		inFileDup := (book.Barcode != "" && seenBarcodes[book.Barcode]) ||
			(book.ISBN != "" && seenISBNs[book.ISBN]) ||
			seenTitleAuthor[titleAuthor]

		storeDup := false
		if !inFileDup {
			storeDup, err = ing.store.FindDuplicate(ctx, book)
			if err != nil {
				summary.Errors = append(summary.Errors, RowError{Row: rowNum, Error: fmt.Sprintf("duplicate check failed: %v", err)})
				ing.metrics.IncIngestRow("error")
				continue
			}
		}
		if inFileDup || storeDup {
			summary.Duplicates++
			ing.metrics.IncIngestRow("duplicate")
			continue
		}

		if err := ing.store.Create(ctx, book); err != nil {
			summary.Errors = append(summary.Errors, RowError{Row: rowNum, Error: fmt.Sprintf("failed to save: %v", err)})
			ing.metrics.IncIngestRow("error")
			continue
		}

		if book.Barcode != "" {
			seenBarcodes[book.Barcode] = true
		}
		if book.ISBN != "" {
			seenISBNs[book.ISBN] = true
		}
		seenTitleAuthor[titleAuthor] = true
		summary.Processed++
		ing.metrics.IncIngestRow("imported")

		if autoEnhance && ing.enhancer != nil {
			result, err := ing.enhancer.EnhanceBook(ctx, book)
			if err != nil {
				ing.logger.Warn("Auto-enhance failed for imported row", map[string]interface{}{
					"row":     rowNum,
					"book_id": book.ID,
					"error":   err.Error(),
				})
			} else if result.Status == models.StatusFound {
				summary.AutoEnhanced++
			}
		}
	}

	ing.logger.Info("Catalog upload processed", map[string]interface{}{
		"imported":   summary.Processed,
		"duplicates": summary.Duplicates,
		"row_errors": len(summary.Errors),
	})
	return summary, nil
}

// mapColumns validates the header row case-insensitively and returns a
// column-name to index mapping.
func mapColumns(header []string) (map[string]int, *SchemaError) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}
	return columns, nil
}

// parseRow normalizes one data row into a pending record, or reports
// the reason it is invalid.
func (ing *Ingestor) parseRow(columns map[string]int, cells []string) (*models.Book, string) {
	cell := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(cells) {
			return ""
		}
		return strings.TrimSpace(cells[idx])
	}

	title := cell("title")
	author := cell("author")
	if title == "" || author == "" {
		return nil, "missing required fields: title and/or author"
	}

	book := models.NewBook(title, author)
	book.ISBN = cell("isbn")
	book.Barcode = cell("barcode")
	book.Genre = cell("genre")

	if shelf := cell("shelf"); shelf != "" {
		n, err := strconv.Atoi(shelf)
		if err != nil {
			return nil, fmt.Sprintf("unparsable shelf value %q", shelf)
		}
		if n < 1 || n > ing.maxShelf {
			return nil, fmt.Sprintf("shelf %d out of range 1..%d", n, ing.maxShelf)
		}
		book.Shelf = &n
	}

	return book, ""
}
