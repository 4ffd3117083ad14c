package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtholden/libcat/internal/database"
	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/models"
)

// ErrBookNotFound is returned when no record carries the scanned barcode.
var ErrBookNotFound = errors.New("no book with that barcode")

// Store is the persistence surface the workflow needs.
type Store interface {
	GetByBarcode(ctx context.Context, barcode string) (*models.Book, error)
	Upsert(ctx context.Context, book *models.Book) error
}

// Enhancer runs an inline enrichment pass for pending records.
type Enhancer interface {
	EnhanceBook(ctx context.Context, book *models.Book) (*enrich.Result, error)
}

// Event is the ephemeral result of one scan-assign call. It is returned
// synchronously so the operator client can give audible/visual feedback.
type Event struct {
	Success       bool   `json:"success"`
	Barcode       string `json:"barcode"`
	BookID        string `json:"book_id,omitempty"`
	BookTitle     string `json:"book_title,omitempty"`
	BookAuthor    string `json:"book_author,omitempty"`
	ShelfAssigned *int   `json:"shelf_assigned,omitempty"`
	AutoEnhanced  bool   `json:"auto_enhanced"`
	Message       string `json:"message,omitempty"`
}

// Workflow resolves scanned barcodes to records and assigns shelves,
// optionally enriching pending records inline.
type Workflow struct {
	store       Store
	enhancer    Enhancer
	maxShelf    int
	autoEnhance bool
	metrics     *metrics.Metrics
	logger      *logger.Logger
}

// NewWorkflow creates a scan-assign workflow. With autoEnhance set, a
// pending record gets one inline enrichment pass before the event is
// returned.
func NewWorkflow(store Store, enhancer Enhancer, maxShelf int, autoEnhance bool, m *metrics.Metrics, log *logger.Logger) *Workflow {
	if maxShelf <= 0 {
		maxShelf = 120
	}
	return &Workflow{
		store:       store,
		enhancer:    enhancer,
		maxShelf:    maxShelf,
		autoEnhance: autoEnhance,
		metrics:     m,
		logger:      log,
	}
}

// AssignShelf resolves the barcode, assigns the shelf and persists
// immediately. Shelf assignment is independent of enrichment status;
// inline enrichment failure never fails the scan.
func (w *Workflow) AssignShelf(ctx context.Context, barcode string, shelf int) (*Event, error) {
	event := &Event{Barcode: barcode}

	if barcode == "" {
		event.Message = "barcode is required"
		w.metrics.IncScanEvent("invalid")
		return event, nil
	}
	if shelf < 1 || shelf > w.maxShelf {
		event.Message = fmt.Sprintf("shelf %d out of range 1..%d", shelf, w.maxShelf)
		w.metrics.IncScanEvent("invalid")
		return event, nil
	}

	book, err := w.store.GetByBarcode(ctx, barcode)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			event.Message = ErrBookNotFound.Error()
			w.metrics.IncScanEvent("not_found")
			w.logger.Debug("Scan resolved no record", map[string]interface{}{
				"barcode": barcode,
			})
			return event, nil
		}
		return nil, fmt.Errorf("failed to resolve barcode %s: %w", barcode, err)
	}

	book.Shelf = &shelf
	if err := w.store.Upsert(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to assign shelf: %w", err)
	}

	event.Success = true
	event.BookID = book.ID
	event.BookTitle = book.Title
	event.BookAuthor = book.Author
	event.ShelfAssigned = &shelf

	if w.autoEnhance && w.enhancer != nil && book.SearchStatus == models.StatusPending {
		result, err := w.enhancer.EnhanceBook(ctx, book)
		if err != nil {
			w.logger.Warn("Inline enrichment failed during scan", map[string]interface{}{
				"barcode": barcode,
				"book_id": book.ID,
				"error":   err.Error(),
			})
		} else if result.Status == models.StatusFound {
			event.AutoEnhanced = true
		}
	}

	w.metrics.IncScanEvent("assigned")
	w.logger.Info("Shelf assigned by scan", map[string]interface{}{
		"barcode":       barcode,
		"book_id":       book.ID,
		"shelf":         shelf,
		"auto_enhanced": event.AutoEnhanced,
	})
	return event, nil
}
