package enrich

import (
	"context"
	"fmt"

	"github.com/mtholden/libcat/internal/api/googlebooks"
	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/models"
)

// Store is the record persistence surface the engine needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.Book, error)
	Upsert(ctx context.Context, book *models.Book) error
}

// Lookup executes one bibliographic lookup for a record.
type Lookup interface {
	Lookup(ctx context.Context, book *models.Book) (googlebooks.Outcome, error)
}

// Result is the outcome of a single-record enhancement.
type Result struct {
	Status models.SearchStatus `json:"status"`
	// EnhancedFields lists the enrichment fields populated by this call,
	// or the previously populated fields re-confirmed by it. It is never
	// empty when Status is found.
	EnhancedFields []string `json:"enhanced_fields"`
}

// Engine drives the per-record enrichment state machine:
// pending -> searching -> {found, not_found}. Both terminal states are
// re-enterable through searching. The searching state lives only in
// memory; the store only ever sees terminal statuses.
type Engine struct {
	store  Store
	lookup Lookup
	logger *logger.Logger
}

// NewEngine creates an enrichment engine.
func NewEngine(store Store, lookup Lookup, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		lookup: lookup,
		logger: log,
	}
}

// Enhance loads the record and runs one enrichment pass over it.
func (e *Engine) Enhance(ctx context.Context, id string) (*Result, error) {
	book, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return e.EnhanceBook(ctx, book)
}

// EnhanceBook runs one enrichment pass over an already-loaded record.
// The record is persisted exactly once, after the lookup settles, so an
// interrupted call leaves the durable status untouched.
func (e *Engine) EnhanceBook(ctx context.Context, book *models.Book) (*Result, error) {
	// Dispatching the lookup enters searching. In-memory only.
	book.SearchStatus = models.StatusSearching

	outcome, err := e.lookup.Lookup(ctx, book)
	if err != nil {
		// Client malfunction or cancellation: nothing is persisted, the
		// record keeps its durable status.
		return nil, err
	}

	result := e.apply(book, outcome)

	if err := e.store.Upsert(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to persist record %s: %w", book.ID, err)
	}

	e.logger.Debug("Enrichment settled", map[string]interface{}{
		"book_id": book.ID,
		"title":   book.Title,
		"outcome": string(outcome.Kind),
		"status":  string(result.Status),
		"fields":  result.EnhancedFields,
	})
	return result, nil
}

// apply folds the lookup outcome into the record and decides the
// terminal status.
func (e *Engine) apply(book *models.Book, outcome googlebooks.Outcome) *Result {
	if outcome.Kind == googlebooks.KindSuccess {
		changed, confirmed := book.MergeEnrichment(outcome.Fields)
		switch {
		case len(changed) > 0:
			book.SearchStatus = models.StatusFound
			return &Result{Status: models.StatusFound, EnhancedFields: changed}
		case len(confirmed) > 0:
			// Re-run over an already enriched record: found is
			// re-confirmed with the same fields, nothing is discarded.
			book.SearchStatus = models.StatusFound
			return &Result{Status: models.StatusFound, EnhancedFields: confirmed}
		}
		// Success with nothing usable degrades to not_found.
	}

	// NoMatch, Denied, or exhausted retries. Status only; existing
	// fields are never cleared.
	book.SearchStatus = models.StatusNotFound
	return &Result{Status: models.StatusNotFound, EnhancedFields: []string{}}
}
