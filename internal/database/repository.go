package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/models"
)

// ErrNotFound is returned when no record matches the requested key.
var ErrNotFound = errors.New("record not found")

// BookRepository provides database operations for catalog records
type BookRepository struct {
	db     *Database
	logger *logger.Logger
}

// NewBookRepository creates a new repository instance
func NewBookRepository(db *Database, log *logger.Logger) *BookRepository {
	return &BookRepository{
		db:     db,
		logger: log,
	}
}

// Create inserts a new record.
func (r *BookRepository) Create(ctx context.Context, book *models.Book) error {
	row, err := fromDomain(book)
	if err != nil {
		return fmt.Errorf("failed to encode book: %w", err)
	}
	if err := r.db.GetDB().WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create book: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (r *BookRepository) Get(ctx context.Context, id string) (*models.Book, error) {
	var row Book
	if err := r.db.GetDB().WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return row.toDomain(), nil
}

// GetByBarcode retrieves a record by exact barcode match.
func (r *BookRepository) GetByBarcode(ctx context.Context, barcode string) (*models.Book, error) {
	if barcode == "" {
		return nil, ErrNotFound
	}
	var row Book
	if err := r.db.GetDB().WithContext(ctx).Where("barcode = ?", barcode).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get book by barcode: %w", err)
	}
	return row.toDomain(), nil
}

// Upsert saves the full record state, creating it if necessary.
func (r *BookRepository) Upsert(ctx context.Context, book *models.Book) error {
	row, err := fromDomain(book)
	if err != nil {
		return fmt.Errorf("failed to encode book: %w", err)
	}
	if err := r.db.GetDB().WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("failed to save book: %w", err)
	}
	return nil
}

// Delete removes a record by id.
func (r *BookRepository) Delete(ctx context.Context, id string) error {
	result := r.db.GetDB().WithContext(ctx).Where("id = ?", id).Delete(&Book{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete book: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns all records with the given search status. A
// query for pending also matches rows a crash left as "searching".
func (r *BookRepository) ListByStatus(ctx context.Context, status models.SearchStatus) ([]*models.Book, error) {
	q := r.db.GetDB().WithContext(ctx)
	if status == models.StatusPending {
		q = q.Where("search_status IN ?", []string{string(models.StatusPending), string(models.StatusSearching)})
	} else {
		q = q.Where("search_status = ?", string(status))
	}

	var rows []Book
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list books by status: %w", err)
	}

	books := make([]*models.Book, 0, len(rows))
	for i := range rows {
		books = append(books, rows[i].toDomain())
	}
	return books, nil
}

// FindDuplicate reports whether the store already holds a record with
// the same non-empty barcode, the same non-empty ISBN, or the same
// title and author (case-insensitive).
func (r *BookRepository) FindDuplicate(ctx context.Context, book *models.Book) (bool, error) {
	db := r.db.GetDB().WithContext(ctx)

	if book.Barcode != "" {
		var count int64
		if err := db.Model(&Book{}).Where("barcode = ?", book.Barcode).Count(&count).Error; err != nil {
			return false, fmt.Errorf("failed to check barcode duplicate: %w", err)
		}
		if count > 0 {
			return true, nil
		}
	}

	if book.ISBN != "" {
		var count int64
		if err := db.Model(&Book{}).Where("isbn = ?", book.ISBN).Count(&count).Error; err != nil {
			return false, fmt.Errorf("failed to check isbn duplicate: %w", err)
		}
		if count > 0 {
			return true, nil
		}
	}

	var count int64
	if err := db.Model(&Book{}).
		Where("LOWER(title) = ? AND LOWER(author) = ?",
			strings.ToLower(book.Title), strings.ToLower(book.Author)).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check title/author duplicate: %w", err)
	}
	return count > 0, nil
}

// Filter narrows List and export queries.
type Filter struct {
	Search string // substring match on title, author or ISBN
	Genre  string
	Shelf  *int
	Author string
	Status models.SearchStatus
	Limit  int
	Skip   int
}

// List returns records matching the filter, ordered by title.
func (r *BookRepository) List(ctx context.Context, filter Filter) ([]*models.Book, error) {
	q := r.db.GetDB().WithContext(ctx).Model(&Book{})

	if filter.Search != "" {
		pattern := "%" + strings.ToLower(filter.Search) + "%"
		q = q.Where("LOWER(title) LIKE ? OR LOWER(author) LIKE ? OR LOWER(isbn) LIKE ?",
			pattern, pattern, pattern)
	}
	if filter.Genre != "" {
		q = q.Where("LOWER(genre) = ?", strings.ToLower(filter.Genre))
	}
	if filter.Shelf != nil {
		q = q.Where("shelf = ?", *filter.Shelf)
	}
	if filter.Author != "" {
		q = q.Where("LOWER(author) LIKE ?", "%"+strings.ToLower(filter.Author)+"%")
	}
	if filter.Status != "" {
		q = q.Where("search_status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Skip > 0 {
		q = q.Offset(filter.Skip)
	}

	var rows []Book
	if err := q.Order("title").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}

	books := make([]*models.Book, 0, len(rows))
	for i := range rows {
		books = append(books, rows[i].toDomain())
	}
	return books, nil
}

// Stats summarizes the catalog.
type Stats struct {
	TotalBooks   int64            `json:"total_books"`
	TotalGenres  int64            `json:"total_genres"`
	TotalShelves int64            `json:"total_shelves"`
	TotalAuthors int64            `json:"total_authors"`
	ByStatus     map[string]int64 `json:"by_status"`
	Genres       []string         `json:"genres"`
}

// Stats aggregates collection statistics.
func (r *BookRepository) Stats(ctx context.Context) (*Stats, error) {
	db := r.db.GetDB().WithContext(ctx)
	stats := &Stats{ByStatus: make(map[string]int64)}

	if err := db.Model(&Book{}).Count(&stats.TotalBooks).Error; err != nil {
		return nil, fmt.Errorf("failed to count books: %w", err)
	}
	if err := db.Model(&Book{}).Where("genre <> ''").Distinct("genre").Count(&stats.TotalGenres).Error; err != nil {
		return nil, fmt.Errorf("failed to count genres: %w", err)
	}
	if err := db.Model(&Book{}).Where("shelf IS NOT NULL").Distinct("shelf").Count(&stats.TotalShelves).Error; err != nil {
		return nil, fmt.Errorf("failed to count shelves: %w", err)
	}
	if err := db.Model(&Book{}).Distinct("author").Count(&stats.TotalAuthors).Error; err != nil {
		return nil, fmt.Errorf("failed to count authors: %w", err)
	}

	if err := db.Model(&Book{}).Where("genre <> ''").Distinct().
		Order("genre").Pluck("genre", &stats.Genres).Error; err != nil {
		return nil, fmt.Errorf("failed to list genres: %w", err)
	}

	type statusCount struct {
		SearchStatus string
		N            int64
	}
	var counts []statusCount
	if err := db.Model(&Book{}).Select("search_status, COUNT(*) as n").
		Group("search_status").Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	for _, c := range counts {
		stats.ByStatus[c.SearchStatus] = c.N
	}

	return stats, nil
}
