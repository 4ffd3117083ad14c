package database

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/mtholden/libcat/internal/models"
)

// Book is the persisted form of a catalog record. Categories are stored
// as a JSON string, matching the text-column convention used for other
// structured data.
type Book struct {
	ID      string `gorm:"primaryKey"`
	Title   string `gorm:"not null;index"`
	Author  string `gorm:"index"`
	ISBN    string `gorm:"index"`
	Barcode string `gorm:"uniqueIndex:idx_books_barcode,where:barcode <> ''"`
	Shelf   *int
	Genre   string

	SearchStatus string `gorm:"index;default:pending"`

	Description          string `gorm:"type:text"`
	DescriptionLocalized string `gorm:"type:text"`
	ImageURL             string
	PageCount            *int
	Categories           string `gorm:"type:text"` // JSON array
	ARLevel              string
	Lexile               string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate hook for Book
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for Book
func (b *Book) BeforeUpdate(tx *gorm.DB) error {
	b.UpdatedAt = time.Now()
	return nil
}

// toDomain converts the persisted row to the domain record. A stored
// "searching" status is normalized back to "pending": an in-flight state
// must never be the value read from durable storage.
func (b *Book) toDomain() *models.Book {
	status := models.SearchStatus(b.SearchStatus)
	if status == models.StatusSearching || !status.Valid() {
		status = models.StatusPending
	}

	var categories []string
	if b.Categories != "" {
		// A corrupt column degrades to no categories rather than an error.
		_ = json.Unmarshal([]byte(b.Categories), &categories)
	}

	return &models.Book{
		ID:                   b.ID,
		Title:                b.Title,
		Author:               b.Author,
		ISBN:                 b.ISBN,
		Barcode:              b.Barcode,
		Shelf:                b.Shelf,
		Genre:                b.Genre,
		SearchStatus:         status,
		Description:          b.Description,
		DescriptionLocalized: b.DescriptionLocalized,
		ImageURL:             b.ImageURL,
		PageCount:            b.PageCount,
		Categories:           categories,
		ARLevel:              b.ARLevel,
		Lexile:               b.Lexile,
		CreatedAt:            b.CreatedAt,
		UpdatedAt:            b.UpdatedAt,
	}
}

// fromDomain converts a domain record to its persisted form. A transient
// "searching" status is stored as "pending" so it can never be observed
// at rest.
func fromDomain(book *models.Book) (*Book, error) {
	status := book.SearchStatus
	if status == models.StatusSearching || !status.Valid() {
		status = models.StatusPending
	}

	categories := ""
	if len(book.Categories) > 0 {
		data, err := json.Marshal(book.Categories)
		if err != nil {
			return nil, err
		}
		categories = string(data)
	}

	return &Book{
		ID:                   book.ID,
		Title:                book.Title,
		Author:               book.Author,
		ISBN:                 book.ISBN,
		Barcode:              book.Barcode,
		Shelf:                book.Shelf,
		Genre:                book.Genre,
		SearchStatus:         string(status),
		Description:          book.Description,
		DescriptionLocalized: book.DescriptionLocalized,
		ImageURL:             book.ImageURL,
		PageCount:            book.PageCount,
		Categories:           categories,
		ARLevel:              book.ARLevel,
		Lexile:               book.Lexile,
		CreatedAt:            book.CreatedAt,
		UpdatedAt:            book.UpdatedAt,
	}, nil
}
