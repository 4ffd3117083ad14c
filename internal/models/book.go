package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SearchStatus tracks whether a book has been enriched from the
// bibliographic provider.
type SearchStatus string

const (
	// StatusPending means no lookup has been attempted yet.
	StatusPending SearchStatus = "pending"
	// StatusSearching means a lookup is in flight. It is an in-memory
	// state only and is never written to the store.
	StatusSearching SearchStatus = "searching"
	// StatusFound means at least one enrichment field was populated by a lookup.
	StatusFound SearchStatus = "found"
	// StatusNotFound means the last lookup completed without usable data.
	StatusNotFound SearchStatus = "not_found"
)

// Valid reports whether s is one of the known status values.
func (s SearchStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSearching, StatusFound, StatusNotFound:
		return true
	}
	return false
}

// Terminal reports whether s is a status that may be persisted.
func (s SearchStatus) Terminal() bool {
	return s == StatusFound || s == StatusNotFound
}

// KnownGenres is the closed set of display genre codes. Unknown codes
// are preserved verbatim and never block ingestion.
var KnownGenres = []string{"FIC", "NF", "BIO", "SCI", "HIS", "MYS", "FAN", "POE", "REF", "PIC"}

// KnownGenre reports whether code is part of the display enumeration.
func KnownGenre(code string) bool {
	for _, g := range KnownGenres {
		if strings.EqualFold(g, code) {
			return true
		}
	}
	return false
}

// Book is a single catalog entry for one physical book.
type Book struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	ISBN    string `json:"isbn,omitempty"`
	Barcode string `json:"barcode,omitempty"`
	Shelf   *int   `json:"shelf,omitempty"`
	Genre   string `json:"genre,omitempty"`

	SearchStatus SearchStatus `json:"search_status"`

	// Enrichment-derived fields, populated by provider lookups.
	Description          string   `json:"description,omitempty"`
	DescriptionLocalized string   `json:"description_localized,omitempty"`
	ImageURL             string   `json:"image_url,omitempty"`
	PageCount            *int     `json:"page_count,omitempty"`
	Categories           []string `json:"categories,omitempty"`
	ARLevel              string   `json:"ar_level,omitempty"`
	Lexile               string   `json:"lexile,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBook creates a pending record with a fresh ID.
func NewBook(title, author string) *Book {
	now := time.Now().UTC()
	return &Book{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(title),
		Author:       strings.TrimSpace(author),
		SearchStatus: StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Enrichment holds the descriptive fields a provider lookup can return.
// Empty values mean the provider did not supply that field.
type Enrichment struct {
	Description          string
	DescriptionLocalized string
	ImageURL             string
	PageCount            int
	Categories           []string
	ARLevel              string
	Lexile               string
}

// Empty reports whether the enrichment carries no usable field at all.
func (e *Enrichment) Empty() bool {
	if e == nil {
		return true
	}
	return e.Description == "" && e.DescriptionLocalized == "" && e.ImageURL == "" &&
		e.PageCount <= 0 && len(e.Categories) == 0 && e.ARLevel == "" && e.Lexile == ""
}

// MergeEnrichment fills empty fields of b from enr. A populated local
// field is never overwritten, and empty provider values are ignored.
// It returns the names of fields changed by this call and the names of
// provider-supplied fields that were already populated locally.
func (b *Book) MergeEnrichment(enr *Enrichment) (changed, confirmed []string) {
	if enr == nil {
		return nil, nil
	}

	mergeStr := func(name string, local *string, incoming string) {
		if incoming == "" {
			return
		}
		if *local == "" {
			*local = incoming
			changed = append(changed, name)
			return
		}
		confirmed = append(confirmed, name)
	}

	mergeStr("description", &b.Description, enr.Description)
	mergeStr("description_localized", &b.DescriptionLocalized, enr.DescriptionLocalized)
	mergeStr("image_url", &b.ImageURL, enr.ImageURL)

	if enr.PageCount > 0 {
		if b.PageCount == nil || *b.PageCount <= 0 {
			pc := enr.PageCount
			b.PageCount = &pc
			changed = append(changed, "page_count")
		} else {
			confirmed = append(confirmed, "page_count")
		}
	}

	if len(enr.Categories) > 0 {
		if len(b.Categories) == 0 {
			b.Categories = append([]string(nil), enr.Categories...)
			changed = append(changed, "categories")
		} else {
			confirmed = append(confirmed, "categories")
		}
	}

	mergeStr("ar_level", &b.ARLevel, enr.ARLevel)
	mergeStr("lexile", &b.Lexile, enr.Lexile)

	return changed, confirmed
}
