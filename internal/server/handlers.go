package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtholden/libcat/internal/api/googlebooks"
	"github.com/mtholden/libcat/internal/database"
	"github.com/mtholden/libcat/internal/ingest"
	"github.com/mtholden/libcat/internal/models"
	"github.com/mtholden/libcat/internal/scan"
)

// maxUploadBytes bounds catalog uploads.
const maxUploadBytes = 16 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to write response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// uploadResponse is the body of POST /api/books/upload. AutoEnhanced is
// present whenever auto-enhance was requested, zero count included.
type uploadResponse struct {
	Success         bool              `json:"success"`
	Message         string            `json:"message"`
	BooksProcessed  int               `json:"books_processed"`
	DuplicatesFound int               `json:"duplicates_found"`
	Errors          []ingest.RowError `json:"errors"`
	AutoEnhanced    *int              `json:"auto_enhanced,omitempty"`
}

// handleUpload handles POST /api/books/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
		s.writeError(w, http.StatusBadRequest, "only CSV files are supported")
		return
	}

	autoEnhance := r.FormValue("auto_enhance") == "true"

	summary, err := s.deps.Ingestor.ImportCSV(r.Context(), file, autoEnhance)
	if err != nil {
		var schemaErr *ingest.SchemaError
		if errors.As(err, &schemaErr) {
			s.writeError(w, http.StatusBadRequest, schemaErr.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read file: %v", err))
		return
	}

	resp := uploadResponse{
		Success:         true,
		Message:         fmt.Sprintf("Successfully processed %d books", summary.Processed),
		BooksProcessed:  summary.Processed,
		DuplicatesFound: summary.Duplicates,
		Errors:          summary.Errors,
	}
	if autoEnhance {
		resp.AutoEnhanced = &summary.AutoEnhanced
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// bookCreateRequest is the body of POST /api/books.
type bookCreateRequest struct {
	Title   string `json:"title"`
	Author  string `json:"author"`
	ISBN    string `json:"isbn"`
	Barcode string `json:"barcode"`
	Shelf   *int   `json:"shelf"`
	Genre   string `json:"genre"`
}

// handleCreateBook handles POST /api/books
func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req bookCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	req.Author = strings.TrimSpace(req.Author)
	if req.Title == "" || req.Author == "" {
		s.writeError(w, http.StatusBadRequest, "title and author are required")
		return
	}
	if req.Shelf != nil && (*req.Shelf < 1 || *req.Shelf > s.deps.MaxShelf) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("shelf out of range 1..%d", s.deps.MaxShelf))
		return
	}

	book := models.NewBook(req.Title, req.Author)
	book.ISBN = strings.TrimSpace(req.ISBN)
	book.Barcode = strings.TrimSpace(req.Barcode)
	book.Shelf = req.Shelf
	book.Genre = strings.TrimSpace(req.Genre)

	dup, err := s.deps.Repo.FindDuplicate(r.Context(), book)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "duplicate check failed")
		return
	}
	if dup {
		s.writeError(w, http.StatusBadRequest, "duplicate book found")
		return
	}

	if err := s.deps.Repo.Create(r.Context(), book); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create book")
		return
	}
	s.writeJSON(w, http.StatusOK, book)
}

// parseFilter builds a repository filter from list/export query params.
func (s *Server) parseFilter(r *http.Request) database.Filter {
	q := r.URL.Query()
	filter := database.Filter{
		Search: q.Get("search"),
		Genre:  q.Get("genre"),
		Author: q.Get("author"),
	}
	if status := q.Get("status"); status != "" {
		filter.Status = models.SearchStatus(status)
	}
	if shelf, err := strconv.Atoi(q.Get("shelf")); err == nil {
		filter.Shelf = &shelf
	}
	return filter
}

// handleListBooks handles GET /api/books
func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	filter := s.parseFilter(r)

	filter.Limit = 100
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		if limit > 500 {
			limit = 500
		}
		filter.Limit = limit
	}
	if skip, err := strconv.Atoi(r.URL.Query().Get("skip")); err == nil && skip > 0 {
		filter.Skip = skip
	}

	books, err := s.deps.Repo.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list books")
		return
	}
	s.writeJSON(w, http.StatusOK, books)
}

// handleGetBook handles GET /api/books/{id}
func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, id string) {
	book, err := s.deps.Repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "book not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load book")
		return
	}
	s.writeJSON(w, http.StatusOK, book)
}

// bookUpdateRequest is the body of PUT /api/books/{id}. Pointer fields
// distinguish "not sent" from "clear".
type bookUpdateRequest struct {
	Title   *string `json:"title"`
	Author  *string `json:"author"`
	ISBN    *string `json:"isbn"`
	Barcode *string `json:"barcode"`
	Shelf   *int    `json:"shelf"`
	Genre   *string `json:"genre"`
}

// handleUpdateBook handles PUT /api/books/{id}
func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, id string) {
	book, err := s.deps.Repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "book not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load book")
		return
	}

	var req bookUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			s.writeError(w, http.StatusBadRequest, "title cannot be empty")
			return
		}
		book.Title = title
	}
	if req.Author != nil {
		book.Author = strings.TrimSpace(*req.Author)
	}
	if req.ISBN != nil {
		book.ISBN = strings.TrimSpace(*req.ISBN)
	}
	if req.Barcode != nil {
		book.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.Shelf != nil {
		if *req.Shelf < 1 || *req.Shelf > s.deps.MaxShelf {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("shelf out of range 1..%d", s.deps.MaxShelf))
			return
		}
		book.Shelf = req.Shelf
	}
	if req.Genre != nil {
		book.Genre = strings.TrimSpace(*req.Genre)
	}

	if err := s.deps.Repo.Upsert(r.Context(), book); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update book")
		return
	}
	s.writeJSON(w, http.StatusOK, book)
}

// handleDeleteBook handles DELETE /api/books/{id}
func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.deps.Repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "book not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to delete book")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "book deleted",
	})
}

// handleStats handles GET /api/books/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Repo.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// exportHeader is the canonical CSV export header, matching the columns
// the ingestor accepts so an export can be re-imported.
var exportHeader = []string{"Title", "Author", "ISBN", "Barcode", "Shelf", "Genre", "Status", "Created At"}

// handleExport handles GET /api/books/export
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	books, err := s.deps.Repo.List(r.Context(), s.parseFilter(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to export books")
		return
	}
	if len(books) == 0 {
		s.writeError(w, http.StatusNotFound, "no books found to export")
		return
	}

	filename := fmt.Sprintf("library_books_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return
	}
	for _, b := range books {
		shelf := ""
		if b.Shelf != nil {
			shelf = strconv.Itoa(*b.Shelf)
		}
		row := []string{
			b.Title, b.Author, b.ISBN, b.Barcode, shelf, b.Genre,
			string(b.SearchStatus), b.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		if err := cw.Write(row); err != nil {
			return
		}
	}
	cw.Flush()
}

// handleEnhance handles POST /api/books/{id}/enhance
func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request, id string) {
	result, err := s.deps.Engine.Enhance(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "book not found")
			return
		}
		var clientErr *googlebooks.ClientError
		if errors.As(err, &clientErr) {
			s.writeError(w, http.StatusBadGateway, clientErr.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "enhancement failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"status":          result.Status,
		"enhanced_fields": result.EnhancedFields,
	})
}

// batchRequest is the body of POST /api/books/enhance-batch.
type batchRequest struct {
	IDs        []string `json:"ids"`
	AllPending bool     `json:"all_pending"`
}

// handleEnhanceBatch handles POST /api/books/enhance-batch
func (s *Server) handleEnhanceBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 && !req.AllPending {
		s.writeError(w, http.StatusBadRequest, "ids or all_pending is required")
		return
	}

	job, err := s.deps.Orchestrator.Snapshot(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to snapshot working set")
		return
	}

	summary := s.deps.Orchestrator.Run(r.Context(), job)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"total_processed": summary.TotalProcessed,
		"enhanced_count":  summary.Enhanced,
		"not_found_count": summary.NotFound,
		"error_count":     summary.Errors,
	})
}

// scanRequest is the body of POST /api/books/scan-assign-shelf.
type scanRequest struct {
	Barcode string `json:"barcode"`
	Shelf   int    `json:"shelf"`
}

// handleScanAssign handles POST /api/books/scan-assign-shelf
func (s *Server) handleScanAssign(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := s.deps.Scanner.AssignShelf(r.Context(), req.Barcode, req.Shelf)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	status := http.StatusOK
	if !event.Success {
		if event.Message == scan.ErrBookNotFound.Error() {
			status = http.StatusNotFound
		} else {
			status = http.StatusBadRequest
		}
	}
	s.writeJSON(w, status, event)
}
