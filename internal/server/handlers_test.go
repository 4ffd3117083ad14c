package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtholden/libcat/internal/api/googlebooks"
	"github.com/mtholden/libcat/internal/batch"
	"github.com/mtholden/libcat/internal/database"
	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/ingest"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/models"
	"github.com/mtholden/libcat/internal/scan"
)

// fakeLookup stands in for the provider client so handler tests never
// leave the process.
type fakeLookup struct {
	outcome googlebooks.Outcome
	err     error
}

func (l *fakeLookup) Lookup(ctx context.Context, book *models.Book) (googlebooks.Outcome, error) {
	return l.outcome, l.err
}

type testEnv struct {
	server *Server
	repo   *database.BookRepository
	lookup *fakeLookup
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.NewDatabase(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := database.NewBookRepository(db, nil)
	lookup := &fakeLookup{outcome: googlebooks.Outcome{
		Kind:   googlebooks.KindSuccess,
		Fields: &models.Enrichment{Description: "A description."},
	}}
	engine := enrich.NewEngine(repo, lookup, nil)

	m := metrics.New()
	srv := New(":0", Deps{
		DB:           db,
		Repo:         repo,
		Ingestor:     ingest.NewIngestor(repo, engine, 120, m, nil),
		Engine:       engine,
		Orchestrator: batch.NewOrchestrator(repo, engine, 2, m, nil),
		Scanner:      scan.NewWorkflow(repo, engine, 120, false, m, nil),
		Metrics:      m,
		MaxShelf:     120,
	}, nil)

	return &testEnv{server: srv, repo: repo, lookup: lookup}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.server.Handler.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) createBook(t *testing.T, title, author string, mutate func(*models.Book)) *models.Book {
	t.Helper()
	book := models.NewBook(title, author)
	if mutate != nil {
		mutate(book)
	}
	require.NoError(t, env.repo.Create(context.Background(), book))
	return book
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateBook(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/books", map[string]interface{}{
		"title":   "The Hobbit",
		"author":  "Tolkien",
		"isbn":    "9780261103344",
		"barcode": "B0001",
		"shelf":   3,
		"genre":   "FAN",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var book models.Book
	decodeBody(t, rec, &book)
	assert.NotEmpty(t, book.ID)
	assert.Equal(t, "The Hobbit", book.Title)
	assert.Equal(t, models.StatusPending, book.SearchStatus)
}

func TestCreateBookValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/books", map[string]interface{}{"title": "No Author"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/books", map[string]interface{}{
		"title": "The Hobbit", "author": "Tolkien", "shelf": 999,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBookDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.createBook(t, "The Hobbit", "Tolkien", nil)

	rec := env.do(t, http.MethodPost, "/api/books", map[string]interface{}{
		"title": "the hobbit", "author": "TOLKIEN",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")
}

func TestListBooks(t *testing.T) {
	env := newTestEnv(t)
	env.createBook(t, "The Hobbit", "Tolkien", func(b *models.Book) { b.Genre = "FAN" })
	env.createBook(t, "Dune", "Herbert", func(b *models.Book) { b.Genre = "SCI" })

	rec := env.do(t, http.MethodGet, "/api/books", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var books []models.Book
	decodeBody(t, rec, &books)
	assert.Len(t, books, 2)

	rec = env.do(t, http.MethodGet, "/api/books?genre=sci", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &books)
	require.Len(t, books, 1)
	assert.Equal(t, "Dune", books[0].Title)

	rec = env.do(t, http.MethodGet, "/api/books?search=hobbit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &books)
	require.Len(t, books, 1)
	assert.Equal(t, "The Hobbit", books[0].Title)
}

func TestGetBook(t *testing.T) {
	env := newTestEnv(t)
	book := env.createBook(t, "The Hobbit", "Tolkien", nil)

	rec := env.do(t, http.MethodGet, "/api/books/"+book.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Book
	decodeBody(t, rec, &got)
	assert.Equal(t, book.ID, got.ID)

	rec = env.do(t, http.MethodGet, "/api/books/missing-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateBook(t *testing.T) {
	env := newTestEnv(t)
	book := env.createBook(t, "The Hobbit", "Tolkien", nil)

	rec := env.do(t, http.MethodPut, "/api/books/"+book.ID, map[string]interface{}{
		"shelf": 9,
		"genre": "FAN",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Book
	decodeBody(t, rec, &got)
	require.NotNil(t, got.Shelf)
	assert.Equal(t, 9, *got.Shelf)
	assert.Equal(t, "FAN", got.Genre)
	// Fields not sent stay untouched.
	assert.Equal(t, "The Hobbit", got.Title)

	rec = env.do(t, http.MethodPut, "/api/books/"+book.ID, map[string]interface{}{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/books/missing-id", map[string]interface{}{"genre": "FIC"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteBook(t *testing.T) {
	env := newTestEnv(t)
	book := env.createBook(t, "The Hobbit", "Tolkien", nil)

	rec := env.do(t, http.MethodDelete, "/api/books/"+book.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/books/"+book.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createBook(t, "The Hobbit", "Tolkien", func(b *models.Book) { b.Genre = "FAN" })

	rec := env.do(t, http.MethodGet, "/api/books/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats database.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, int64(1), stats.TotalBooks)
	assert.Equal(t, []string{"FAN"}, stats.Genres)
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)

	csvData := "title,author,isbn\nThe Hobbit,Tolkien,9780261103344\nThe Hobbit,Tolkien,\n,NoTitle,\n"
	rec := env.upload(t, "catalog.csv", csvData, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp uploadResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.BooksProcessed)
	assert.Equal(t, 1, resp.DuplicatesFound)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 4, resp.Errors[0].Row)
	// auto-enhance was not requested.
	assert.Nil(t, resp.AutoEnhanced)
	assert.NotContains(t, rec.Body.String(), "auto_enhanced")
}

func TestUploadAutoEnhanceReportsZeroCount(t *testing.T) {
	env := newTestEnv(t)
	env.lookup.outcome = googlebooks.Outcome{Kind: googlebooks.KindNoMatch}

	csvData := "title,author\nThe Hobbit,Tolkien\n"
	rec := env.upload(t, "catalog.csv", csvData, map[string]string{"auto_enhance": "true"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Requested but nothing enhanced: the count is still reported.
	var resp uploadResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.BooksProcessed)
	require.NotNil(t, resp.AutoEnhanced)
	assert.Equal(t, 0, *resp.AutoEnhanced)
	assert.Contains(t, rec.Body.String(), `"auto_enhanced":0`)
}

func TestUploadAutoEnhanceCountsEnhancedRecords(t *testing.T) {
	env := newTestEnv(t)

	csvData := "title,author\nThe Hobbit,Tolkien\nDune,Herbert\n"
	rec := env.upload(t, "catalog.csv", csvData, map[string]string{"auto_enhance": "true"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp uploadResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.BooksProcessed)
	require.NotNil(t, resp.AutoEnhanced)
	assert.Equal(t, 2, *resp.AutoEnhanced)
}

func TestUploadSchemaError(t *testing.T) {
	env := newTestEnv(t)

	rec := env.upload(t, "catalog.csv", "title,isbn\nThe Hobbit,9780261103344\n", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing required columns")
}

func TestUploadRejectsNonCSV(t *testing.T) {
	env := newTestEnv(t)

	rec := env.upload(t, "catalog.xlsx", "whatever", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSV")
}

func (env *testEnv) upload(t *testing.T, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for name, value := range fields {
		require.NoError(t, mw.WriteField(name, value))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/books/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.server.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/books/export", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.createBook(t, "The Hobbit", "Tolkien", func(b *models.Book) { b.ISBN = "9780261103344" })

	rec = env.do(t, http.MethodGet, "/api/books/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Title,Author,ISBN,Barcode,Shelf,Genre,Status,Created At", lines[0])
	assert.Contains(t, lines[1], "The Hobbit")
}

func TestEnhanceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	book := env.createBook(t, "The Hobbit", "Tolkien", nil)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/books/%s/enhance", book.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success        bool     `json:"success"`
		Status         string   `json:"status"`
		EnhancedFields []string `json:"enhanced_fields"`
	}
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "found", resp.Status)
	assert.Equal(t, []string{"description"}, resp.EnhancedFields)

	got, err := env.repo.Get(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFound, got.SearchStatus)
	assert.Equal(t, "A description.", got.Description)
}

func TestEnhanceEndpointNotFoundRecord(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/books/missing-id/enhance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnhanceEndpointClientError(t *testing.T) {
	env := newTestEnv(t)
	book := env.createBook(t, "The Hobbit", "Tolkien", nil)
	env.lookup.err = &googlebooks.ClientError{Err: fmt.Errorf("malformed request")}

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/books/%s/enhance", book.ID), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// Nothing was persisted.
	got, err := env.repo.Get(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.SearchStatus)
}

func TestEnhanceBatchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createBook(t, "The Hobbit", "Tolkien", nil)
	env.createBook(t, "Dune", "Herbert", nil)

	rec := env.do(t, http.MethodPost, "/api/books/enhance-batch", map[string]interface{}{
		"all_pending": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success        bool `json:"success"`
		TotalProcessed int  `json:"total_processed"`
		EnhancedCount  int  `json:"enhanced_count"`
		NotFoundCount  int  `json:"not_found_count"`
		ErrorCount     int  `json:"error_count"`
	}
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.TotalProcessed)
	assert.Equal(t, 2, resp.EnhancedCount)
	assert.Equal(t, resp.TotalProcessed, resp.EnhancedCount+resp.NotFoundCount+resp.ErrorCount)
}

func TestEnhanceBatchRequiresTarget(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/books/enhance-batch", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanAssignEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createBook(t, "The Hobbit", "Tolkien", func(b *models.Book) { b.Barcode = "B0001" })

	rec := env.do(t, http.MethodPost, "/api/books/scan-assign-shelf", map[string]interface{}{
		"barcode": "B0001",
		"shelf":   5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var event scan.Event
	decodeBody(t, rec, &event)
	assert.True(t, event.Success)
	assert.Equal(t, "The Hobbit", event.BookTitle)
	require.NotNil(t, event.ShelfAssigned)
	assert.Equal(t, 5, *event.ShelfAssigned)
}

func TestScanAssignUnknownBarcode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/books/scan-assign-shelf", map[string]interface{}{
		"barcode": "B9999",
		"shelf":   5,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScanAssignInvalidShelf(t *testing.T) {
	env := newTestEnv(t)
	env.createBook(t, "The Hobbit", "Tolkien", func(b *models.Book) { b.Barcode = "B0001" })

	rec := env.do(t, http.MethodPost, "/api/books/scan-assign-shelf", map[string]interface{}{
		"barcode": "B0001",
		"shelf":   999,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodDelete, "/api/books", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/books/upload", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/books/unknown/extra/path", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
