package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtholden/libcat/internal/batch"
	"github.com/mtholden/libcat/internal/database"
	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/ingest"
	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/scan"
)

// Deps bundles the collaborators the HTTP layer glues together.
type Deps struct {
	DB           *database.Database
	Repo         *database.BookRepository
	Ingestor     *ingest.Ingestor
	Engine       *enrich.Engine
	Orchestrator *batch.Orchestrator
	Scanner      *scan.Workflow
	Metrics      *metrics.Metrics
	MaxShelf     int
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	deps   Deps
	logger *logger.Logger
}

// New creates a new HTTP server for the catalog API
func New(addr string, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		server: &http.Server{
			Addr: addr,
		},
		deps:   deps,
		logger: log,
	}

	handler := http.NewServeMux()

	handler.HandleFunc("/healthz", s.handleHealthCheck)
	handler.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))

	handler.HandleFunc("/api/books", s.handleBooks)
	handler.HandleFunc("/api/books/", s.handleBooksSubpath)

	s.server.Handler = logger.HTTPMiddleware(handler)

	s.server.ReadTimeout = 30 * time.Second
	s.server.WriteTimeout = 120 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.deps.DB.Health(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"degraded"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleBooks handles /api/books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r)
	case http.MethodPost:
		s.handleCreateBook(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBooksSubpath routes /api/books/{...} endpoints
func (s *Server) handleBooksSubpath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.Split(path, "/")

	if len(parts) == 1 && parts[0] != "" {
		switch parts[0] {
		case "upload":
			s.requirePost(w, r, s.handleUpload)
		case "enhance-batch":
			s.requirePost(w, r, s.handleEnhanceBatch)
		case "scan-assign-shelf":
			s.requirePost(w, r, s.handleScanAssign)
		case "stats":
			if r.Method == http.MethodGet {
				s.handleStats(w, r)
			} else {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		case "export":
			if r.Method == http.MethodGet {
				s.handleExport(w, r)
			} else {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		default:
			// /api/books/{id}
			switch r.Method {
			case http.MethodGet:
				s.handleGetBook(w, r, parts[0])
			case http.MethodPut:
				s.handleUpdateBook(w, r, parts[0])
			case http.MethodDelete:
				s.handleDeleteBook(w, r, parts[0])
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		}
		return
	}

	if len(parts) == 2 && parts[1] == "enhance" {
		s.requirePost(w, r, func(w http.ResponseWriter, r *http.Request) {
			s.handleEnhance(w, r, parts[0])
		})
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h(w, r)
}
