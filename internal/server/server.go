// Package server is the HTTP boundary. It is thin plumbing over the
// service layer: routing, decoding, and mapping error kinds onto statuses.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/vouch-app/vouch/internal/receipt"
	"github.com/vouch-app/vouch/internal/service"
)

// Config bounds the upload surface.
type Config struct {
	// MaxUploadSize is the largest accepted upload in bytes.
	MaxUploadSize int64

	// AllowedExtensions is the upload allow-list (lowercase, no dot).
	AllowedExtensions []string
}

// DefaultConfig mirrors the original 5MB / jpg,jpeg,png,gif,heic,pdf limits.
func DefaultConfig() Config {
	return Config{
		MaxUploadSize:     5 << 20,
		AllowedExtensions: []string{"jpg", "jpeg", "png", "gif", "heic", "pdf"},
	}
}

// Server handles HTTP requests for receipts.
type Server struct {
	service *service.Service
	cfg     Config
	allowed map[string]bool
	router  chi.Router
}

// New creates a Server and registers its routes.
func New(svc *service.Service, cfg Config) *Server {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultConfig().MaxUploadSize
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = DefaultConfig().AllowedExtensions
	}

	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	s := &Server{
		service: svc,
		cfg:     cfg,
		allowed: allowed,
		router:  chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	}))

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/search", s.handleSearch)
		r.Get("/receipts", s.handleListReceipts)
		r.Get("/receipts/{id}", s.handleGetReceipt)
		r.Get("/receipts/{id}/image", s.handleGetReceiptImage)
		r.Delete("/receipts/{id}", s.handleDeleteReceipt)
		r.Post("/receipts/{id}/reindex", s.handleReindexReceipt)
		r.Post("/admin/reindex", s.handleRepairIndex)
		r.Get("/health", s.handleHealth)
	})
}

// Handler returns the root handler, for tests and for the HTTP server.
func (s *Server) Handler() http.Handler { return s.router }

// errorResponse is the discriminated failure payload: a stable kind plus
// structured detail, never free text alone.
type errorResponse struct {
	ErrorKind  string              `json:"error_kind"`
	Error      string              `json:"error"`
	Provider   string              `json:"provider,omitempty"`
	Violations []receipt.Violation `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := receipt.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{
		ErrorKind:  string(kind),
		Error:      err.Error(),
		Provider:   receipt.ProviderOf(err),
		Violations: receipt.ViolationsOf(err),
	})
}

func statusForKind(kind receipt.ErrorKind) int {
	switch kind {
	case receipt.KindUnsupportedFormat, receipt.KindCorruptInput:
		return http.StatusBadRequest
	case receipt.KindNoJSONFound, receipt.KindMalformedJSON, receipt.KindSchemaViolation:
		return http.StatusUnprocessableEntity
	case receipt.KindRateLimited:
		return http.StatusTooManyRequests
	case receipt.KindAuthenticationFailure, receipt.KindBackendUnavailable, receipt.KindBackendError:
		return http.StatusBadGateway
	case receipt.KindStorageUnavailable, receipt.KindIndexUnavailable:
		return http.StatusServiceUnavailable
	case receipt.KindDuplicateKey:
		return http.StatusConflict
	case receipt.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
