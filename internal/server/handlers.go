package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vouch-app/vouch/internal/receipt"
)

type uploadResponse struct {
	ReceiptID          string           `json:"receipt_id"`
	Receipt            *receipt.Receipt `json:"receipt"`
	EnrichmentPartial  bool             `json:"enrichment_partial,omitempty"`
	SearchIndexPending bool             `json:"search_index_pending,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+4096)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, receipt.NewError(receipt.KindUnsupportedFormat,
				"upload exceeds %d bytes", s.cfg.MaxUploadSize))
			return
		}
		writeError(w, receipt.NewError(receipt.KindCorruptInput, "missing file field: %v", err))
		return
	}
	defer file.Close()

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
	if !s.allowed[ext] {
		writeError(w, receipt.NewError(receipt.KindUnsupportedFormat,
			"file type .%s not allowed, accepted: %s", ext, strings.Join(s.cfg.AllowedExtensions, ", ")))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSize+1))
	if err != nil {
		writeError(w, receipt.NewError(receipt.KindCorruptInput, "reading upload: %v", err))
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadSize {
		writeError(w, receipt.NewError(receipt.KindUnsupportedFormat,
			"upload exceeds %d bytes", s.cfg.MaxUploadSize))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeForExt(ext)
	}

	result, err := s.service.ProcessUpload(r.Context(), header.Filename, data, contentType)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		ReceiptID:          result.Receipt.ID,
		Receipt:            result.Receipt,
		EnrichmentPartial:  result.EnrichmentPartial,
		SearchIndexPending: result.SearchIndexPending,
	})
}

func contentTypeForExt(ext string) string {
	switch ext {
	case "pdf":
		return "application/pdf"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "heic":
		return "image/heic"
	default:
		return "image/jpeg"
	}
}

type searchResponse struct {
	Total   int                    `json:"total"`
	Skip    int                    `json:"skip"`
	Limit   int                    `json:"limit"`
	Results []receipt.SearchResult `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	q := receipt.SearchQuery{
		Text:     params.Get("q"),
		Store:    params.Get("store"),
		DateFrom: params.Get("date_from"),
		DateTo:   params.Get("date_to"),
	}

	for _, p := range []struct{ name, value string }{
		{"date_from", q.DateFrom},
		{"date_to", q.DateTo},
	} {
		if p.value == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", p.value); err != nil {
			writeError(w, receipt.NewError(receipt.KindCorruptInput,
				"invalid %s: %q is not an ISO 8601 date", p.name, p.value))
			return
		}
	}

	q.Skip, q.Limit = pagination(r)

	var err error
	if q.MinPrice, err = priceParam(params.Get("min_price")); err != nil {
		writeError(w, receipt.NewError(receipt.KindCorruptInput, "invalid min_price: %v", err))
		return
	}
	if q.MaxPrice, err = priceParam(params.Get("max_price")); err != nil {
		writeError(w, receipt.NewError(receipt.KindCorruptInput, "invalid max_price: %v", err))
		return
	}

	results, total, err := s.service.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Total:   total,
		Skip:    q.Skip,
		Limit:   q.Limit,
		Results: results,
	})
}

func priceParam(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", raw)
	}
	return &d, nil
}

// pagination reads skip/limit query params, clamping limit to [1, 100]
// with a default of 20.
func pagination(r *http.Request) (skip, limit int) {
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 100 {
		limit = 100
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("skip")); err == nil && v > 0 {
		skip = v
	}
	return skip, limit
}

type listResponse struct {
	Total    int                `json:"total"`
	Skip     int                `json:"skip"`
	Limit    int                `json:"limit"`
	Receipts []*receipt.Receipt `json:"receipts"`
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r)

	receipts, err := s.service.List(r.Context(), skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.service.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Total:    total,
		Skip:     skip,
		Limit:    limit,
		Receipts: receipts,
	})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.GetSourceFile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("writing receipt image failed", "error", err)
	}
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReindexReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.Reindex(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt_id": id, "reindexed": true})
}

func (s *Server) handleRepairIndex(w http.ResponseWriter, r *http.Request) {
	repaired, err := s.service.RepairIndex(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repaired": repaired})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.HealthCheck(r.Context()))
}
