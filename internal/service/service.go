// Package service runs the upload pipeline end to end and coordinates the
// dual write between the document store and the search index.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vouch-app/vouch/internal/extract"
	"github.com/vouch-app/vouch/internal/index"
	"github.com/vouch-app/vouch/internal/receipt"
	"github.com/vouch-app/vouch/internal/store"
	"github.com/vouch-app/vouch/internal/warranty"
)

// UploadResult is the discriminated success payload of an upload.
type UploadResult struct {
	Receipt *receipt.Receipt

	// EnrichmentPartial reports that one or more warranty lookups failed;
	// the receipt is stored regardless.
	EnrichmentPartial bool

	// SearchIndexPending reports that the index write failed after a
	// durable primary write; Reindex repairs it.
	SearchIndexPending bool
}

// Health reports reachability of the external collaborators. It never
// gates extraction.
type Health struct {
	Provider bool `json:"provider"`
	Store    bool `json:"store"`
	Index    bool `json:"index"`
}

// Service wires the pipeline stages together.
type Service struct {
	provider extract.Provider
	enricher *warranty.Enricher
	store    store.Store
	index    index.Index
	files    store.FileStore
	cache    store.Cache // nil disables caching
	cacheTTL time.Duration
}

// NewService creates a Service. cache may be nil.
func NewService(provider extract.Provider, enricher *warranty.Enricher, st store.Store, idx index.Index, files store.FileStore, cache store.Cache) *Service {
	return &Service{
		provider: provider,
		enricher: enricher,
		store:    st,
		index:    idx,
		files:    files,
		cache:    cache,
		cacheTTL: 5 * time.Minute,
	}
}

// ProcessUpload runs one upload through the full pipeline: normalize,
// analyze, parse/validate, enrich, save (dual write).
//
// Stage boundaries honor request cancellation: once the client disconnects
// no new stage starts, but the in-flight external call is allowed to
// complete so a paid model call is not wasted and storage stays consistent.
func (s *Service) ProcessUpload(ctx context.Context, filename string, data []byte, contentType string) (*UploadResult, error) {
	// External calls run on a detached context with their own timeouts.
	callCtx := context.WithoutCancel(ctx)

	imageBase64, err := extract.Normalize(data, extract.KindForContentType(contentType))
	if err != nil {
		return nil, fmt.Errorf("normalizing upload: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload canceled before extraction: %w", err)
	}
	raw, err := s.provider.Analyze(callCtx, imageBase64, extract.ReceiptPrompt)
	if err != nil {
		slog.Error("extraction failed",
			"provider", s.provider.Name(),
			"filename", filename,
			"file_size", len(data),
			"error", err,
		)
		return nil, fmt.Errorf("analyzing receipt: %w", err)
	}

	rec, err := extract.ParseReceipt(raw)
	if err != nil {
		slog.Error("model output rejected", "provider", s.provider.Name(), "error", err)
		return nil, fmt.Errorf("parsing receipt: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload canceled before enrichment: %w", err)
	}
	partial := s.enricher.Enrich(callCtx, rec)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload canceled before persistence: %w", err)
	}

	savedPath := ""
	if s.files != nil {
		savedPath, err = s.files.Save(filename, data)
		if err != nil {
			// The artifact copy is best-effort; the extraction is the record.
			slog.Warn("saving upload artifact failed", "filename", filename, "error", err)
			savedPath = ""
		}
		rec.SourceFile = savedPath
	}

	id, err := s.store.Insert(callCtx, rec)
	if err != nil {
		if savedPath != "" {
			if delErr := s.files.Delete(savedPath); delErr != nil {
				slog.Warn("cleaning up upload artifact failed", "path", savedPath, "error", delErr)
			}
		}
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	result := &UploadResult{Receipt: rec, EnrichmentPartial: partial}

	// Primary write is durable; the index write may lag behind it but
	// never precedes it.
	if err := s.index.Index(callCtx, rec); err != nil {
		slog.Error("index write failed, receipt marked pending", "id", id, "error", err)
		if markErr := s.store.SetIndexPending(callCtx, id, true); markErr != nil {
			slog.Error("marking receipt index-pending failed", "id", id, "error", markErr)
		}
		rec.SearchIndexPending = true
		result.SearchIndexPending = true
	}

	s.cacheSet(callCtx, rec)
	return result, nil
}

// Get retrieves a receipt by id, read-through cache first.
func (s *Service) Get(ctx context.Context, id string) (*receipt.Receipt, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, cacheKey(id)); err == nil {
			var r receipt.Receipt
			if err := json.Unmarshal(data, &r); err == nil {
				return &r, nil
			}
		}
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	s.cacheSet(ctx, r)
	return r, nil
}

// List returns receipt summaries in insertion order, most recent first.
func (s *Service) List(ctx context.Context, skip, limit int) ([]*receipt.Receipt, error) {
	receipts, err := s.store.List(ctx, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// Count returns the number of stored receipts.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// Delete removes a receipt from the store, the index, the cache and the
// artifact store.
func (s *Service) Delete(ctx context.Context, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	if err := s.index.Delete(ctx, id); err != nil {
		slog.Warn("deleting receipt from index failed", "id", id, "error", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cacheKey(id)); err != nil {
			slog.Warn("deleting receipt from cache failed", "id", id, "error", err)
		}
	}
	if s.files != nil && r.SourceFile != "" {
		if err := s.files.Delete(r.SourceFile); err != nil {
			slog.Warn("deleting upload artifact failed", "path", r.SourceFile, "error", err)
		}
	}
	return nil
}

// Reindex re-projects one stored receipt into the search index and clears
// its pending mark. This is the repair operation of the eventual-
// consistency contract.
func (s *Service) Reindex(ctx context.Context, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for reindex: %w", err)
	}

	r.SearchIndexPending = false
	if err := s.index.Index(ctx, r); err != nil {
		return fmt.Errorf("reindexing receipt: %w", err)
	}
	if err := s.store.SetIndexPending(ctx, id, false); err != nil {
		return fmt.Errorf("clearing index-pending mark: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cacheKey(id)); err != nil {
			slog.Warn("invalidating cached receipt failed", "id", id, "error", err)
		}
	}
	return nil
}

// RepairIndex reindexes every receipt whose index write is pending and
// returns how many were repaired.
func (s *Service) RepairIndex(ctx context.Context) (int, error) {
	ids, err := s.store.PendingIndexIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("scanning pending receipts: %w", err)
	}

	repaired := 0
	for _, id := range ids {
		if err := s.Reindex(ctx, id); err != nil {
			slog.Error("repairing index entry failed", "id", id, "error", err)
			continue
		}
		repaired++
	}
	return repaired, nil
}

// Search runs a query against the index and maps hits back to the
// authoritative store documents. Hits whose document has vanished are
// dropped. No matches is an empty slice, never an error.
func (s *Service) Search(ctx context.Context, q receipt.SearchQuery) ([]receipt.SearchResult, int, error) {
	hits, total, err := s.index.Search(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("searching receipts: %w", err)
	}

	results := make([]receipt.SearchResult, 0, len(hits))
	for _, hit := range hits {
		r, err := s.Get(ctx, hit.ReceiptID)
		if err != nil {
			if receipt.KindOf(err) == receipt.KindNotFound {
				// Stale projection; keep the total honest.
				slog.Warn("index hit without stored document", "id", hit.ReceiptID)
				total--
				continue
			}
			return nil, 0, err
		}
		results = append(results, receipt.SearchResult{
			ReceiptID:    r.ID,
			Score:        hit.Score,
			StoreName:    r.TransactionInfo.StoreName,
			PurchaseDate: r.TransactionInfo.PurchaseDate,
			GrandTotal:   r.Totals.GrandTotal,
			Snippet:      firstFragment(hit.Highlights),
			Highlights:   hit.Highlights,
		})
	}
	return results, total, nil
}

// HealthCheck reports reachability of the provider, store and index.
func (s *Service) HealthCheck(ctx context.Context) Health {
	return Health{
		Provider: s.provider.Health(ctx),
		Store:    s.store.Ping(ctx) == nil,
		Index:    s.index.Ping(ctx) == nil,
	}
}

// GetSourceFile retrieves the original uploaded artifact for a receipt.
func (s *Service) GetSourceFile(ctx context.Context, id string) ([]byte, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if s.files == nil || r.SourceFile == "" {
		return nil, receipt.NewError(receipt.KindNotFound, "no stored artifact for receipt %s", id)
	}
	data, err := s.files.Get(r.SourceFile)
	if err != nil {
		return nil, fmt.Errorf("getting receipt artifact: %w", err)
	}
	return data, nil
}

func (s *Service) cacheSet(ctx context.Context, r *receipt.Receipt) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(r.ID), data, s.cacheTTL); err != nil {
		slog.Warn("caching receipt failed", "id", r.ID, "error", err)
	}
}

func cacheKey(id string) string { return "receipt:" + id }

func firstFragment(highlights map[string][]string) string {
	// Prefer the store name fragment when present; map order is random.
	if frags, ok := highlights["store_name"]; ok && len(frags) > 0 {
		return frags[0]
	}
	for _, frags := range highlights {
		if len(frags) > 0 {
			return frags[0]
		}
	}
	return ""
}
