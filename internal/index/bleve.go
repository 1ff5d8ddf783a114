// Package index maintains the search projection of receipts and translates
// search queries into the index's native query language. The index is
// derived and rebuildable; losing it loses search capability, never data.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vouch-app/vouch/internal/receipt"
)

// Index is the search-index contract.
type Index interface {
	// Index writes the search projection of a receipt under its id,
	// replacing any previous projection.
	Index(ctx context.Context, r *receipt.Receipt) error

	// Delete removes a receipt's projection.
	Delete(ctx context.Context, id string) error

	// Search runs a translated query and returns raw hits plus the total
	// match count. No matches is an empty slice, not an error.
	Search(ctx context.Context, q receipt.SearchQuery) ([]receipt.SearchHit, int, error)

	// Ping reports index reachability.
	Ping(ctx context.Context) error

	// Close closes the index.
	Close() error
}

// document is the flattened, denormalized projection of a receipt. Nested
// items become repeated fields so per-item text and price queries work.
type document struct {
	StoreName     string    `json:"store_name"`
	StoreAddress  string    `json:"store_address"`
	TransactionID string    `json:"transaction_id"`
	CardType      string    `json:"card_type"`
	ItemNames     []string  `json:"item_names"`
	ItemUPCs      []string  `json:"item_upcs"`
	ItemSerials   []string  `json:"item_serials"`
	ItemPrices    []float64 `json:"item_prices"`
	GrandTotal    float64   `json:"grand_total"`
	PurchaseDate  time.Time `json:"purchase_date"`
	CreatedAt     time.Time `json:"created_at"`
}

// BleveIndex implements Index on bleve.
type BleveIndex struct {
	idx bleve.Index
}

// NewBleveIndex opens the index at path, creating it if absent.
func NewBleveIndex(path string) (*BleveIndex, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, receipt.WrapError(receipt.KindIndexUnavailable, err, "opening search index")
	}
	return &BleveIndex{idx: idx}, nil
}

// NewMemoryIndex creates an in-memory index, used by tests.
func NewMemoryIndex() (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, receipt.WrapError(receipt.KindIndexUnavailable, err, "creating in-memory index")
	}
	return &BleveIndex{idx: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	numericField := bleve.NewNumericFieldMapping()
	dateField := bleve.NewDateTimeFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("store_name", textField)
	doc.AddFieldMappingsAt("store_address", textField)
	doc.AddFieldMappingsAt("transaction_id", keywordField)
	doc.AddFieldMappingsAt("card_type", keywordField)
	doc.AddFieldMappingsAt("item_names", textField)
	doc.AddFieldMappingsAt("item_upcs", keywordField)
	doc.AddFieldMappingsAt("item_serials", keywordField)
	doc.AddFieldMappingsAt("item_prices", numericField)
	doc.AddFieldMappingsAt("grand_total", numericField)
	doc.AddFieldMappingsAt("purchase_date", dateField)
	doc.AddFieldMappingsAt("created_at", dateField)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// project flattens a receipt into its search document.
func project(r *receipt.Receipt) document {
	doc := document{
		StoreName:     r.TransactionInfo.StoreName,
		StoreAddress:  r.TransactionInfo.StoreAddress,
		TransactionID: r.TransactionInfo.TransactionID,
		GrandTotal:    r.Totals.GrandTotal.InexactFloat64(),
		CreatedAt:     r.CreatedAt,
	}
	if r.PaymentInfo != nil {
		doc.CardType = r.PaymentInfo.CardType
	}
	if d, err := time.Parse("2006-01-02", r.TransactionInfo.PurchaseDate); err == nil {
		doc.PurchaseDate = d
	}
	for _, item := range r.Items {
		doc.ItemNames = append(doc.ItemNames, item.Name)
		doc.ItemPrices = append(doc.ItemPrices, item.UnitPrice.InexactFloat64())
		if item.UPC != "" {
			doc.ItemUPCs = append(doc.ItemUPCs, item.UPC)
		}
		if item.SerialNumber != "" {
			doc.ItemSerials = append(doc.ItemSerials, item.SerialNumber)
		}
	}
	return doc
}

// Index writes the projection of a receipt under its id.
func (b *BleveIndex) Index(ctx context.Context, r *receipt.Receipt) error {
	if err := ctx.Err(); err != nil {
		return receipt.WrapError(receipt.KindIndexUnavailable, err, "index canceled")
	}
	if err := b.idx.Index(r.ID, project(r)); err != nil {
		return receipt.WrapError(receipt.KindIndexUnavailable, err, "indexing receipt %s", r.ID)
	}
	return nil
}

// Delete removes a receipt's projection. Deleting an absent id is not an
// error.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return receipt.WrapError(receipt.KindIndexUnavailable, err, "delete canceled")
	}
	if err := b.idx.Delete(id); err != nil {
		return receipt.WrapError(receipt.KindIndexUnavailable, err, "deleting receipt %s from index", id)
	}
	return nil
}

// Search translates the query and runs it, sorted by relevance then
// recency.
func (b *BleveIndex) Search(ctx context.Context, q receipt.SearchQuery) ([]receipt.SearchHit, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	req := bleve.NewSearchRequestOptions(translate(q), limit, q.Skip, false)
	req.SortBy([]string{"-_score", "-created_at"})
	req.Highlight = bleve.NewHighlight()

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, receipt.WrapError(receipt.KindIndexUnavailable, err, "searching index")
	}

	hits := make([]receipt.SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, receipt.SearchHit{
			ReceiptID:  hit.ID,
			Score:      hit.Score,
			Highlights: hit.Fragments,
		})
	}
	return hits, int(res.Total), nil
}

// translate converts a SearchQuery into a bleve query: free text becomes a
// weighted multi-field match, each present filter an ANDed constraint.
func translate(q receipt.SearchQuery) query.Query {
	var musts []query.Query

	if q.Text != "" {
		fields := []struct {
			name  string
			boost float64
		}{
			{"store_name", 3},
			{"transaction_id", 2},
			{"item_names", 2},
			{"item_upcs", 1},
			{"item_serials", 1},
			{"store_address", 1},
		}
		var perField []query.Query
		for _, f := range fields {
			mq := bleve.NewMatchQuery(q.Text)
			mq.SetField(f.name)
			mq.SetBoost(f.boost)
			perField = append(perField, mq)
		}
		musts = append(musts, bleve.NewDisjunctionQuery(perField...))
	}

	if q.Store != "" {
		mq := bleve.NewMatchQuery(q.Store)
		mq.SetField("store_name")
		musts = append(musts, mq)
	}

	if q.DateFrom != "" || q.DateTo != "" {
		var start, end time.Time
		if d, err := time.Parse("2006-01-02", q.DateFrom); err == nil {
			start = d
		}
		if d, err := time.Parse("2006-01-02", q.DateTo); err == nil {
			// End of day so the bound is inclusive of the named date.
			end = d.Add(24*time.Hour - time.Nanosecond)
		}
		if !start.IsZero() || !end.IsZero() {
			inclusive := true
			dr := bleve.NewDateRangeInclusiveQuery(start, end, &inclusive, &inclusive)
			dr.SetField("purchase_date")
			musts = append(musts, dr)
		}
	}

	if q.MinPrice != nil || q.MaxPrice != nil {
		var min, max *float64
		if q.MinPrice != nil {
			v := q.MinPrice.InexactFloat64()
			min = &v
		}
		if q.MaxPrice != nil {
			v := q.MaxPrice.InexactFloat64()
			max = &v
		}
		inclusive := true
		nr := bleve.NewNumericRangeInclusiveQuery(min, max, &inclusive, &inclusive)
		nr.SetField("grand_total")
		musts = append(musts, nr)
	}

	if len(musts) == 0 {
		return bleve.NewMatchAllQuery()
	}

	bq := bleve.NewBooleanQuery()
	for _, m := range musts {
		bq.AddMust(m)
	}
	return bq
}

// Ping reports index reachability.
func (b *BleveIndex) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return receipt.WrapError(receipt.KindIndexUnavailable, err, "ping canceled")
	}
	if _, err := b.idx.DocCount(); err != nil {
		return receipt.WrapError(receipt.KindIndexUnavailable, err, "index doc count")
	}
	return nil
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	return b.idx.Close()
}
