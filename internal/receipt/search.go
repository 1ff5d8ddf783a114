package receipt

import "github.com/shopspring/decimal"

// SearchQuery is an ephemeral search request; it is never persisted.
// All fields are optional. Date bounds are ISO 8601 dates, inclusive.
// Price bounds are inclusive and apply to the grand total.
type SearchQuery struct {
	Text     string
	Store    string
	DateFrom string
	DateTo   string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Skip     int
	Limit    int
}

// SearchHit is a raw index match, cross-referenced against the document
// store before it becomes a SearchResult.
type SearchHit struct {
	ReceiptID  string
	Score      float64
	Highlights map[string][]string
}

// SearchResult is the caller-facing projection of a matched receipt.
type SearchResult struct {
	ReceiptID    string              `json:"receipt_id"`
	Score        float64             `json:"score"`
	StoreName    string              `json:"store_name"`
	PurchaseDate string              `json:"purchase_date"`
	GrandTotal   decimal.Decimal     `json:"grand_total"`
	Snippet      string              `json:"snippet,omitempty"`
	Highlights   map[string][]string `json:"highlights,omitempty"`
}
