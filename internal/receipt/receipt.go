package receipt

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WarrantyThreshold is the unit price at or above which an item must carry
// warranty details (or an explicit lookup-failure flag).
var WarrantyThreshold = decimal.NewFromInt(100)

// RoundingTolerance is the maximum accepted drift between stated and
// computed totals before a receipt is flagged.
var RoundingTolerance = decimal.NewFromFloat(0.01)

// Receipt is the canonical record produced by a successful upload.
type Receipt struct {
	ID              string           `json:"id,omitempty"`
	TransactionInfo TransactionInfo  `json:"transaction_info"`
	Items           []Item           `json:"items"`
	Totals          Totals           `json:"totals"`
	PaymentInfo     *PaymentInfo     `json:"payment_info,omitempty"`
	ReturnPolicy    *ReturnPolicy    `json:"return_policy,omitempty"`

	// Flags mark anomalies detected during validation or enrichment.
	// Flagged receipts are stored as-is, never rewritten.
	Flags []string `json:"flags,omitempty"`

	// SearchIndexPending is set when the primary write succeeded but the
	// index write did not; Reindex clears it.
	SearchIndexPending bool `json:"search_index_pending,omitempty"`

	// SourceFile is the stored filename of the uploaded artifact.
	SourceFile string `json:"source_file,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// TransactionInfo holds store and transaction metadata. StoreName and
// PurchaseDate are required; everything else is best-effort.
type TransactionInfo struct {
	StoreName     string `json:"store_name"`
	StoreAddress  string `json:"store_address,omitempty"`
	StorePhone    string `json:"store_phone,omitempty"`
	PurchaseDate  string `json:"purchase_date"` // ISO 8601 (YYYY-MM-DD)
	PurchaseTime  string `json:"purchase_time,omitempty"`
	Cashier       string `json:"cashier,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Item is one purchased line, in scan order.
type Item struct {
	UPC          string          `json:"upc,omitempty"`
	Name         string          `json:"name"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
	SerialNumber string          `json:"serial_number,omitempty"`

	// WarrantyDetails is present iff UnitPrice >= WarrantyThreshold.
	WarrantyDetails *WarrantyDetails `json:"warranty_details,omitempty"`
}

// WarrantyDetails describes coverage attached to a high-value item.
type WarrantyDetails struct {
	Coverage     string `json:"coverage"`
	Requirements string `json:"requirements,omitempty"`
	SourceURL    string `json:"source_url,omitempty"`
}

// Totals holds the receipt's monetary summary.
type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}

// PaymentInfo holds card payment metadata.
type PaymentInfo struct {
	CardType     string `json:"card_type,omitempty"`
	CardLastFour string `json:"card_last_four,omitempty"`
	AuthCode     string `json:"auth_code,omitempty"`
}

// ReturnPolicy holds the store's return terms as printed on the receipt.
type ReturnPolicy struct {
	PolicyID         string `json:"policy_id,omitempty"`
	ReturnWindowDays int    `json:"return_window_days,omitempty"`
	ExpirationDate   string `json:"expiration_date,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// Anomaly flags.
const (
	FlagTotalsMismatch = "totals_mismatch"
)

// LineTotalMismatchFlag marks item i whose line total drifts from
// unit_price * quantity beyond tolerance.
func LineTotalMismatchFlag(i int) string {
	return fmt.Sprintf("line_total_mismatch[%d]", i)
}

// WarrantyLookupFailedFlag marks item i whose warranty lookup failed or
// found nothing.
func WarrantyLookupFailedFlag(i int) string {
	return fmt.Sprintf("warranty_lookup_failed[%d]", i)
}

// HasFlag reports whether the receipt carries the given anomaly flag.
func (r *Receipt) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends an anomaly flag, ignoring duplicates.
func (r *Receipt) AddFlag(flag string) {
	if !r.HasFlag(flag) {
		r.Flags = append(r.Flags, flag)
	}
}
