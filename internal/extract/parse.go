package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vouch-app/vouch/internal/receipt"
)

// dateFormats are tried in order when coercing a purchase date to ISO 8601.
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"02-01-2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseReceipt extracts the JSON object embedded in raw model output,
// validates it against the receipt schema and returns a normalized Receipt.
// It is pure and deterministic: no I/O, same input, same output.
//
// Failure kinds: NoJSONFound when no balanced object exists in the text,
// MalformedJSON when the span does not parse, SchemaViolation carrying every
// violation found.
func ParseReceipt(raw string) (*receipt.Receipt, error) {
	span, ok := JSONSpan(raw)
	if !ok {
		return nil, receipt.NewError(receipt.KindNoJSONFound, "no balanced JSON object in model output")
	}

	var wire wireReceipt
	if err := json.Unmarshal([]byte(span), &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &receipt.Error{
				Kind: receipt.KindSchemaViolation,
				Violations: []receipt.Violation{
					{Field: typeErr.Field, Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)},
				},
			}
		}
		return nil, receipt.WrapError(receipt.KindMalformedJSON, err, "parsing JSON span")
	}

	return validate(&wire)
}

// JSONSpan locates the first balanced {...} span in text that is valid
// JSON, tolerating surrounding prose and markdown code fences. Prose can
// carry balanced braces of its own ("the set {1,2}"), so balance alone is
// not enough. When no span parses, the first balanced one is returned so
// the caller can report what was wrong with it.
func JSONSpan(text string) (string, bool) {
	firstBalanced := ""
	for start := 0; start < len(text); {
		i := strings.IndexByte(text[start:], '{')
		if i < 0 {
			break
		}
		i += start
		if end, ok := scanBalanced(text, i); ok {
			span := text[i : end+1]
			if json.Valid([]byte(span)) {
				return span, true
			}
			if firstBalanced == "" {
				firstBalanced = span
			}
		}
		start = i + 1
	}
	if firstBalanced != "" {
		return firstBalanced, true
	}
	return "", false
}

// scanBalanced walks forward from an opening brace, string-aware, and
// returns the index of the matching closing brace.
func scanBalanced(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// wireDecimal accepts a JSON number, a numeric string, null or an empty
// string without ever failing the decode; uncoercible values are deferred to
// validation so every violation can be reported together.
type wireDecimal struct {
	val decimal.Decimal
	set bool
	bad string
}

func (d *wireDecimal) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	trimmed := strings.TrimSpace(strings.Trim(s, `"`))
	if trimmed == "" {
		return nil
	}
	v, err := decimal.NewFromString(trimmed)
	if err != nil {
		d.bad = s
		return nil
	}
	d.val = v
	d.set = true
	return nil
}

type wireReceipt struct {
	TransactionInfo wireTransactionInfo `json:"transaction_info"`
	Items           []wireItem          `json:"items"`
	Totals          wireTotals          `json:"totals"`
	PaymentInfo     *wirePaymentInfo    `json:"payment_info"`
	ReturnPolicy    *wireReturnPolicy   `json:"return_policy"`
}

type wireTransactionInfo struct {
	StoreName     string `json:"store_name"`
	StoreAddress  string `json:"store_address"`
	StorePhone    string `json:"store_phone"`
	PurchaseDate  string `json:"purchase_date"`
	PurchaseTime  string `json:"purchase_time"`
	Cashier       string `json:"cashier"`
	TransactionID string `json:"transaction_id"`
}

type wireItem struct {
	UPC             string               `json:"upc"`
	Name            string               `json:"name"`
	Quantity        wireDecimal          `json:"quantity"`
	UnitPrice       wireDecimal          `json:"unit_price"`
	LineTotal       wireDecimal          `json:"line_total"`
	SerialNumber    string               `json:"serial_number"`
	WarrantyDetails *wireWarrantyDetails `json:"warranty_details"`
}

type wireWarrantyDetails struct {
	Coverage     string `json:"coverage"`
	Requirements string `json:"requirements"`
	SourceURL    string `json:"source_url"`
}

type wireTotals struct {
	Subtotal   wireDecimal `json:"subtotal"`
	Tax        wireDecimal `json:"tax"`
	GrandTotal wireDecimal `json:"grand_total"`
}

type wirePaymentInfo struct {
	CardType     string `json:"card_type"`
	CardLastFour string `json:"card_last_four"`
	AuthCode     string `json:"auth_code"`
}

type wireReturnPolicy struct {
	PolicyID         string      `json:"policy_id"`
	ReturnWindowDays wireDecimal `json:"return_window_days"`
	ExpirationDate   string      `json:"expiration_date"`
	Notes            string      `json:"notes"`
}

// validate checks the decoded object against the receipt schema, collecting
// every violation, then normalizes field types and computes anomaly flags.
func validate(wire *wireReceipt) (*receipt.Receipt, error) {
	var violations []receipt.Violation
	addViolation := func(field, format string, args ...any) {
		violations = append(violations, receipt.Violation{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	out := &receipt.Receipt{}

	ti := wire.TransactionInfo
	out.TransactionInfo = receipt.TransactionInfo{
		StoreName:     strings.TrimSpace(ti.StoreName),
		StoreAddress:  strings.TrimSpace(ti.StoreAddress),
		StorePhone:    strings.TrimSpace(ti.StorePhone),
		PurchaseTime:  strings.TrimSpace(ti.PurchaseTime),
		Cashier:       strings.TrimSpace(ti.Cashier),
		TransactionID: strings.TrimSpace(ti.TransactionID),
	}
	if out.TransactionInfo.StoreName == "" {
		addViolation("transaction_info.store_name", "required")
	}

	var purchaseDate time.Time
	if rawDate := strings.TrimSpace(ti.PurchaseDate); rawDate == "" {
		addViolation("transaction_info.purchase_date", "required")
	} else if d, ok := coerceDate(rawDate); ok {
		purchaseDate = d
		out.TransactionInfo.PurchaseDate = d.Format("2006-01-02")
	} else {
		addViolation("transaction_info.purchase_date", "unrecognized date format %q", rawDate)
	}

	if len(wire.Items) == 0 {
		addViolation("items", "at least one item is required")
	}
	out.Items = make([]receipt.Item, 0, len(wire.Items))
	for i, wi := range wire.Items {
		field := func(name string) string { return fmt.Sprintf("items[%d].%s", i, name) }

		item := receipt.Item{
			UPC:          strings.TrimSpace(wi.UPC),
			Name:         strings.TrimSpace(wi.Name),
			SerialNumber: strings.TrimSpace(wi.SerialNumber),
		}
		if item.Name == "" {
			addViolation(field("name"), "required")
		}

		quantity, ok := requireDecimal(wi.Quantity, field("quantity"), addViolation)
		if ok && !quantity.IsPositive() {
			addViolation(field("quantity"), "must be positive, got %s", quantity)
		}
		item.Quantity = quantity

		unitPrice, ok := requireDecimal(wi.UnitPrice, field("unit_price"), addViolation)
		if ok && unitPrice.IsNegative() {
			addViolation(field("unit_price"), "must not be negative, got %s", unitPrice)
		}
		item.UnitPrice = unitPrice

		switch {
		case wi.LineTotal.bad != "":
			addViolation(field("line_total"), "not a number: %s", wi.LineTotal.bad)
		case !wi.LineTotal.set:
			// Absent line totals are computed; stated ones are checked.
			item.LineTotal = unitPrice.Mul(quantity)
		default:
			item.LineTotal = wi.LineTotal.val
			if item.LineTotal.IsNegative() {
				addViolation(field("line_total"), "must not be negative, got %s", item.LineTotal)
			}
			expected := unitPrice.Mul(quantity)
			if item.LineTotal.Sub(expected).Abs().GreaterThan(receipt.RoundingTolerance) {
				out.AddFlag(receipt.LineTotalMismatchFlag(i))
			}
		}

		if wi.WarrantyDetails != nil && strings.TrimSpace(wi.WarrantyDetails.Coverage) != "" {
			item.WarrantyDetails = &receipt.WarrantyDetails{
				Coverage:     strings.TrimSpace(wi.WarrantyDetails.Coverage),
				Requirements: strings.TrimSpace(wi.WarrantyDetails.Requirements),
				SourceURL:    strings.TrimSpace(wi.WarrantyDetails.SourceURL),
			}
		}

		out.Items = append(out.Items, item)
	}

	subtotal, _ := requireDecimal(wire.Totals.Subtotal, "totals.subtotal", addViolation)
	grandTotal, grandOK := requireDecimal(wire.Totals.GrandTotal, "totals.grand_total", addViolation)
	tax := decimal.Zero
	if wire.Totals.Tax.bad != "" {
		addViolation("totals.tax", "not a number: %s", wire.Totals.Tax.bad)
	} else if wire.Totals.Tax.set {
		tax = wire.Totals.Tax.val
	}
	for _, t := range []struct {
		name string
		val  decimal.Decimal
	}{{"subtotal", subtotal}, {"tax", tax}, {"grand_total", grandTotal}} {
		if t.val.IsNegative() {
			addViolation("totals."+t.name, "must not be negative, got %s", t.val)
		}
	}
	out.Totals = receipt.Totals{Subtotal: subtotal, Tax: tax, GrandTotal: grandTotal}
	if grandOK && grandTotal.Sub(subtotal.Add(tax)).Abs().GreaterThan(receipt.RoundingTolerance) {
		// Flagged, not rejected and never silently corrected.
		out.AddFlag(receipt.FlagTotalsMismatch)
	}

	if p := wire.PaymentInfo; p != nil {
		pi := receipt.PaymentInfo{
			CardType:     strings.TrimSpace(p.CardType),
			CardLastFour: strings.TrimSpace(p.CardLastFour),
			AuthCode:     strings.TrimSpace(p.AuthCode),
		}
		if pi != (receipt.PaymentInfo{}) {
			out.PaymentInfo = &pi
		}
	}

	if rp := wire.ReturnPolicy; rp != nil {
		policy := receipt.ReturnPolicy{
			PolicyID: strings.TrimSpace(rp.PolicyID),
			Notes:    strings.TrimSpace(rp.Notes),
		}
		if rp.ReturnWindowDays.bad != "" {
			addViolation("return_policy.return_window_days", "not a number: %s", rp.ReturnWindowDays.bad)
		} else if rp.ReturnWindowDays.set {
			policy.ReturnWindowDays = int(rp.ReturnWindowDays.val.IntPart())
		}
		if exp := strings.TrimSpace(rp.ExpirationDate); exp != "" {
			if d, ok := coerceDate(exp); ok {
				policy.ExpirationDate = d.Format("2006-01-02")
			} else {
				policy.ExpirationDate = exp
			}
		} else if policy.ReturnWindowDays > 0 && !purchaseDate.IsZero() {
			policy.ExpirationDate = purchaseDate.AddDate(0, 0, policy.ReturnWindowDays).Format("2006-01-02")
		}
		if policy != (receipt.ReturnPolicy{}) {
			out.ReturnPolicy = &policy
		}
	}

	if len(violations) > 0 {
		return nil, &receipt.Error{Kind: receipt.KindSchemaViolation, Violations: violations}
	}
	return out, nil
}

// requireDecimal reports a violation when the value is absent or not
// coercible to a decimal.
func requireDecimal(d wireDecimal, field string, addViolation func(string, string, ...any)) (decimal.Decimal, bool) {
	if d.bad != "" {
		addViolation(field, "not a number: %s", d.bad)
		return decimal.Zero, false
	}
	if !d.set {
		addViolation(field, "required")
		return decimal.Zero, false
	}
	return d.val, true
}

func coerceDate(s string) (time.Time, bool) {
	for _, format := range dateFormats {
		if d, err := time.Parse(format, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
