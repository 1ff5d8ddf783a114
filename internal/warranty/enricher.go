// Package warranty attaches warranty coverage metadata to high-value
// receipt items.
package warranty

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vouch-app/vouch/internal/receipt"
)

// ErrNotFound is returned by a Lookup when no warranty information exists
// for the item.
var ErrNotFound = errors.New("warranty information not found")

// Lookup is the opaque enrichment capability.
type Lookup interface {
	LookupWarranty(ctx context.Context, itemName, storeName string) (*receipt.WarrantyDetails, error)
}

// Enricher enforces the warranty presence rule: items at or above the price
// threshold carry warranty details or an explicit lookup-failure flag; items
// below it never carry details.
type Enricher struct {
	lookup  Lookup
	timeout time.Duration
}

// NewEnricher creates an Enricher. A nil lookup disables lookups; the
// presence rule for low-value items is still enforced.
func NewEnricher(lookup Lookup, timeout time.Duration) *Enricher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Enricher{lookup: lookup, timeout: timeout}
}

// Enrich applies the presence rule to every item, running lookups
// concurrently across items (they are independent of each other). Lookup
// failures are non-fatal: the item is flagged and the receipt proceeds to
// storage. The returned bool reports partial success.
func (e *Enricher) Enrich(ctx context.Context, r *receipt.Receipt) bool {
	var pending []int
	for i := range r.Items {
		item := &r.Items[i]
		if item.UnitPrice.LessThan(receipt.WarrantyThreshold) {
			// Hard invariant: never present below the threshold.
			item.WarrantyDetails = nil
			continue
		}
		if item.WarrantyDetails == nil {
			pending = append(pending, i)
		}
	}

	if len(pending) == 0 {
		return false
	}
	if e.lookup == nil {
		for _, i := range pending {
			r.AddFlag(receipt.WarrantyLookupFailedFlag(i))
		}
		return true
	}

	results := make([]*receipt.WarrantyDetails, len(pending))
	errs := make([]error, len(pending))

	var wg sync.WaitGroup
	for slot, i := range pending {
		wg.Add(1)
		go func(slot, i int) {
			defer wg.Done()
			lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			results[slot], errs[slot] = e.lookup.LookupWarranty(lookupCtx, r.Items[i].Name, r.TransactionInfo.StoreName)
		}(slot, i)
	}
	wg.Wait()

	partial := false
	for slot, i := range pending {
		if errs[slot] != nil || results[slot] == nil {
			if errs[slot] != nil && !errors.Is(errs[slot], ErrNotFound) {
				slog.Warn("warranty lookup failed",
					"item", r.Items[i].Name,
					"store", r.TransactionInfo.StoreName,
					"error", errs[slot],
				)
			}
			r.AddFlag(receipt.WarrantyLookupFailedFlag(i))
			partial = true
			continue
		}
		r.Items[i].WarrantyDetails = results[slot]
	}
	return partial
}
