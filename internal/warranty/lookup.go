package warranty

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vouch-app/vouch/internal/extract"
	"github.com/vouch-app/vouch/internal/receipt"
)

const lookupPrompt = `You are a warranty research assistant. For the product %q sold by %q, report the manufacturer or store warranty that typically applies.

Return ONLY valid JSON in this exact format:
{
  "found": true,
  "coverage": "What the warranty covers and for how long",
  "requirements": "What the buyer must do to keep the warranty valid",
  "source_url": "https://example.com/warranty"
}

Important:
- Set "found" to false if you do not know of any applicable warranty
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// ProviderLookup answers warranty lookups with a text-only query against the
// extraction provider.
type ProviderLookup struct {
	provider extract.Provider
}

// NewProviderLookup wraps an extraction provider as a warranty Lookup.
func NewProviderLookup(provider extract.Provider) *ProviderLookup {
	return &ProviderLookup{provider: provider}
}

type lookupResponse struct {
	Found        bool   `json:"found"`
	Coverage     string `json:"coverage"`
	Requirements string `json:"requirements"`
	SourceURL    string `json:"source_url"`
}

// LookupWarranty asks the model for warranty coverage of one item.
func (l *ProviderLookup) LookupWarranty(ctx context.Context, itemName, storeName string) (*receipt.WarrantyDetails, error) {
	prompt := fmt.Sprintf(lookupPrompt, itemName, storeName)

	raw, err := l.provider.Analyze(ctx, "", prompt)
	if err != nil {
		return nil, fmt.Errorf("warranty query: %w", err)
	}

	span, ok := extract.JSONSpan(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object in warranty response")
	}

	var resp lookupResponse
	if err := json.Unmarshal([]byte(span), &resp); err != nil {
		return nil, fmt.Errorf("parsing warranty response: %w", err)
	}

	coverage := strings.TrimSpace(resp.Coverage)
	if !resp.Found || coverage == "" {
		return nil, ErrNotFound
	}

	return &receipt.WarrantyDetails{
		Coverage:     coverage,
		Requirements: strings.TrimSpace(resp.Requirements),
		SourceURL:    strings.TrimSpace(resp.SourceURL),
	}, nil
}
