package extract

import (
	"context"
	"fmt"
	"time"
)

// ReceiptPrompt is the shared prompt used by all provider variants. Provider
// choice must not change the demanded output shape, only who answers it.
const ReceiptPrompt = `You are analyzing a purchase receipt image. Carefully read all text in the image and extract every field below.

Return ONLY valid JSON in this exact format:
{
  "transaction_info": {
    "store_name": "Store Name",
    "store_address": "123 Main St",
    "store_phone": "555-0100",
    "purchase_date": "YYYY-MM-DD",
    "purchase_time": "HH:MM",
    "cashier": "Cashier name or ID",
    "transaction_id": "Transaction number"
  },
  "items": [
    {
      "upc": "012345678905",
      "name": "Product name",
      "quantity": 1,
      "unit_price": 0.00,
      "line_total": 0.00,
      "serial_number": "Serial or SKU if printed"
    }
  ],
  "totals": {
    "subtotal": 0.00,
    "tax": 0.00,
    "grand_total": 0.00
  },
  "payment_info": {
    "card_type": "VISA",
    "card_last_four": "1234",
    "auth_code": "Approval code"
  },
  "return_policy": {
    "policy_id": "Policy number",
    "return_window_days": 30,
    "expiration_date": "YYYY-MM-DD",
    "notes": "Policy text"
  }
}

Important:
- List items in the order they appear on the receipt, top to bottom
- store_name and purchase_date are required; use null for any other field you cannot find
- purchase_date must be in YYYY-MM-DD format
- All prices must be numbers (not strings), representing dollars and cents
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// Provider is the extraction capability. Each variant differs only in
// request shaping and in how it classifies backend failures; the prompt and
// the demanded output shape are identical across variants.
type Provider interface {
	// Name identifies the variant for error attribution.
	Name() string

	// Analyze sends the prompt (and image, when imageBase64 is non-empty)
	// to the backend and returns the raw model text. One round trip, no
	// retries at this layer.
	Analyze(ctx context.Context, imageBase64, prompt string) (string, error)

	// Health is a lightweight reachability/credential check used only for
	// status reporting. It never gates extraction.
	Health(ctx context.Context) bool

	// Close releases backend resources.
	Close() error
}

// Provider variant names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config selects and parameterizes the provider variant. It is built once
// at process start and passed in; changing it requires a restart.
type Config struct {
	Provider string // ollama, openai or gemini; ollama is the default

	OllamaURL   string
	OllamaModel string

	OpenAIKey       string
	OpenAIModel     string
	OpenAIMaxTokens int

	GeminiKey   string
	GeminiModel string

	// Timeout bounds a single Analyze round trip. Zero selects the
	// variant's default (local models get a longer one).
	Timeout time.Duration
}

// NewProvider constructs the configured variant. Selection is a pure
// configuration lookup; there is no runtime fallback between variants.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.Timeout)
	case ProviderOpenAI:
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIMaxTokens, cfg.Timeout)
	case ProviderGemini:
		return NewGemini(cfg.GeminiKey, cfg.GeminiModel, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown provider %q (valid: ollama, openai, gemini)", cfg.Provider)
	}
}
