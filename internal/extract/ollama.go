package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vouch-app/vouch/internal/receipt"
)

// Ollama implements Provider against a local Ollama instance.
//
// Recommended vision models (in order of recommendation):
//   - llama3.2-vision (default)
//   - llava:1.6 (good balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
type Ollama struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewOllama creates an Ollama Provider.
func NewOllama(baseURL, modelName string, timeout time.Duration) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llama3.2-vision"
	}
	if timeout == 0 {
		timeout = 120 * time.Second // local vision models are slow
	}

	return &Ollama{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   modelName,
		timeout: timeout,
		client:  &http.Client{},
	}, nil
}

func (o *Ollama) Name() string { return ProviderOllama }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Analyze sends the prompt and image to Ollama's chat API and returns the
// raw model text.
func (o *Ollama) Analyze(ctx context.Context, imageBase64, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	userMsg := ollamaMessage{Role: "user", Content: prompt}
	if imageBase64 != "" {
		userMsg.Images = []string{imageBase64}
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading and extracting information from purchase receipts. You must carefully read all text in images and extract accurate information.",
			},
			userMsg,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", receipt.ProviderError(receipt.KindBackendError, o.Name(), err, "marshaling request")
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", receipt.ProviderError(receipt.KindBackendError, o.Name(), err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", receipt.ProviderError(receipt.KindBackendUnavailable, o.Name(), err, "calling ollama API")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyHTTPStatus(o.Name(), resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", receipt.ProviderError(receipt.KindBackendError, o.Name(), err, "decoding response")
	}

	text := strings.TrimSpace(chatResp.Message.Content)
	if text == "" {
		return "", receipt.ProviderError(receipt.KindBackendError, o.Name(), nil, "empty response from ollama")
	}
	return text, nil
}

// Health checks that the Ollama instance answers.
func (o *Ollama) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close is a no-op for the HTTP client.
func (o *Ollama) Close() error { return nil }

// classifyHTTPStatus maps a backend HTTP status onto a provider error kind.
func classifyHTTPStatus(provider string, status int, body string) error {
	detail := strings.TrimSpace(body)
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return receipt.ProviderError(receipt.KindAuthenticationFailure, provider, nil, "status %d: %s", status, detail)
	case status == http.StatusTooManyRequests:
		return receipt.ProviderError(receipt.KindRateLimited, provider, nil, "status %d: %s", status, detail)
	case status >= 500:
		return receipt.ProviderError(receipt.KindBackendUnavailable, provider, nil, "status %d: %s", status, detail)
	default:
		return receipt.ProviderError(receipt.KindBackendError, provider, nil, "status %d: %s", status, detail)
	}
}
