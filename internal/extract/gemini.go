package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/vouch-app/vouch/internal/receipt"
)

// Gemini implements Provider using Google Gemini.
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a Gemini Provider.
func NewGemini(apiKey, modelName string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:  client,
		model:   client.GenerativeModel(modelName),
		timeout: timeout,
	}, nil
}

func (g *Gemini) Name() string { return ProviderGemini }

// Analyze sends the prompt and image to Gemini and returns the raw model
// text.
func (g *Gemini) Analyze(ctx context.Context, imageBase64, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := []genai.Part{genai.Text(prompt)}
	if imageBase64 != "" {
		imageData, err := base64.StdEncoding.DecodeString(imageBase64)
		if err != nil {
			return "", receipt.ProviderError(receipt.KindBackendError, g.Name(), err, "decoding image payload")
		}
		parts = append(parts, genai.ImageData("png", imageData))
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", g.classify(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", receipt.ProviderError(receipt.KindBackendError, g.Name(), nil, "empty response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", receipt.ProviderError(receipt.KindBackendError, g.Name(), nil, "no text parts in gemini response")
	}
	return text.String(), nil
}

// Health checks reachability and credentials with a models listing.
func (g *Gemini) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	it := g.client.ListModels(ctx)
	_, err := it.Next()
	return err == nil || errors.Is(err, iterator.Done)
}

// Close closes the Gemini client.
func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(g.Name(), apiErr.Code, apiErr.Message)
	}
	return receipt.ProviderError(receipt.KindBackendUnavailable, g.Name(), err, "calling gemini API")
}
