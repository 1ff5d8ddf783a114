package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vouch-app/vouch/internal/receipt"
)

// OpenAI implements Provider using the OpenAI chat completions API with a
// vision-capable model.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// NewOpenAI creates an OpenAI Provider.
func NewOpenAI(apiKey, modelName string, maxTokens int, timeout time.Duration) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if modelName == "" {
		modelName = "gpt-4o"
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &OpenAI{
		client:    openai.NewClient(apiKey),
		model:     modelName,
		maxTokens: maxTokens,
		timeout:   timeout,
	}, nil
}

func (o *OpenAI) Name() string { return ProviderOpenAI }

// Analyze sends the prompt and image to OpenAI and returns the raw model
// text.
func (o *OpenAI) Analyze(ctx context.Context, imageBase64, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: prompt},
	}
	if imageBase64 != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: fmt.Sprintf("data:image/png;base64,%s", imageBase64),
			},
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: parts,
			},
		},
	})
	if err != nil {
		return "", o.classify(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", receipt.ProviderError(receipt.KindBackendError, o.Name(), nil, "empty response from openai")
	}
	return resp.Choices[0].Message.Content, nil
}

// Health checks reachability and credentials with a models listing.
func (o *OpenAI) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := o.client.ListModels(ctx)
	return err == nil
}

// Close is a no-op for the OpenAI client.
func (o *OpenAI) Close() error { return nil }

func (o *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(o.Name(), apiErr.HTTPStatusCode, apiErr.Message)
	}
	return receipt.ProviderError(receipt.KindBackendUnavailable, o.Name(), err, "calling openai API")
}
