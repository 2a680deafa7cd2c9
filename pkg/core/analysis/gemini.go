package analysis

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultGeminiModel grades transcripts when the gemini backend is selected
// without an explicit model.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiModel runs analysis prompts through the Gemini API.
type GeminiModel struct {
	client *genai.Client
	model  string
}

// NewGeminiModel creates the Gemini analysis backend.
func NewGeminiModel(ctx context.Context, apiKey, model string) (*GeminiModel, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiModel{client: client, model: model}, nil
}

// Name returns the backend identifier.
func (m *GeminiModel) Name() string {
	return "gemini"
}

// Complete sends the prompt and returns the concatenated reply text.
func (m *GeminiModel) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Models.GenerateContent(ctx, m.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini response has no text")
	}
	return text, nil
}
