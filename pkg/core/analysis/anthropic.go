package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// AnthropicBaseURL is the default Anthropic Messages API endpoint.
	AnthropicBaseURL = "https://api.anthropic.com"

	// anthropicVersion is the required Anthropic API version header.
	anthropicVersion = "2023-06-01"

	// DefaultAnthropicModel grades transcripts unless configured otherwise.
	DefaultAnthropicModel = "claude-3-7-sonnet-20250219"

	// analysisMaxTokens caps the reply; verdicts for long transcripts fit
	// comfortably under it.
	analysisMaxTokens = 4000
)

// AnthropicModel runs analysis prompts through the Anthropic Messages API.
type AnthropicModel struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// AnthropicOption configures an AnthropicModel.
type AnthropicOption func(*AnthropicModel)

// WithAnthropicBaseURL overrides the API endpoint.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(m *AnthropicModel) {
		m.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAnthropicModel overrides the model identifier.
func WithAnthropicModel(model string) AnthropicOption {
	return func(m *AnthropicModel) {
		if model != "" {
			m.model = model
		}
	}
}

// WithAnthropicHTTPClient overrides the HTTP client.
func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(m *AnthropicModel) {
		m.httpClient = client
	}
}

// NewAnthropicModel creates the default analysis backend.
func NewAnthropicModel(apiKey string, opts ...AnthropicOption) *AnthropicModel {
	m := &AnthropicModel{
		apiKey:  apiKey,
		baseURL: AnthropicBaseURL,
		model:   DefaultAnthropicModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the backend identifier.
func (m *AnthropicModel) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends the prompt as a single user message and returns the text of
// the first content block.
func (m *AnthropicModel) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     m.model,
		MaxTokens: analysisMaxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", m.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", m.parseError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("anthropic response has no content blocks")
	}
	return parsed.Content[0].Text, nil
}

// parseError turns a non-2xx reply into an error carrying the API's own
// message when one is present.
func (m *AnthropicModel) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var apiErr struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("anthropic api error: %s: %s", apiErr.Error.Type, apiErr.Error.Message)
	}
	return fmt.Errorf("anthropic api error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
