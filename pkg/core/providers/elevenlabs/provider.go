// Package elevenlabs talks to the ElevenLabs Conversational AI platform: the
// REST surface for signed URLs, agent configuration, and conversation
// transcripts, and the live WebSocket used during an active call.
package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vox-go/vox-relay/pkg/core"
)

// DefaultBaseURL is the default ElevenLabs API endpoint.
const DefaultBaseURL = "https://api.elevenlabs.io"

// Client implements the ElevenLabs Conversational AI REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a new ElevenLabs client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return "elevenlabs"
}

// SignedURL requests a one-time signed WebSocket URL for the agent. The
// upstream embeds the conversation id in the URL's query string; the second
// return value is empty when it does not, and callers fall back to a
// provisional id.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, string, error) {
	query := url.Values{"agent_id": []string{agentID}}
	body, err := c.get(ctx, "/v1/convai/conversation/get_signed_url?"+query.Encode())
	if err != nil {
		return "", "", err
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", fmt.Errorf("decode signed url response: %w", err)
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", "", core.NewAPIError("signed url missing from response")
	}
	return payload.SignedURL, conversationIDFromSignedURL(payload.SignedURL), nil
}

// conversationIDFromSignedURL pulls the conversation id out of the signed
// URL's query string. Empty when the upstream did not include one.
func conversationIDFromSignedURL(signed string) string {
	u, err := url.Parse(signed)
	if err != nil {
		return ""
	}
	return u.Query().Get("conversation_id")
}

// EvaluationCriterion is one success criterion configured on an agent.
type EvaluationCriterion struct {
	Name                   string `json:"name"`
	ConversationGoalPrompt string `json:"conversation_goal_prompt"`
}

// DataCollectionItem describes one datapoint the agent is configured to
// extract from conversations.
type DataCollectionItem struct {
	Description string `json:"description"`
}

// AgentDetail is the subset of the agent configuration the relay consumes.
type AgentDetail struct {
	AgentID          string `json:"agent_id"`
	Name             string `json:"name"`
	PlatformSettings struct {
		Evaluation struct {
			Criteria []EvaluationCriterion `json:"criteria"`
		} `json:"evaluation"`
		DataCollection map[string]DataCollectionItem `json:"data_collection"`
	} `json:"platform_settings"`
}

// Agent fetches the agent configuration.
func (c *Client) Agent(ctx context.Context, agentID string) (AgentDetail, error) {
	var detail AgentDetail
	body, err := c.get(ctx, "/v1/convai/agents/"+url.PathEscape(agentID))
	if err != nil {
		return detail, err
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return detail, fmt.Errorf("decode agent detail: %w", err)
	}
	return detail, nil
}

// Conversation fetches a conversation's details (transcript, metadata,
// analysis) as an opaque document.
func (c *Client) Conversation(ctx context.Context, conversationID string) (map[string]any, error) {
	body, err := c.get(ctx, "/v1/convai/conversations/"+url.PathEscape(conversationID))
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode conversation detail: %w", err)
	}
	return payload, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// setHeaders sets the required ElevenLabs API headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)
}

// elevenLabsError is the error envelope ElevenLabs returns on non-2xx.
// detail is a string on some endpoints and an object on others.
type elevenLabsError struct {
	Detail json.RawMessage `json:"detail"`
}

// parseError turns a non-2xx response into a *core.Error that keeps the
// upstream HTTP status for surfacing.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return core.NewUpstreamError(resp.StatusCode, upstreamErrorMessage(body))
}

func upstreamErrorMessage(body []byte) string {
	var envelope elevenLabsError
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Detail) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Detail, &s); err == nil && strings.TrimSpace(s) != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Detail, &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
			return obj.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "upstream request failed"
	}
	return msg
}
