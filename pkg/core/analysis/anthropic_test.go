package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicModel_Complete(t *testing.T) {
	var (
		gotPath    string
		gotHeaders http.Header
		gotReq     anthropicRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"{\"analysis\":{}}"}]}`)
	}))
	defer srv.Close()

	m := NewAnthropicModel("secret", WithAnthropicBaseURL(srv.URL))
	got, err := m.Complete(context.Background(), "grade this")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if want := `{"analysis":{}}`; got != want {
		t.Fatalf("Complete() = %q, want %q", got, want)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("path = %q, want /v1/messages", gotPath)
	}
	if gotHeaders.Get("x-api-key") != "secret" {
		t.Fatalf("x-api-key = %q, want secret", gotHeaders.Get("x-api-key"))
	}
	if gotHeaders.Get("anthropic-version") != "2023-06-01" {
		t.Fatalf("anthropic-version = %q", gotHeaders.Get("anthropic-version"))
	}
	if gotReq.Model != DefaultAnthropicModel {
		t.Fatalf("model = %q, want %q", gotReq.Model, DefaultAnthropicModel)
	}
	if gotReq.MaxTokens != 4000 {
		t.Fatalf("max_tokens = %d, want 4000", gotReq.MaxTokens)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" || gotReq.Messages[0].Content != "grade this" {
		t.Fatalf("messages = %+v, want single user message", gotReq.Messages)
	}
}

func TestAnthropicModel_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	m := NewAnthropicModel("secret", WithAnthropicBaseURL(srv.URL))
	_, err := m.Complete(context.Background(), "p")
	if err == nil {
		t.Fatal("Complete() error = nil, want rate limit error")
	}
	if want := "anthropic api error: rate_limit_error: slow down"; err.Error() != want {
		t.Fatalf("Complete() error = %q, want %q", err, want)
	}
}

func TestAnthropicModel_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[]}`)
	}))
	defer srv.Close()

	m := NewAnthropicModel("secret", WithAnthropicBaseURL(srv.URL))
	_, err := m.Complete(context.Background(), "p")
	if err == nil {
		t.Fatal("Complete() error = nil, want missing content error")
	}
}

func TestNewAnthropicModel_Defaults(t *testing.T) {
	m := NewAnthropicModel("secret")
	if m.Name() != "anthropic" {
		t.Fatalf("Name() = %q, want anthropic", m.Name())
	}
	if m.baseURL != AnthropicBaseURL {
		t.Fatalf("baseURL = %q, want %q", m.baseURL, AnthropicBaseURL)
	}
	if m.model != DefaultAnthropicModel {
		t.Fatalf("model = %q, want %q", m.model, DefaultAnthropicModel)
	}

	m = NewAnthropicModel("secret", WithAnthropicModel(""))
	if m.model != DefaultAnthropicModel {
		t.Fatalf("empty model override changed model to %q", m.model)
	}
	m = NewAnthropicModel("secret", WithAnthropicModel("claude-sonnet-4-20250514"))
	if m.model != "claude-sonnet-4-20250514" {
		t.Fatalf("model = %q, want override", m.model)
	}
}
