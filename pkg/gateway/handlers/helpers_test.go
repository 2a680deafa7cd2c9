package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/vox-go/vox-relay/pkg/gateway/config"
)

// fakeProvider scripts the upstream REST surface the handlers depend on.
type fakeProvider struct {
	mu       sync.Mutex
	agentIDs []string

	signedURL      string
	conversationID string
	signErr        error

	conversation func(conversationID string) (map[string]any, error)
}

func (f *fakeProvider) SignedURL(ctx context.Context, agentID string) (string, string, error) {
	f.mu.Lock()
	f.agentIDs = append(f.agentIDs, agentID)
	f.mu.Unlock()
	if f.signErr != nil {
		return "", "", f.signErr
	}
	return f.signedURL, f.conversationID, nil
}

func (f *fakeProvider) Conversation(ctx context.Context, conversationID string) (map[string]any, error) {
	if f.conversation == nil {
		return map[string]any{}, nil
	}
	return f.conversation(conversationID)
}

func (f *fakeProvider) signedAgentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.agentIDs...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.UpstreamAPIKey = "xi_test"
	cfg.DefaultAgentID = "agent_default"
	cfg.NotifyAgentID = "agent_notify"
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return m
}

// errorType pulls the error type out of an error envelope response.
func errorType(t *testing.T, body map[string]any) string {
	t.Helper()
	env, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	typ, _ := env["type"].(string)
	return typ
}
