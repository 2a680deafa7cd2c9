package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vox-go/vox-relay/pkg/core"
	"github.com/vox-go/vox-relay/pkg/gateway/config"
	"github.com/vox-go/vox-relay/pkg/gateway/live/protocol"
	"github.com/vox-go/vox-relay/pkg/gateway/live/registry"
	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
	"github.com/vox-go/vox-relay/pkg/gateway/mw"
)

// UpstreamProvider is the conversational-AI REST surface the call-lifecycle
// endpoints depend on.
type UpstreamProvider interface {
	SignedURL(ctx context.Context, agentID string) (signedURL, conversationID string, err error)
	Conversation(ctx context.Context, conversationID string) (map[string]any, error)
}

// InitiateCallHandler provisions an outbound call: it fetches a signed
// upstream URL and registers a pending conversation the relay socket later
// claims.
type InitiateCallHandler struct {
	Config   config.Config
	Provider UpstreamProvider
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type initiateCallRequest struct {
	UserID       string `json:"user_id"`
	AgentID      string `json:"agent_id"`
	FirstMessage string `json:"first_message"`
	Language     string `json:"language"`
}

func (h InitiateCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("failed to read request body"), http.StatusBadRequest)
		return
	}
	var req initiateCallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid json body"), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id"), http.StatusBadRequest)
		return
	}

	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = h.Config.DefaultAgentID
	}
	firstMessage := req.FirstMessage
	if firstMessage == "" {
		firstMessage = h.Config.DefaultFirstMessage
	}
	language := req.Language
	if language == "" {
		language = h.Config.DefaultLanguage
	}

	signedURL, conversationID, err := h.Provider.SignedURL(r.Context(), agentID)
	if err != nil {
		h.Logger.Error("signed url fetch failed",
			"request_id", reqID,
			"user_id", req.UserID,
			"agent_id", agentID,
			"error", err)
		h.Metrics.RecordError("provision", "signed_url")
		writeProvisioningError(w, err)
		return
	}
	if conversationID == "" {
		conversationID = fmt.Sprintf("conv_%s_%d", req.UserID, time.Now().Unix())
	}

	h.Registry.Put(registry.Conversation{
		ID:           conversationID,
		UserID:       req.UserID,
		AgentID:      agentID,
		Status:       registry.StatusPending,
		FirstMessage: firstMessage,
		Language:     language,
		SignedURL:    signedURL,
		NeedsPersist: true,
		CreatedAt:    time.Now(),
	})
	h.Logger.Info("call initiated",
		"request_id", reqID,
		"conversation_id", conversationID,
		"user_id", req.UserID,
		"agent_id", agentID)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": conversationID,
		"status":          "pending",
	})
}

// writeProvisioningError relays a failed signed-URL fetch. The response is a
// flat {"error": ...} body under the upstream's own HTTP status; browser
// callers match on that exact shape.
func writeProvisioningError(w http.ResponseWriter, err error) {
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr.UpstreamStatus != 0 {
		writeJSON(w, coreErr.UpstreamStatus, map[string]any{
			"error": "Failed to get signed URL: " + coreErr.Message,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

// EndCallHandler hangs up an active conversation from the HTTP side. The
// relay session observes the client disconnect and winds down on its own.
type EndCallHandler struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (h EndCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation_id")

	conv, ok := h.Registry.Get(conversationID)
	if !ok {
		h.Logger.Warn("end-call for unknown conversation", "conversation_id", conversationID)
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Conversation not found"})
		return
	}

	switch {
	case conv.EndSignal != nil:
		// Deliver through the session so its own teardown notice is
		// suppressed and the client sees a single end_call.
		conv.EndSignal()
	case conv.Client != nil:
		if err := conv.Client.WriteJSON(protocol.EndCall{Type: protocol.TypeEndCall}); err != nil {
			h.Logger.Warn("end_call notice not delivered", "conversation_id", conversationID, "error", err)
		}
	}
	h.Registry.Delete(conversationID)
	h.Logger.Info("conversation ended by operator", "conversation_id", conversationID)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
