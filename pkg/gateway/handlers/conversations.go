package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vox-go/vox-relay/pkg/core"
	"github.com/vox-go/vox-relay/pkg/core/analysis"
	"github.com/vox-go/vox-relay/pkg/gateway/config"
	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
	"github.com/vox-go/vox-relay/pkg/gateway/mw"
	"github.com/vox-go/vox-relay/pkg/gateway/store"
)

// TranscriptAnalyzer scores a finished conversation against the agent's
// evaluation criteria. Analysis failures come back as a structured payload,
// never an error.
type TranscriptAnalyzer interface {
	Analyze(ctx context.Context, transcript []analysis.Turn, agentID string) map[string]any
}

// ConversationsHandler serves a user's call history, enriched with the
// upstream's view of each conversation and a transcript analysis.
type ConversationsHandler struct {
	Config   config.Config
	Store    store.Store
	Provider UpstreamProvider
	Analyzer TranscriptAnalyzer // nil disables analysis
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	userID := r.PathValue("user_id")

	records, err := h.Store.UserConversations(r.Context(), userID, h.Config.HistoryLimit)
	if err != nil {
		h.Logger.Error("history read failed", "request_id", reqID, "user_id", userID, "error", err)
		h.Metrics.RecordError("history", "store_read")
		writeCoreErrorJSON(w, reqID, core.NewAPIError("failed to load conversation history"), http.StatusInternalServerError)
		return
	}

	conversations := make([]map[string]any, len(records))
	var wg sync.WaitGroup
	for i, rec := range records {
		conversations[i] = map[string]any{
			"conversation_id":      rec.ConversationID,
			"user_id":              rec.UserID,
			"conversation_details": rec.Details,
			"created_at":           rec.CreatedAt,
		}
		wg.Add(1)
		go func(conv map[string]any, conversationID string) {
			defer wg.Done()
			conv["elevenlabs_details"] = h.enrich(r.Context(), conversationID)
		}(conversations[i], rec.ConversationID)
	}
	wg.Wait()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"conversations": conversations,
	})
}

// enrich fetches the upstream's record of one conversation, simplifies its
// transcript, and attaches the transcript analysis. Failures degrade to an
// error payload for that conversation only; the endpoint itself never fails
// on upstream trouble.
func (h ConversationsHandler) enrich(ctx context.Context, conversationID string) map[string]any {
	detail, err := h.Provider.Conversation(ctx, conversationID)
	if err != nil {
		h.Logger.Warn("upstream conversation fetch failed", "conversation_id", conversationID, "error", err)
		h.Metrics.RecordError("history", "upstream_fetch")
		var coreErr *core.Error
		if errors.As(err, &coreErr) && coreErr.UpstreamStatus != 0 {
			return map[string]any{
				"error":   fmt.Sprintf("API error: %d", coreErr.UpstreamStatus),
				"details": coreErr.Message,
			}
		}
		return map[string]any{"error": err.Error()}
	}

	transcript, ok := simplifyTranscript(detail)
	if !ok {
		return detail
	}
	detail["transcript"] = transcript

	if h.Analyzer == nil {
		return detail
	}
	agentID := dynamicAgentID(detail)
	if agentID == "" {
		h.Logger.Warn("conversation detail names no agent", "conversation_id", conversationID)
		detail["claude_analysis"] = map[string]any{"error": "No agent ID found"}
		return detail
	}
	detail["claude_analysis"] = h.Analyzer.Analyze(ctx, toTurns(transcript), agentID)
	return detail
}

// simplifyTranscript reduces the upstream transcript to role/message pairs,
// dropping entries whose message is null. ok reports whether the payload had
// a transcript at all.
func simplifyTranscript(detail map[string]any) ([]map[string]any, bool) {
	raw, ok := detail["transcript"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := m["message"].(string)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		out = append(out, map[string]any{"role": role, "message": msg})
	}
	return out, true
}

// dynamicAgentID digs the agent id out of the conversation's initiation data.
func dynamicAgentID(detail map[string]any) string {
	initData, _ := detail["conversation_initiation_client_data"].(map[string]any)
	vars, _ := initData["dynamic_variables"].(map[string]any)
	id, _ := vars["system__agent_id"].(string)
	return id
}

func toTurns(transcript []map[string]any) []analysis.Turn {
	turns := make([]analysis.Turn, 0, len(transcript))
	for _, item := range transcript {
		role, _ := item["role"].(string)
		msg, _ := item["message"].(string)
		turns = append(turns, analysis.Turn{Role: role, Message: msg})
	}
	return turns
}
