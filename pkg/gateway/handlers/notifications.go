package handlers

import (
	"encoding/json"
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
	"github.com/vox-go/vox-relay/pkg/gateway/notify"
)

const (
	defaultNotificationTitle = "Incoming Call"
	defaultNotificationBody  = "You have an incoming call. Click to answer."
)

// TriggerNotificationHandler rings a user: it registers a
// pending_notification record and pushes the incoming-call payload to the
// user's notification socket when one is connected.
type TriggerNotificationHandler struct {
	Config   config.Config
	Registry *registry.Registry
	Hub      *notify.Hub
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type triggerNotificationRequest struct {
	UserID            string `json:"user_id"`
	NotificationTitle string `json:"notification_title"`
	NotificationBody  string `json:"notification_body"`
	FirstMessage      string `json:"first_message"`
	SystemPrompt      string `json:"system_prompt"`
}

func (h TriggerNotificationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("failed to read request body"), http.StatusBadRequest)
		return
	}
	var req triggerNotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid json body"), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id"), http.StatusBadRequest)
		return
	}
	if req.NotificationTitle == "" {
		req.NotificationTitle = defaultNotificationTitle
	}
	if req.NotificationBody == "" {
		req.NotificationBody = defaultNotificationBody
	}

	notificationID := fmt.Sprintf("notif_%s_%d", req.UserID, time.Now().Unix())

	h.Registry.Put(registry.Conversation{
		ID:                notificationID,
		UserID:            req.UserID,
		AgentID:           h.Config.NotifyAgentID,
		Status:            registry.StatusPendingNotification,
		FirstMessage:      req.FirstMessage,
		SystemPrompt:      req.SystemPrompt,
		NotificationTitle: req.NotificationTitle,
		NotificationBody:  req.NotificationBody,
		NeedsPersist:      true,
		CreatedAt:         time.Now(),
	})

	delivered := h.Hub.Notify(req.UserID, protocol.Notification{
		Type:           protocol.TypeNotification,
		NotificationID: notificationID,
		Title:          req.NotificationTitle,
		Body:           req.NotificationBody,
		FirstMessage:   req.FirstMessage,
		SystemPrompt:   req.SystemPrompt,
		Status:         string(registry.StatusPendingNotification),
	})
	h.Metrics.RecordNotification(delivered)
	h.Logger.Info("notification triggered",
		"request_id", reqID,
		"notification_id", notificationID,
		"user_id", req.UserID,
		"delivered", delivered)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"notification_id": notificationID,
		"title":           req.NotificationTitle,
		"body":            req.NotificationBody,
		"first_message":   req.FirstMessage,
		"system_prompt":   req.SystemPrompt,
		"status":          string(registry.StatusPendingNotification),
	})
}

// AcceptNotificationHandler turns a ringing notification into a pending
// call: it provisions a signed upstream URL and rekeys the record under its
// provisional conversation id.
type AcceptNotificationHandler struct {
	Provider UpstreamProvider
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (h AcceptNotificationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	notificationID := r.PathValue("notification_id")

	conv, ok := h.Registry.Get(notificationID)
	if !ok {
		writeCoreErrorJSON(w, reqID, core.NewNotFoundError("Notification not found"), http.StatusNotFound)
		return
	}
	if conv.Status != registry.StatusPendingNotification {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("Notification already processed"), http.StatusBadRequest)
		return
	}

	signedURL, conversationID, err := h.Provider.SignedURL(r.Context(), conv.AgentID)
	if err != nil {
		h.Logger.Error("signed url fetch failed",
			"request_id", reqID,
			"notification_id", notificationID,
			"agent_id", conv.AgentID,
			"error", err)
		h.Metrics.RecordError("provision", "signed_url")
		writeErrorFrom(w, r, err)
		return
	}
	if conversationID == "" {
		conversationID = fmt.Sprintf("conv_%s_%s", conv.UserID, conv.AgentID)
	}

	// One lock hold moves the record under its conversation id and flips it
	// to pending: no moment exists where both ids are live or the old key
	// still reads pending_notification. The stored overrides (first_message,
	// system_prompt) ride along unchanged.
	err = h.Registry.Rekey(notificationID, conversationID, func(c *registry.Conversation) {
		c.Status = registry.StatusPending
		c.SignedURL = signedURL
	})
	if err != nil {
		// A concurrent accept won the race after the status check.
		writeCoreErrorJSON(w, reqID, core.NewNotFoundError("Notification not found"), http.StatusNotFound)
		return
	}

	h.Logger.Info("notification accepted",
		"request_id", reqID,
		"notification_id", notificationID,
		"conversation_id", conversationID,
		"user_id", conv.UserID)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": conversationID,
		"status":          string(registry.StatusPending),
		"first_message":   conv.FirstMessage,
		"system_prompt":   conv.SystemPrompt,
	})
}
