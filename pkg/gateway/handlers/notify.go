package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vox-go/vox-relay/pkg/core"
	"github.com/vox-go/vox-relay/pkg/gateway/config"
	"github.com/vox-go/vox-relay/pkg/gateway/lifecycle"
	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
	"github.com/vox-go/vox-relay/pkg/gateway/mw"
	"github.com/vox-go/vox-relay/pkg/gateway/notify"
)

// NotificationSocketHandler handles /ws/notifications/{user_id}: the per-user
// push channel incoming-call notifications are delivered on.
type NotificationSocketHandler struct {
	Config    config.Config
	Hub       *notify.Hub
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
}

func (h NotificationSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	userID := r.PathValue("user_id")

	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "server is draining", Code: "draining", RequestID: reqID}, http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return wsOriginAllowed(h.Config, r) },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	// The greeting goes out before hub registration so the hub is the only
	// writer once pushes can arrive.
	_ = ws.SetWriteDeadline(time.Now().Add(h.Config.WSWriteTimeout))
	if err := ws.WriteJSON(map[string]string{
		"type":    "connection_established",
		"message": "WebSocket connection established successfully",
	}); err != nil {
		return
	}

	release := h.Hub.Register(userID, ws)
	defer release()
	h.Metrics.RecordNotifyOpen()
	defer h.Metrics.RecordNotifyClose()
	h.Logger.Info("notification socket connected", "request_id", reqID, "user_id", userID)

	// Inbound frames are keep-alives only; read until the peer goes away.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.Logger.Info("notification socket disconnected", "user_id", userID)
}
