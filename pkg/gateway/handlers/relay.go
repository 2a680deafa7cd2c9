package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vox-go/vox-relay/pkg/core"
	"github.com/vox-go/vox-relay/pkg/core/providers/elevenlabs"
	"github.com/vox-go/vox-relay/pkg/gateway/config"
	"github.com/vox-go/vox-relay/pkg/gateway/lifecycle"
	"github.com/vox-go/vox-relay/pkg/gateway/live/registry"
	"github.com/vox-go/vox-relay/pkg/gateway/live/relay"
	"github.com/vox-go/vox-relay/pkg/gateway/live/sessions"
	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
	"github.com/vox-go/vox-relay/pkg/gateway/mw"
	"github.com/vox-go/vox-relay/pkg/gateway/store"
)

// UpstreamDialer opens the upstream live socket from a signed URL.
type UpstreamDialer func(ctx context.Context, signedURL string) (relay.UpstreamSocket, error)

// RelayHandler handles /ws/{conversation_id} relay sessions.
type RelayHandler struct {
	Config       config.Config
	Registry     *registry.Registry
	Store        store.Store
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker

	// Dial overrides the upstream dialer. Nil dials the provider directly.
	Dial UpstreamDialer
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	conversationID := r.PathValue("conversation_id")

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

	// Claiming the record marks it active atomically, so a second socket
	// for a live conversation can never start another session or burn the
	// one-time signed URL a second time.
	client := relay.NewClientConn(ws, h.Config.WSWriteTimeout)
	conv, err := h.Registry.Claim(conversationID, client)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrActive):
			h.Logger.Warn("relay socket for a conversation already in session",
				"request_id", reqID,
				"conversation_id", conversationID)
			h.Metrics.RecordError("relay", "conversation_active")
			h.closeWS(ws, websocket.CloseNormalClosure, "Conversation already active")
		default:
			// The id is only checked after the upgrade, so browser clients
			// see a clean close instead of a failed connection attempt.
			h.Logger.Warn("relay socket for unknown conversation",
				"request_id", reqID,
				"conversation_id", conversationID)
			h.Metrics.RecordError("relay", "unknown_conversation")
			h.closeWS(ws, websocket.CloseNormalClosure, "")
		}
		return
	}

	dial := h.Dial
	if dial == nil {
		dial = func(ctx context.Context, signedURL string) (relay.UpstreamSocket, error) {
			return elevenlabs.DialLive(ctx, signedURL)
		}
	}
	upstream, dialErr := dial(r.Context(), conv.SignedURL)
	if dialErr != nil {
		h.Logger.Error("upstream dial failed",
			"request_id", reqID,
			"conversation_id", conversationID,
			"error", dialErr)
		h.Metrics.RecordError("relay", "upstream_dial")
		h.Registry.Delete(conversationID)
		h.closeWS(ws, websocket.CloseGoingAway, "Error: "+dialErr.Error())
		return
	}

	h.Logger.Info("relay session starting",
		"request_id", reqID,
		"conversation_id", conversationID,
		"user_id", conv.UserID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(conversationID, cancel)
	}
	defer unregister()

	s := relay.New(conversationID, relay.Deps{
		Client:              client,
		Upstream:            upstream,
		Registry:            h.Registry,
		Store:               h.Store,
		Metrics:             h.Metrics,
		Logger:              h.Logger,
		HandshakeTimeout:    h.Config.HandshakeTimeout,
		WriteTimeout:        h.Config.WSWriteTimeout,
		DefaultFirstMessage: h.Config.DefaultFirstMessage,
	})
	h.Registry.SetEndSignal(conversationID, s.SignalEnd)
	s.Run(ctx)
}

func (h RelayHandler) closeWS(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(h.Config.WSWriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
