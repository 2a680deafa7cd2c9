// Package relay drives one live conversation: a browser socket on one side,
// the upstream conversational-AI socket on the other. A session performs the
// upstream handshake, then runs two pumps until both sockets are done. Audio
// crosses as binary PCM on the client side and base64 JSON on the upstream
// side; everything else is forwarded opaquely.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vox-go/vox-relay/pkg/core/providers/elevenlabs"
	"github.com/vox-go/vox-relay/pkg/gateway/live/protocol"
	"github.com/vox-go/vox-relay/pkg/gateway/live/registry"
	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
	"github.com/vox-go/vox-relay/pkg/gateway/store"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	// Close reason on the upstream socket when the browser side goes away.
	upstreamCloseReason = "Client disconnected"

	// Close reason on the client socket when the handshake times out.
	handshakeTimeoutReason = "Timeout waiting for ElevenLabs response"
)

// ClientSocket is the browser-facing connection surface the session drives.
// WriteMessage must be safe for concurrent use; wrap a raw *websocket.Conn
// with NewClientConn to get that.
type ClientSocket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// UpstreamSocket is the upstream connection surface the session drives.
// *elevenlabs.LiveConn satisfies it.
type UpstreamSocket interface {
	Handshake(timeout time.Duration) (metadata []byte, conversationID string, err error)
	SendInitiation(firstMessage, systemPrompt string) error
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Deps carries everything a Session needs.
type Deps struct {
	Client   ClientSocket
	Upstream UpstreamSocket
	Registry *registry.Registry
	Store    store.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// DefaultFirstMessage opens the call when the record carries no greeting.
	DefaultFirstMessage string
}

// Session relays one conversation between a client and the upstream.
type Session struct {
	conversationID string
	deps           Deps

	// endSignalled dedupes the end-of-call notice: set when the client asks
	// to end the call, when the upstream pump notifies the client, or when a
	// drain is tearing the session down. The client never sees two notices.
	endSignalled atomic.Bool
	clientOnce   sync.Once
}

// New creates a relay session for a conversation already present in the
// registry. The id may still be provisional; the handshake rekeys it.
func New(conversationID string, deps Deps) *Session {
	if deps.HandshakeTimeout <= 0 {
		deps.HandshakeTimeout = defaultHandshakeTimeout
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = defaultWriteTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{conversationID: conversationID, deps: deps}
}

// ConversationID returns the session's current conversation id. It is the
// canonical id once the handshake has completed.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Run performs the upstream handshake, then relays until both pumps finish.
// It always cleans up: the registry record is removed, the client socket
// closed, and session metrics recorded. Cancelling ctx tears the session
// down by closing both sockets.
func (s *Session) Run(ctx context.Context) {
	start := time.Now()
	status := "completed"
	s.deps.Metrics.RecordSessionStart()
	defer func() {
		s.deps.Registry.Delete(s.conversationID)
		s.closeClient(websocket.CloseNormalClosure, "")
		s.deps.Metrics.RecordSessionEnd(status, time.Since(start))
		s.deps.Logger.Info("relay session finished",
			"conversation_id", s.conversationID,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	if err := s.handshake(ctx); err != nil {
		status = "handshake_failed"
		return
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			// Draining: suppress the end notice and unblock both pumps.
			s.endSignalled.Store(true)
			_ = s.deps.Upstream.Close(websocket.CloseGoingAway, "server draining")
			s.closeClient(websocket.CloseGoingAway, "server draining")
		case <-watchDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.deps.Logger.Error("client pump panicked", "conversation_id", s.conversationID, "panic", r)
				s.deps.Metrics.RecordError("relay", "panic")
			}
			_ = s.deps.Upstream.Close(websocket.CloseNormalClosure, upstreamCloseReason)
		}()
		s.clientPump()
	}()
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.deps.Logger.Error("upstream pump panicked", "conversation_id", s.conversationID, "panic", r)
				s.deps.Metrics.RecordError("relay", "panic")
			}
			s.notifyEnd()
		}()
		s.upstreamPump()
	}()
	wg.Wait()
}

// handshake runs the pre-relay sequence: bounded metadata read, verbatim
// forward to the client, registry rekey, storage write-through, initiation
// config upstream. Any failure closes the client with 1001 and a reason.
func (s *Session) handshake(ctx context.Context) error {
	metadata, canonicalID, err := s.deps.Upstream.Handshake(s.deps.HandshakeTimeout)
	if err != nil {
		reason := "Error: " + err.Error()
		if errors.Is(err, elevenlabs.ErrHandshakeTimeout) {
			reason = handshakeTimeoutReason
		}
		s.deps.Logger.Error("upstream handshake failed", "conversation_id", s.conversationID, "error", err)
		s.deps.Metrics.RecordError("relay", "handshake")
		s.closeClient(websocket.CloseGoingAway, reason)
		_ = s.deps.Upstream.Close(websocket.CloseNormalClosure, "")
		return err
	}

	// The browser sees the same initiation metadata the upstream sent.
	if err := s.deps.Client.WriteMessage(websocket.TextMessage, metadata); err != nil {
		s.deps.Logger.Warn("client went away during handshake", "conversation_id", s.conversationID, "error", err)
		_ = s.deps.Upstream.Close(websocket.CloseNormalClosure, upstreamCloseReason)
		return err
	}

	if canonicalID != "" && canonicalID != s.conversationID {
		if err := s.deps.Registry.Rename(s.conversationID, canonicalID); err != nil {
			s.deps.Logger.Error("conversation rekey failed",
				"conversation_id", s.conversationID,
				"canonical_id", canonicalID,
				"error", err)
		} else {
			s.deps.Logger.Info("conversation rekeyed",
				"conversation_id", canonicalID,
				"provisional_id", s.conversationID)
			s.conversationID = canonicalID
		}
	}

	if conv, ok := s.deps.Registry.Get(s.conversationID); ok && conv.NeedsPersist {
		details := map[string]any{
			"status":        "active",
			"agent_id":      conv.AgentID,
			"first_message": conv.FirstMessage,
			"started_at":    time.Now().Unix(),
		}
		if err := s.deps.Store.StoreConversation(ctx, s.conversationID, conv.UserID, details); err != nil {
			s.deps.Logger.Error("conversation write-through failed",
				"conversation_id", s.conversationID,
				"user_id", conv.UserID,
				"error", err)
			s.deps.Metrics.RecordError("store", "write")
		} else {
			s.deps.Registry.ClearNeedsPersist(s.conversationID)
		}
	}

	conv, _ := s.deps.Registry.Get(s.conversationID)
	firstMessage := conv.FirstMessage
	if firstMessage == "" {
		firstMessage = s.deps.DefaultFirstMessage
	}
	if err := s.deps.Upstream.SendInitiation(firstMessage, conv.SystemPrompt); err != nil {
		s.deps.Logger.Error("initiation config write failed", "conversation_id", s.conversationID, "error", err)
		s.deps.Metrics.RecordError("relay", "handshake")
		s.closeClient(websocket.CloseGoingAway, "Error: "+err.Error())
		_ = s.deps.Upstream.Close(websocket.CloseNormalClosure, "")
		return err
	}
	return nil
}

// clientPump drains the browser socket. Binary frames are PCM audio for the
// upstream; text frames are control messages. Returns on disconnect, an
// end_call request, or an upstream write failure.
func (s *Session) clientPump() {
	log := s.deps.Logger.With("conversation_id", s.conversationID, "pump", "client")
	for {
		messageType, data, err := s.deps.Client.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				log.Info("client disconnected")
			} else {
				log.Warn("client read failed", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(data)%2 != 0 {
				// Not 16-bit PCM; a torn frame would corrupt playback upstream.
				log.Warn("dropping audio chunk with odd byte length", "size", len(data))
				s.deps.Metrics.RecordError("relay", "bad_audio")
				continue
			}
			msg := protocol.NewAudioMessage(base64.StdEncoding.EncodeToString(data))
			if err := s.deps.Upstream.WriteJSON(msg); err != nil {
				log.Warn("upstream write failed", "error", err)
				return
			}
			s.deps.Metrics.RecordAudio(metrics.DirToUpstream, len(data))
			s.deps.Metrics.RecordMessage(metrics.DirToUpstream, protocol.TypeAudio)

		case websocket.TextMessage:
			decoded, err := protocol.DecodeClientMessage(data)
			if err != nil {
				log.Warn("dropping client message", "error", err)
				continue
			}
			switch msg := decoded.(type) {
			case protocol.ClientEndCall:
				log.Info("client requested end of call")
				s.endSignalled.Store(true)
				return
			case protocol.ClientContextualUpdate:
				update := map[string]any{"type": protocol.TypeContextualUpdate, "text": msg.Text}
				if err := s.deps.Upstream.WriteJSON(update); err != nil {
					log.Warn("upstream write failed", "error", err)
					return
				}
				s.deps.Metrics.RecordMessage(metrics.DirToUpstream, protocol.TypeContextualUpdate)
			case protocol.ClientAudio:
				chunk := protocol.UserAudioChunk{UserAudioChunk: msg.AudioEvent.AudioBase64}
				if err := s.deps.Upstream.WriteJSON(chunk); err != nil {
					log.Warn("upstream write failed", "error", err)
					return
				}
				s.deps.Metrics.RecordMessage(metrics.DirToUpstream, protocol.TypeAudio)
			}
		}
	}
}

// upstreamPump drains the upstream socket. Pings are answered on the
// upstream connection before the next message is read; audio is decoded to
// binary for the client; everything else is forwarded verbatim.
func (s *Session) upstreamPump() {
	log := s.deps.Logger.With("conversation_id", s.conversationID, "pump", "upstream")
	for {
		_, data, err := s.deps.Upstream.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				log.Info("upstream connection closed")
			} else {
				log.Warn("upstream read failed", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeUpstreamMessage(data)
		if err != nil {
			log.Warn("dropping undecodable upstream frame", "error", err)
			s.deps.Metrics.RecordError("relay", "bad_upstream_frame")
			continue
		}

		switch msg.Type {
		case protocol.TypePing:
			if msg.Ping == nil {
				break // no ping_event; forwarded verbatim like any other frame
			}
			if msg.Ping.EventID == nil {
				log.Warn("dropping ping without event id")
				continue
			}
			if err := s.deps.Upstream.WriteJSON(protocol.NewPong(*msg.Ping.EventID)); err != nil {
				log.Warn("pong write failed", "error", err)
				return
			}
			s.deps.Metrics.RecordMessage(metrics.DirToUpstream, protocol.TypePong)
			continue

		case protocol.TypeAudio:
			if msg.Audio == nil {
				break // no audio_event; forwarded verbatim
			}
			raw, decErr := base64.StdEncoding.DecodeString(msg.Audio.AudioBase64)
			if decErr != nil {
				log.Warn("dropping audio event with bad base64", "error", decErr)
				s.deps.Metrics.RecordError("relay", "bad_audio")
				continue
			}
			if err := s.deps.Client.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				log.Warn("client write failed", "error", err)
				return
			}
			s.deps.Metrics.RecordAudio(metrics.DirToClient, len(raw))
			s.deps.Metrics.RecordMessage(metrics.DirToClient, protocol.TypeAudio)
			continue
		}

		if msg.Type == protocol.TypeError {
			log.Error("upstream reported error", "payload", string(data))
			s.deps.Metrics.RecordError("upstream", protocol.TypeError)
		}
		if err := s.deps.Client.WriteMessage(websocket.TextMessage, msg.Raw); err != nil {
			log.Warn("client write failed", "error", err)
			return
		}
		s.deps.Metrics.RecordMessage(metrics.DirToClient, msg.Type)
	}
}

// SignalEnd pushes the end-of-call notice to the client immediately, for
// callers outside the session such as the operator hangup endpoint. The
// dedupe flag is shared with the pumps, so the client still sees at most
// one notice per session.
func (s *Session) SignalEnd() {
	s.signalEnd(protocol.EndCall{Type: protocol.TypeEndCall})
}

// notifyEnd tells the client the call is over, at most once per session.
func (s *Session) notifyEnd() {
	s.signalEnd(protocol.EndCall{Type: protocol.TypeEndCall, Reason: "connection_closed"})
}

func (s *Session) signalEnd(notice protocol.EndCall) {
	if s.endSignalled.Swap(true) {
		return
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := s.deps.Client.WriteMessage(websocket.TextMessage, data); err != nil {
		s.deps.Logger.Debug("end notice not delivered", "conversation_id", s.conversationID, "error", err)
	}
}

// closeClient closes the browser socket once, with a close frame first.
func (s *Session) closeClient(code int, reason string) {
	s.clientOnce.Do(func() {
		deadline := time.Now().Add(s.deps.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.deps.Client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.deps.Client.Close()
	})
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
