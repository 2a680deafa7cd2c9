// Package protocol defines the JSON message shapes the relay speaks on both
// of its sockets: the browser-facing client connection and the upstream
// conversational-AI connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message type strings shared by both directions.
const (
	TypeAudio            = "audio"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeEndCall          = "end_call"
	TypeContextualUpdate = "contextual_update"
	TypeError            = "error"
	TypeNotification     = "notification"

	TypeInitiationMetadata   = "conversation_initiation_metadata"
	TypeInitiationClientData = "conversation_initiation_client_data"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioEvent carries one base64-encoded PCM chunk.
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

// PingEvent is the upstream keepalive probe. EventID is absent on malformed
// pings; the relay only answers pings that carry one.
type PingEvent struct {
	EventID *int64   `json:"event_id"`
	PingMS  *float64 `json:"ping_ms,omitempty"`
}

// InitiationEvent is the upstream's handshake payload. Only the canonical
// conversation id matters to the relay; the rest is forwarded opaquely.
type InitiationEvent struct {
	ConversationID string `json:"conversation_id"`
}

// Client messages, decoded from text frames on the browser socket.

type ClientEndCall struct {
	Type string `json:"type"`
}

type ClientContextualUpdate struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientAudio struct {
	Type       string     `json:"type"`
	AudioEvent AudioEvent `json:"audio_event"`
}

// DecodeClientMessage decodes one text frame from the client. Unknown types
// and malformed frames come back as *DecodeError; callers drop those and keep
// the session alive.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeEndCall:
		return ClientEndCall{Type: typ}, nil
	case TypeContextualUpdate:
		var msg ClientContextualUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid contextual_update", "")
		}
		if msg.Text == "" {
			return nil, badRequest("contextual_update.text is required", "text")
		}
		return msg, nil
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio message", "")
		}
		if strings.TrimSpace(msg.AudioEvent.AudioBase64) == "" {
			return nil, badRequest("audio.audio_event.audio_base_64 is required", "audio_event.audio_base_64")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// UpstreamMessage is one decoded upstream frame. Raw keeps the original bytes
// so pass-through types reach the client byte-for-byte.
type UpstreamMessage struct {
	Type string
	Raw  []byte

	Ping     *PingEvent
	Audio    *AudioEvent
	Metadata *InitiationEvent
}

// DecodeUpstreamMessage decodes one upstream frame. Frames without a type and
// unparseable JSON are errors; unknown types decode fine and are forwarded
// verbatim by the caller.
func DecodeUpstreamMessage(data []byte) (*UpstreamMessage, error) {
	var envelope struct {
		Type     string           `json:"type"`
		Ping     *PingEvent       `json:"ping_event"`
		Audio    *AudioEvent      `json:"audio_event"`
		Metadata *InitiationEvent `json:"conversation_initiation_metadata_event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}
	msg := &UpstreamMessage{Type: typ, Raw: data}
	switch typ {
	case TypePing:
		msg.Ping = envelope.Ping
	case TypeAudio:
		msg.Audio = envelope.Audio
	case TypeInitiationMetadata:
		msg.Metadata = envelope.Metadata
	}
	return msg, nil
}

// Relay-originated messages.

// Pong answers an upstream ping, echoing its event id.
type Pong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

func NewPong(eventID int64) Pong {
	return Pong{Type: TypePong, EventID: eventID}
}

// AudioMessage wraps a binary client chunk for the upstream socket.
type AudioMessage struct {
	Type       string     `json:"type"`
	AudioEvent AudioEvent `json:"audio_event"`
}

func NewAudioMessage(b64 string) AudioMessage {
	return AudioMessage{Type: TypeAudio, AudioEvent: AudioEvent{AudioBase64: b64}}
}

// UserAudioChunk is the upstream shape for audio that arrived as a client
// JSON message rather than a binary frame.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// EndCall tells the client the session is over. Reason is empty on
// operator-initiated hangups.
type EndCall struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Notification is the push payload delivered on a user's notification socket
// when an incoming call is triggered for them.
type Notification struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	FirstMessage   string `json:"first_message"`
	SystemPrompt   string `json:"system_prompt"`
	Status         string `json:"status"`
}
