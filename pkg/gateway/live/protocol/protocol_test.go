package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeClientMessage_EndCall(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"end_call"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientEndCall); !ok {
		t.Fatalf("decoded type = %T, want ClientEndCall", msg)
	}
}

func TestDecodeClientMessage_ContextualUpdate(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"contextual_update","text":"user switched rooms"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	upd, ok := msg.(ClientContextualUpdate)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientContextualUpdate", msg)
	}
	if upd.Text != "user switched rooms" {
		t.Fatalf("text=%q", upd.Text)
	}
}

func TestDecodeClientMessage_ContextualUpdateMissingText(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"contextual_update"}`))
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "bad_request" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeClientMessage_Audio(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"audio","audio_event":{"audio_base_64":"AAEC"}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	audio, ok := msg.(ClientAudio)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientAudio", msg)
	}
	if audio.AudioEvent.AudioBase64 != "AAEC" {
		t.Fatalf("audio_base_64=%q", audio.AudioEvent.AudioBase64)
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"telemetry","fps":60}`))
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "unsupported" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeClientMessage_InvalidJSON(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeUpstreamMessage_Ping(t *testing.T) {
	msg, err := DecodeUpstreamMessage([]byte(`{"type":"ping","ping_event":{"event_id":42,"ping_ms":12.5}}`))
	if err != nil {
		t.Fatalf("DecodeUpstreamMessage() error = %v", err)
	}
	if msg.Type != TypePing {
		t.Fatalf("type=%q", msg.Type)
	}
	if msg.Ping == nil || msg.Ping.EventID == nil || *msg.Ping.EventID != 42 {
		t.Fatalf("ping event = %+v", msg.Ping)
	}
}

func TestDecodeUpstreamMessage_PingWithoutEventID(t *testing.T) {
	msg, err := DecodeUpstreamMessage([]byte(`{"type":"ping","ping_event":{}}`))
	if err != nil {
		t.Fatalf("DecodeUpstreamMessage() error = %v", err)
	}
	if msg.Ping == nil || msg.Ping.EventID != nil {
		t.Fatalf("ping event = %+v, want present with nil event id", msg.Ping)
	}
}

func TestDecodeUpstreamMessage_Metadata(t *testing.T) {
	raw := []byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_real","agent_output_audio_format":"pcm_16000"}}`)
	msg, err := DecodeUpstreamMessage(raw)
	if err != nil {
		t.Fatalf("DecodeUpstreamMessage() error = %v", err)
	}
	if msg.Metadata == nil || msg.Metadata.ConversationID != "conv_real" {
		t.Fatalf("metadata = %+v", msg.Metadata)
	}
	if string(msg.Raw) != string(raw) {
		t.Fatalf("raw bytes not preserved")
	}
}

func TestDecodeUpstreamMessage_UnknownTypePreservesRaw(t *testing.T) {
	raw := []byte(`{"type":"agent_response","agent_response_event":{"agent_response":"hi"}}`)
	msg, err := DecodeUpstreamMessage(raw)
	if err != nil {
		t.Fatalf("DecodeUpstreamMessage() error = %v", err)
	}
	if msg.Type != "agent_response" {
		t.Fatalf("type=%q", msg.Type)
	}
	if string(msg.Raw) != string(raw) {
		t.Fatalf("raw bytes not preserved for pass-through")
	}
}

func TestDecodeUpstreamMessage_MissingType(t *testing.T) {
	if _, err := DecodeUpstreamMessage([]byte(`{"event":"x"}`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewPong_EchoesEventID(t *testing.T) {
	blob, err := json.Marshal(NewPong(7))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(blob) != `{"type":"pong","event_id":7}` {
		t.Fatalf("pong = %s", blob)
	}
}
