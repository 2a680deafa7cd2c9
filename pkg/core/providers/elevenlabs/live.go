package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the wait for the upstream's first message.
const DefaultHandshakeTimeout = 5 * time.Second

const liveWriteTimeout = 5 * time.Second

// ErrHandshakeTimeout reports that the upstream never sent its initiation
// metadata within the handshake window.
var ErrHandshakeTimeout = errors.New("timeout waiting for conversation metadata")

// ConnectError wraps a live dial failure.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to conversational websocket: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// LiveConn is an open duplex socket to a running conversation. Reads are
// single-reader (the upstream pump); writes are serialized internally so the
// pumps and the handshake can share the connection.
type LiveConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialLive opens the upstream socket using a signed URL from SignedURL. The
// signed URL carries its own auth; no headers are attached.
func DialLive(ctx context.Context, signedURL string) (*LiveConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &ConnectError{Err: err}
	}
	return &LiveConn{conn: conn}, nil
}

// Handshake performs the bounded read of the conversation's first message.
// It must be a conversation_initiation_metadata event; anything else is a
// fatal handshake error. The raw frame is returned for verbatim forwarding,
// along with the canonical conversation id when the event carries one.
func (c *LiveConn) Handshake(timeout time.Duration) ([]byte, string, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	// Later reads are unbounded; the pumps run until a socket closes.
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return nil, "", ErrHandshakeTimeout
		}
		return nil, "", fmt.Errorf("read initiation metadata: %w", err)
	}

	var metadata struct {
		Type  string `json:"type"`
		Event struct {
			ConversationID string `json:"conversation_id"`
		} `json:"conversation_initiation_metadata_event"`
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, "", fmt.Errorf("decode initiation metadata: %w", err)
	}
	if metadata.Type != "conversation_initiation_metadata" {
		return nil, "", fmt.Errorf("unexpected first message type %q", metadata.Type)
	}
	return data, metadata.Event.ConversationID, nil
}

// SendInitiation sends the single conversation_initiation_client_data message
// that configures the agent for this call. It must precede any relayed audio.
func (c *LiveConn) SendInitiation(firstMessage, systemPrompt string) error {
	agent := map[string]any{
		"first_message":                  firstMessage,
		"start_conversation_immediately": true,
	}
	if systemPrompt != "" {
		agent["prompt"] = map[string]any{"prompt": systemPrompt}
	}
	return c.WriteJSON(map[string]any{
		"type": "conversation_initiation_client_data",
		"conversation_config_override": map[string]any{
			"agent": agent,
		},
	})
}

// ReadMessage blocks for the next upstream frame.
func (c *LiveConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// WriteJSON marshals v and writes it as a text frame.
func (c *LiveConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return c.conn.WriteJSON(v)
}

// Close sends a close frame with the given code and reason, then closes the
// underlying connection. Safe to call after a failed close handshake.
func (c *LiveConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
