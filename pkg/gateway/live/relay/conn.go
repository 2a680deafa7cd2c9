package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn wraps the browser-side websocket so the session and the
// call-lifecycle endpoints can share one writer. gorilla connections allow a
// single concurrent data writer; ClientConn serializes data writes and
// applies the write deadline. Control frames go through WriteControl, which
// gorilla already allows concurrently.
type ClientConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

// NewClientConn wraps ws. writeTimeout bounds every data write; zero means
// the default.
func NewClientConn(ws *websocket.Conn, writeTimeout time.Duration) *ClientConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &ClientConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *ClientConn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *ClientConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// WriteJSON sends v as a text frame under the same writer lock as
// WriteMessage.
func (c *ClientConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (c *ClientConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return c.ws.WriteControl(messageType, data, deadline)
}

func (c *ClientConn) Close() error {
	return c.ws.Close()
}
