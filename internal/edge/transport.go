// Package edge implements the Edge process components from spec.md §4.2,
// §4.4-4.6: the WebSocket upgrade and Worker session loop, the `/v1/*` HTTP
// surface, the SSE Stream Bridge, and the Liveness Supervisor. Grounded on
// the teacher's internal/wsrelay package (session/manager shape) and
// sdk/api/handlers/openai (SSE handler shape), generalized from a
// single-purpose Gemini relay to the bridge protocol in internal/protocol.
package edge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit   = 4 << 20 // 4 MiB, generous for chat payloads
	wsWriteWait   = 10 * time.Second
	wsReadWait    = 90 * time.Second
)

// wsTransport adapts a *websocket.Conn to the registry.Transport interface
// and serializes writes from multiple goroutines (HTTP handlers dispatching
// requests, the liveness sweep sending pings) onto the single connection,
// per spec.md §5 "writes to a single WS connection are totally ordered".
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	return &wsTransport{conn: conn}
}

// IsOpen implements registry.Transport.
func (t *wsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close implements registry.Transport.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(wsWriteWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}

// WriteJSON marshals v as a single JSON text frame. Callers must not race
// with ReadMessage; writes are serialized by mu.
func (t *wsTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("edge: marshal frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("edge: transport closed")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("edge: set write deadline: %w", err)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a low-level WS control ping (spec.md §4.5).
func (t *wsTransport) WritePing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("edge: transport closed")
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
