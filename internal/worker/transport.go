package worker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadWait  = 90 * time.Second
)

// conn serializes writes onto one Worker->Edge WebSocket connection (spec.md
// §5: "writes to a single WS connection are totally ordered"). Multiple
// upstream-request goroutines and the keepalive pinger share one instance.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(4 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(wsReadWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadWait))
	})
	return &conn{ws: ws}
}

func (c *conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Close() error {
	return c.ws.Close()
}
