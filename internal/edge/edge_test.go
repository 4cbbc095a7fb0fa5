package edge

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lmbridge/edgeworker/internal/authgate"
	"github.com/lmbridge/edgeworker/internal/protocol"
)

func newTestServer(t *testing.T, enableStreaming bool) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gate := authgate.New("test-key", "signing-secret", time.Hour)
	hub := NewHub(gate, time.Hour, enableStreaming, "/ws")
	engine := gin.New()
	RegisterRoutes(engine, hub)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv, hub
}

// dialWorker performs the first-frame auth handshake and returns a live
// *websocket.Conn registered in hub.Registry under clientID.
func dialWorker(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	auth := protocol.Envelope{Type: "auth", APIKey: "test-key", ClientID: clientID}
	if err := conn.WriteJSON(auth); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var resp protocol.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read auth_result: %v", err)
	}
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("expected successful auth_result, got %+v", resp)
	}
	return conn
}

func TestNoWorkerReturns503(t *testing.T) {
	srv, _ := newTestServer(t, false)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestUnaryHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, false)
	worker := dialWorker(t, srv, "worker-1")
	defer worker.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var env protocol.Envelope
		if err := worker.ReadJSON(&env); err != nil {
			return
		}
		_ = worker.WriteJSON(protocol.Envelope{
			Type:      "chat_response",
			RequestID: env.RequestID,
			Data:      json.RawMessage(`{"choices":[{"message":{"content":"hi"}}]}`),
		})
	}()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	<-done
}

func TestUnauthorizedWithoutCredential(t *testing.T) {
	srv, _ := newTestServer(t, false)
	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestStreamingSSESequence(t *testing.T) {
	srv, hub := newTestServer(t, true)
	hub.EnableStreaming = true
	worker := dialWorker(t, srv, "worker-stream")
	defer worker.Close()

	go func() {
		var env protocol.Envelope
		if err := worker.ReadJSON(&env); err != nil {
			return
		}
		_ = worker.WriteJSON(protocol.Envelope{Type: "stream_chunk", RequestID: env.RequestID, Data: json.RawMessage(`"A"`)})
		_ = worker.WriteJSON(protocol.Envelope{Type: "stream_chunk", RequestID: env.RequestID, Data: json.RawMessage(`"B"`)})
		_ = worker.WriteJSON(protocol.Envelope{Type: "stream_end", RequestID: env.RequestID})
	}()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	want := []string{`data: "A"`, `data: "B"`, `data: [DONE]`}
	if len(lines) != len(want) {
		t.Fatalf("got lines %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestModelsCacheServesRepeatGetFromCache(t *testing.T) {
	srv, hub := newTestServer(t, false)
	_ = hub
	worker := dialWorker(t, srv, "worker-models")
	defer worker.Close()

	var fills int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env protocol.Envelope
			if err := worker.ReadJSON(&env); err != nil {
				return
			}
			fills++
			_ = worker.WriteJSON(protocol.Envelope{
				Type:      "models_response",
				RequestID: env.RequestID,
				Data:      json.RawMessage(`{"object":"list","data":[]}`),
			})
		}
	}()

	get := func() int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
		req.Header.Set("Authorization", "Bearer test-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}
	if status := get(); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if status := get(); status != http.StatusOK {
		t.Fatalf("expected 200 on cached hit, got %d", status)
	}
	if fills != 1 {
		t.Fatalf("expected exactly one upstream models_request, got %d", fills)
	}
	worker.Close()
	<-done
}
