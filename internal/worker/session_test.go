package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

var upgrader = websocket.Upgrader{}

func TestSessionAuthenticatesAndServesUnaryRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	edgeConnCh := make(chan *websocket.Conn, 1)
	edge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		edgeConnCh <- conn
	}))
	defer edge.Close()

	adapter := newAdapter(t, upstream)
	wsURL := "ws" + strings.TrimPrefix(edge.URL, "http")
	session := NewSession(wsURL, "test-key", "worker-1", 50*time.Millisecond, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	edgeConn := <-edgeConnCh
	defer edgeConn.Close()

	var authEnv protocol.Envelope
	if err := edgeConn.ReadJSON(&authEnv); err != nil {
		t.Fatalf("read auth frame: %v", err)
	}
	tag, _ := authEnv.Tag()
	if tag != protocol.TagAuth || authEnv.APIKey != "test-key" || authEnv.ClientID != "worker-1" {
		t.Fatalf("unexpected auth frame: %+v", authEnv)
	}
	success := true
	if err := edgeConn.WriteJSON(protocol.Envelope{Type: "auth_result", Success: &success}); err != nil {
		t.Fatalf("write auth_result: %v", err)
	}

	stream := false
	if err := edgeConn.WriteJSON(protocol.Envelope{
		Type:      "chat_request",
		RequestID: "req-1",
		Data:      json.RawMessage(`{"messages":[]}`),
		Stream:    &stream,
	}); err != nil {
		t.Fatalf("write chat_request: %v", err)
	}

	var respEnv protocol.Envelope
	if err := edgeConn.ReadJSON(&respEnv); err != nil {
		t.Fatalf("read chat_response: %v", err)
	}
	if respEnv.Type != string(protocol.TagChatResponse) || respEnv.RequestID != "req-1" {
		t.Fatalf("unexpected response envelope: %+v", respEnv)
	}
	if string(respEnv.Data) != `{"choices":[]}` {
		t.Fatalf("unexpected response payload: %s", respEnv.Data)
	}
}

func TestSessionCancelRequestAbortsInFlightStream(t *testing.T) {
	upstreamHit := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: \"first\"\n\n")
		flusher.Flush()
		close(upstreamHit)
		<-r.Context().Done() // observe cancellation propagated from the client
	}))
	defer upstream.Close()

	edgeConnCh := make(chan *websocket.Conn, 1)
	edge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		edgeConnCh <- conn
	}))
	defer edge.Close()

	adapter := newAdapter(t, upstream)
	wsURL := "ws" + strings.TrimPrefix(edge.URL, "http")
	session := NewSession(wsURL, "test-key", "worker-1", 50*time.Millisecond, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	edgeConn := <-edgeConnCh
	defer edgeConn.Close()

	var authEnv protocol.Envelope
	_ = edgeConn.ReadJSON(&authEnv)
	success := true
	_ = edgeConn.WriteJSON(protocol.Envelope{Type: "auth_result", Success: &success})

	streamFlag := true
	_ = edgeConn.WriteJSON(protocol.Envelope{
		Type:      "chat_request",
		RequestID: "req-cancel",
		Data:      json.RawMessage(`{"stream":true}`),
		Stream:    &streamFlag,
	})

	var chunkEnv protocol.Envelope
	if err := edgeConn.ReadJSON(&chunkEnv); err != nil {
		t.Fatalf("read first stream_chunk: %v", err)
	}
	if chunkEnv.Type != string(protocol.TagStreamChunk) {
		t.Fatalf("expected stream_chunk, got %+v", chunkEnv)
	}
	<-upstreamHit

	if err := edgeConn.WriteJSON(protocol.Envelope{Type: "cancel_request", RequestID: "req-cancel"}); err != nil {
		t.Fatalf("write cancel_request: %v", err)
	}

	_ = edgeConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var trailing protocol.Envelope
	err := edgeConn.ReadJSON(&trailing)
	if err == nil {
		t.Fatalf("expected no further frames after cancellation, got %+v", trailing)
	}
}
