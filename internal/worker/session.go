package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

const pingInterval = 30 * time.Second

// Session owns the Worker's single outbound connection to the Edge and
// runs the Reconnect Loop state machine from spec.md §4.7:
// Disconnected -> Dialing -> Connected(unauth) -> Authenticated -> Serving -> Disconnected.
type Session struct {
	remoteURL           string
	apiKey              string
	clientID            string
	reconnectInterval   time.Duration
	adapter             *UpstreamAdapter

	connected     atomic.Bool
	authenticated atomic.Bool

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewSession builds a Worker session. remoteURL is the Edge's ws:// or
// wss:// endpoint including path (spec.md §6 REMOTE_SERVER_URL).
func NewSession(remoteURL, apiKey, clientID string, reconnectInterval time.Duration, adapter *UpstreamAdapter) *Session {
	return &Session{
		remoteURL:         remoteURL,
		apiKey:            apiKey,
		clientID:          clientID,
		reconnectInterval: reconnectInterval,
		adapter:           adapter,
		active:            make(map[string]context.CancelFunc),
	}
}

// Connected reports whether the WS transport is currently up (Worker
// /health "connected" field, spec.md §6).
func (s *Session) Connected() bool { return s.connected.Load() }

// Authenticated reports whether the current transport has completed the
// auth handshake (Worker /health "authenticated" field).
func (s *Session) Authenticated() bool { return s.authenticated.Load() }

// Run drives the reconnect loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c, err := s.dial(ctx)
		if err != nil {
			log.WithError(err).Warn("worker: dial failed, retrying")
			s.sleep(ctx)
			continue
		}
		s.connected.Store(true)

		if err := s.authenticate(ctx, c); err != nil {
			log.WithError(err).Warn("worker: auth failed, retrying")
			_ = c.Close()
			s.connected.Store(false)
			s.sleep(ctx)
			continue
		}
		s.authenticated.Store(true)
		log.Info("worker: authenticated, serving")

		s.serve(ctx, c)

		s.authenticated.Store(false)
		s.connected.Store(false)
		s.failActive()
		if ctx.Err() != nil {
			return
		}
		s.sleep(ctx)
	}
}

func (s *Session) sleep(ctx context.Context) {
	t := time.NewTimer(s.reconnectInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Session) dial(ctx context.Context) (*conn, error) {
	u, err := url.Parse(s.remoteURL)
	if err != nil {
		return nil, fmt.Errorf("worker: invalid remote server url: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("worker: dial %s: %w", u.Redacted(), err)
	}
	return newConn(ws), nil
}

// authenticate sends the first-frame auth handshake (spec.md §4.4, Worker
// side) and waits for auth_result.
func (s *Session) authenticate(ctx context.Context, c *conn) error {
	if err := c.WriteJSON(protocol.Envelope{
		Type:      string(protocol.TagAuth),
		Timestamp: time.Now().UnixMilli(),
		APIKey:    s.apiKey,
		ClientID:  s.clientID,
	}); err != nil {
		return fmt.Errorf("worker: send auth frame: %w", err)
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("worker: read auth_result: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(wsReadWait))

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("worker: decode auth_result: %w", err)
	}
	if env.Success == nil || !*env.Success {
		return fmt.Errorf("worker: auth rejected: %s", env.Error)
	}
	return nil
}

// serve runs the ping ticker and the inbound read loop until the
// connection fails or ctx is cancelled.
func (s *Session) serve(ctx context.Context, c *conn) {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-serveCtx.Done()
		_ = c.Close()
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				if err := c.WriteJSON(protocol.Envelope{Type: string(protocol.TagPing), Timestamp: time.Now().UnixMilli()}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Any successful read (including control pongs, handled by the
		// PongHandler set in newConn) is liveness traffic: push the
		// deadline back out so a healthy connection under the 300s
		// streaming deadline (spec.md §4.3) isn't torn down at 90s.
		_ = c.ws.SetReadDeadline(time.Now().Add(wsReadWait))
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		s.dispatch(serveCtx, c, env)
	}
}

func (s *Session) dispatch(ctx context.Context, c *conn, env protocol.Envelope) {
	tag, known := env.Tag()
	if !known {
		return
	}
	switch tag {
	case protocol.TagPing:
		_ = c.WriteJSON(protocol.Envelope{Type: string(protocol.TagPong), Timestamp: time.Now().UnixMilli()})
	case protocol.TagPong:
		// keepalive ack, nothing to do
	case protocol.TagChatRequest:
		s.handleRequest(ctx, c, env, protocol.KindChat)
	case protocol.TagCompletionRequest:
		s.handleRequest(ctx, c, env, protocol.KindCompletion)
	case protocol.TagEmbeddingsRequest:
		s.handleRequest(ctx, c, env, protocol.KindEmbeddings)
	case protocol.TagModelsRequest:
		s.handleRequest(ctx, c, env, protocol.KindModels)
	case protocol.TagCancelRequest:
		s.cancelActive(env.RequestID)
	default:
		log.WithField("type", env.Type).Debug("worker: ignoring frame")
	}
}

func (s *Session) handleRequest(parent context.Context, c *conn, env protocol.Envelope, kind protocol.Kind) {
	if env.RequestID == "" {
		log.Warn("worker: request frame missing requestId, dropped")
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.trackActive(env.RequestID, cancel)

	stream := env.Stream != nil && *env.Stream
	go func() {
		defer s.untrackActive(env.RequestID)
		defer cancel()
		if stream {
			s.runStream(ctx, c, env.RequestID, kind, env.Data)
		} else {
			s.runUnary(ctx, c, env.RequestID, kind, env.Data)
		}
	}()
}

func (s *Session) runUnary(ctx context.Context, c *conn, requestID string, kind protocol.Kind, payload []byte) {
	data, err := s.adapter.Unary(ctx, kind, payload)
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled, emit nothing further (spec.md §4.8)
		}
		s.sendError(c, requestID, err)
		return
	}
	_ = c.WriteJSON(protocol.Envelope{
		Type:      string(protocol.ResponseTagFor(kind)),
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      json.RawMessage(data),
	})
}

func (s *Session) runStream(ctx context.Context, c *conn, requestID string, kind protocol.Kind, payload []byte) {
	body, err := s.adapter.Stream(ctx, kind, payload)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.sendError(c, requestID, err)
		return
	}
	defer func() { _ = body.Close() }()

	scanErr := scanSSE(body, func(ev sseEvent) {
		if ctx.Err() != nil {
			return
		}
		if ev.done {
			_ = c.WriteJSON(protocol.Envelope{Type: string(protocol.TagStreamEnd), RequestID: requestID, Timestamp: time.Now().UnixMilli()})
			return
		}
		_ = c.WriteJSON(protocol.Envelope{
			Type:      string(protocol.TagStreamChunk),
			RequestID: requestID,
			Timestamp: time.Now().UnixMilli(),
			Data:      json.RawMessage(ev.data),
		})
	})
	if scanErr != nil && ctx.Err() == nil {
		s.sendError(c, requestID, scanErr)
	}
}

func (s *Session) sendError(c *conn, requestID string, err error) {
	_ = c.WriteJSON(protocol.Envelope{
		Type:      string(protocol.TagError),
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Error:     err.Error(),
	})
}

func (s *Session) trackActive(requestID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active[requestID] = cancel
	s.mu.Unlock()
}

func (s *Session) untrackActive(requestID string) {
	s.mu.Lock()
	delete(s.active, requestID)
	s.mu.Unlock()
}

func (s *Session) cancelActive(requestID string) {
	s.mu.Lock()
	cancel, ok := s.active[requestID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Session) failActive() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.active))
	for _, cancel := range s.active {
		cancels = append(cancels, cancel)
	}
	s.active = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// healthSnapshot returns the fields the Worker /health endpoint reports
// (spec.md §6 "GET /health returns {status, connected, authenticated, timestamp}").
func (s *Session) healthSnapshot() map[string]any {
	return map[string]any{
		"status":        "ok",
		"connected":     s.Connected(),
		"authenticated": s.Authenticated(),
		"timestamp":     time.Now().UnixMilli(),
	}
}

// HealthHandler serves the Worker's local health endpoint.
func HealthHandler(s *Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.healthSnapshot())
	}
}
