package edge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/edgeworker/internal/authgate"
	"github.com/lmbridge/edgeworker/internal/protocol"
	"github.com/lmbridge/edgeworker/internal/registry"
)

// upgrader mirrors the teacher's wsrelay.Manager upgrader: generous buffers,
// origin checking left to the reverse proxy in front of this process.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler returns the gin handler for the Worker upgrade path (spec.md §2,
// §4.4). It enforces the first-frame auth handshake, then hands the
// connection to a read loop for the lifetime of the session.
func WSHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("edge: websocket upgrade failed")
			return
		}
		transport := newWSTransport(conn)

		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = transport.Close(1008, "authentication required")
			return
		}
		env, err := authgate.DecodeEnvelope(raw)
		if err != nil {
			_ = transport.WriteJSON(protocol.Envelope{Type: string(protocol.TagError), Error: "malformed auth frame"})
			_ = transport.Close(1008, "authentication required")
			return
		}

		result, resp := hub.Gate.Handshake(env)
		if werr := transport.WriteJSON(resp); werr != nil {
			_ = transport.Close(1008, "authentication required")
			return
		}
		if !result.OK {
			// Auth monotonicity (spec.md invariant 4): a bad first frame
			// closes the transport before the message handler ever runs.
			_ = transport.Close(1008, "Authentication failed")
			return
		}

		worker := hub.Registry.Add(result.ClientID, transport)
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
			worker.SetAlive(true)
			worker.SetLastPongAt(time.Now().UnixMilli())
			return nil
		})
		log.WithField("worker_id", result.ClientID).Info("edge: worker authenticated")

		runWorkerReadLoop(hub, worker, conn, transport)
	}
}

// runWorkerReadLoop consumes frames for one authenticated Worker session
// until the transport closes, then performs the §4.5 disconnect cleanup.
func runWorkerReadLoop(hub *Hub, worker *registry.Worker, conn *websocket.Conn, transport *wsTransport) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = transport.WriteJSON(protocol.Envelope{Type: string(protocol.TagError), Error: "malformed frame"})
			continue
		}
		dispatch(hub, worker, env, transport)
	}

	hub.Registry.Remove(worker.ClientID)
	failed := hub.Pending.FailAllForWorker(worker.ClientID)
	_ = transport.Close(1000, "closed")
	log.WithFields(log.Fields{"worker_id": worker.ClientID, "failed_pending": failed}).
		Info("edge: worker disconnected")
}

func dispatch(hub *Hub, worker *registry.Worker, env protocol.Envelope, transport *wsTransport) {
	tag, known := env.Tag()
	if !known {
		_ = transport.WriteJSON(protocol.Envelope{
			Type:  string(protocol.TagError),
			Error: "Unknown message type: " + env.Type,
		})
		return
	}

	switch tag {
	case protocol.TagPing:
		_ = transport.WriteJSON(protocol.Envelope{Type: string(protocol.TagPong)})
	case protocol.TagPong:
		worker.SetAlive(true)
		worker.SetLastPongAt(time.Now().UnixMilli())
	case protocol.TagChatResponse, protocol.TagCompletionResponse, protocol.TagEmbeddingsResponse, protocol.TagModelsResponse:
		if env.RequestID == "" {
			log.Warn("edge: response frame missing requestId, dropped")
			return
		}
		hub.Pending.Resolve(env.RequestID, env.Data)
	case protocol.TagStreamChunk:
		if env.RequestID == "" {
			log.Warn("edge: stream_chunk missing requestId, dropped")
			return
		}
		hub.Pending.FeedChunk(env.RequestID, env.Data)
	case protocol.TagStreamEnd:
		if env.RequestID == "" {
			log.Warn("edge: stream_end missing requestId, dropped")
			return
		}
		hub.Pending.FinishStream(env.RequestID)
	case protocol.TagError, protocol.TagErrorResponse:
		if env.RequestID == "" {
			log.WithField("error", env.Error).Warn("edge: error frame missing requestId, dropped")
			return
		}
		hub.Pending.Fail(env.RequestID, protocol.NewBridgeError(protocol.ErrUpstream, "%s", env.Error))
	case protocol.TagAuth:
		// Auth is only valid as the connection's first frame; a repeat is
		// ignored rather than re-processed (auth monotonicity).
		log.WithField("worker_id", worker.ClientID).Warn("edge: unexpected auth frame after handshake, ignored")
	default:
		_ = transport.WriteJSON(protocol.Envelope{
			Type:  string(protocol.TagError),
			Error: "Unknown message type: " + env.Type,
		})
	}
}
