package edge

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lmbridge/edgeworker/internal/pending"
	"github.com/lmbridge/edgeworker/internal/protocol"
)

// AuthMiddleware implements the HTTP-side dual acceptance rule (spec.md
// §4.4): every /v1/* request must carry a valid bearer token or the shared
// API key in the Authorization header.
func AuthMiddleware(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ok := hub.Gate.AuthenticateHTTP(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: errorDetail{
				Message: "Invalid API key", Type: "api_error", Code: http.StatusUnauthorized,
			}})
			return
		}
		c.Next()
	}
}

// RegisterRoutes wires the /v1/* surface and /health onto engine.
func RegisterRoutes(engine *gin.Engine, hub *Hub) {
	engine.GET("/health", healthHandler)
	engine.GET(hub.wsPathOrDefault(), WSHandler(hub))

	v1 := engine.Group("/v1", AuthMiddleware(hub))
	v1.POST("/chat/completions", unaryOrStreamHandler(hub, protocol.KindChat))
	v1.POST("/completions", unaryOrStreamHandler(hub, protocol.KindCompletion))
	v1.POST("/embeddings", unaryOrStreamHandler(hub, protocol.KindEmbeddings))
	v1.GET("/models", modelsHandler(hub))
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UnixMilli()})
}

// unaryOrStreamHandler serves chat/completions/embeddings: it dispatches
// the request, then either awaits a single response or bridges a stream to
// SSE, per spec.md §4.6.
func unaryOrStreamHandler(hub *Hub, kind protocol.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, protocol.NewBridgeError(protocol.ErrBadRequest, "failed to read request body"))
			return
		}

		result, err := dispatchRequest(hub, kind, body)
		if err != nil {
			writeError(c, err)
			return
		}

		if result.entry.Mode == protocol.ModeStream {
			serveStream(c, hub, result)
			return
		}
		serveUnary(c, hub, result)
	}
}

func serveUnary(c *gin.Context, hub *Hub, result *dispatchResult) {
	select {
	case <-c.Request.Context().Done():
		// Client disconnected before a response arrived (spec.md §5(b)):
		// cancel at the Worker and drop the pending entry immediately
		// instead of leaving it to expire at its deadline.
		sendCancel(hub, result.workerID, result.requestID)
		hub.Pending.CancelByClient(result.requestID)
		return
	case outcome, ok := <-result.entry.Sink():
		if !ok {
			writeError(c, protocol.NewBridgeError(protocol.ErrInternal, "no outcome delivered"))
			return
		}
		switch outcome.Type {
		case pending.OutcomeResponse:
			c.Data(http.StatusOK, "application/json", outcome.Data)
		case pending.OutcomeError:
			writeError(c, outcome.Err)
		default:
			writeError(c, protocol.NewBridgeError(protocol.ErrInternal, "unexpected outcome for unary request"))
		}
	}
}

// modelsHandler serves spec.md's cached models_request path, including its
// distinct no-worker response shape (§4.6: a bare OpenAI-style empty list,
// not the uniform error body used everywhere else).
func modelsHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := hub.Models.getOrFill(func() (json.RawMessage, error) {
			result, err := dispatchRequest(hub, protocol.KindModels, []byte("{}"))
			if err != nil {
				return nil, err
			}
			select {
			case <-c.Request.Context().Done():
				return nil, protocol.NewBridgeError(protocol.ErrInternal, "client disconnected")
			case outcome, ok := <-result.entry.Sink():
				if !ok {
					return nil, protocol.NewBridgeError(protocol.ErrInternal, "no outcome delivered")
				}
				if outcome.Type == pending.OutcomeError {
					return nil, outcome.Err
				}
				return outcome.Data, nil
			}
		})
		if err != nil {
			if be, ok := err.(*protocol.BridgeError); ok && be.Kind == protocol.ErrNoWorker {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"object":  "list",
					"data":    []any{},
					"message": "No LM Studio clients connected",
				})
				return
			}
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", payload)
	}
}

func (h *Hub) wsPathOrDefault() string {
	if h.WSPath == "" {
		return "/ws"
	}
	return h.WSPath
}
