package edge

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/edgeworker/internal/pending"
)

// serveStream bridges a streaming pending entry onto SSE, per spec.md
// §4.6 "Streaming mode". Grounded on the teacher's
// sdk/api/handlers/openai handleStreamingResponse (http.Flusher use,
// "data: %s\n\n" framing, "data: [DONE]\n\n" terminator).
func serveStream(c *gin.Context, hub *Hub, result *dispatchResult) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, fmt.Errorf("edge: streaming not supported by response writer"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	sink := result.entry.Sink()
	for {
		select {
		case <-c.Request.Context().Done():
			// Client disconnected mid-stream (spec.md §4.6): cancel at the
			// Worker and drop the pending entry immediately.
			sendCancel(hub, result.workerID, result.requestID)
			hub.Pending.CancelByClient(result.requestID)
			return
		case outcome, ok := <-sink:
			if !ok {
				return
			}
			switch outcome.Type {
			case pending.OutcomeChunk:
				_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", outcome.Data)
				flusher.Flush()
			case pending.OutcomeStreamEnd:
				_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				return
			case pending.OutcomeError:
				_, _ = fmt.Fprintf(c.Writer, "data: [ERROR] %s\n\n", outcome.Err.Error())
				flusher.Flush()
				return
			default:
				log.WithField("request_id", result.requestID).Warn("edge: unexpected outcome in stream")
				return
			}
		}
	}
}
