package edge

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

// errorBody is the uniform error shape from spec.md §6:
// {error:{message,type,code}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// statusForKind maps a protocol error kind onto the HTTP status codes
// enumerated in spec.md §6.
func statusForKind(kind protocol.ErrKind) int {
	switch kind {
	case protocol.ErrAuth:
		return http.StatusUnauthorized
	case protocol.ErrNoWorker, protocol.ErrWorkerGone:
		return http.StatusServiceUnavailable
	case protocol.ErrTimeout:
		return http.StatusGatewayTimeout
	case protocol.ErrBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the uniform error body with a status derived from err.
// Non-BridgeError values are written as 500 with type "server_error".
func writeError(c *gin.Context, err error) {
	be, ok := err.(*protocol.BridgeError)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorBody{Error: errorDetail{
			Message: err.Error(), Type: "server_error", Code: http.StatusInternalServerError,
		}})
		return
	}
	status := statusForKind(be.Kind)
	errType := "api_error"
	if status == http.StatusBadRequest {
		errType = "invalid_request_error"
	}
	c.JSON(status, errorBody{Error: errorDetail{
		Message: be.Message, Type: errType, Code: status,
	}})
}
