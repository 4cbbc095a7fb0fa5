package protocol

import "fmt"

// ErrKind enumerates the error categories from spec.md §7.
type ErrKind string

const (
	ErrAuth        ErrKind = "AUTH"
	ErrNoWorker    ErrKind = "NO_WORKER"
	ErrTimeout     ErrKind = "TIMEOUT"
	ErrWorkerGone  ErrKind = "WORKER_GONE"
	ErrUpstream    ErrKind = "UPSTREAM"
	ErrBadRequest  ErrKind = "BAD_REQUEST"
	ErrUnknownTag  ErrKind = "UNKNOWN_TAG"
	ErrInternal    ErrKind = "INTERNAL"
)

// BridgeError is a typed error carrying one of the §7 error kinds plus a
// human-readable message. Worker-side code packages these into `error`/
// `error_response` frames; Edge-side code maps them onto HTTP status codes.
type BridgeError struct {
	Kind    ErrKind
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewBridgeError builds a BridgeError with a formatted message.
func NewBridgeError(kind ErrKind, format string, args ...any) *BridgeError {
	return &BridgeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
