package edge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lmbridge/edgeworker/internal/pending"
	"github.com/lmbridge/edgeworker/internal/protocol"
)

// dispatchResult is what dispatchRequest hands back to an HTTP handler.
type dispatchResult struct {
	entry     *pending.Entry
	requestID string
	workerID  string
}

// dispatchRequest implements the common half of spec.md §4.6: pick a
// Worker, register a pending entry, and send the typed request frame.
// streamRequested/mode resolution honors the global streaming feature flag
// (SPEC_FULL.md A.3 / spec.md §4.6 "Streaming feature flag").
func dispatchRequest(hub *Hub, kind protocol.Kind, body []byte) (*dispatchResult, error) {
	mode := protocol.ModeUnary
	if kind == protocol.KindChat || kind == protocol.KindCompletion {
		if hub.EnableStreaming && peekStream(body) {
			mode = protocol.ModeStream
		}
	}

	worker := hub.Registry.PickAvailable("")
	if worker == nil {
		return nil, protocol.NewBridgeError(protocol.ErrNoWorker, "No available LM Studio clients")
	}
	transport, ok := writerFor(worker)
	if !ok {
		return nil, protocol.NewBridgeError(protocol.ErrNoWorker, "No available LM Studio clients")
	}

	requestID := uuid.NewString()
	timeout := protocol.DefaultTimeout(kind, mode)
	entry, err := hub.Pending.Register(requestID, kind, mode, worker.ClientID, timeout)
	if err != nil {
		return nil, err
	}

	streamFlag := mode == protocol.ModeStream
	env := protocol.Envelope{
		Type:      string(protocol.RequestTagFor(kind)),
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      json.RawMessage(body),
		Stream:    &streamFlag,
	}
	if err := transport.WriteJSON(env); err != nil {
		wrapped := protocol.NewBridgeError(protocol.ErrInternal, "failed to dispatch to worker: %v", err)
		hub.Pending.Fail(requestID, wrapped)
		return nil, wrapped
	}
	return &dispatchResult{entry: entry, requestID: requestID, workerID: worker.ClientID}, nil
}

// peekStream extracts the "stream" field from a request body without
// parsing the rest of the OpenAI-shaped payload (spec.md §6: request bodies
// are passed through unmodified).
func peekStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// sendCancel sends cancel_request to the Worker owning requestID (spec.md
// §4.8). Best-effort: if the Worker is already gone, this is a no-op.
func sendCancel(hub *Hub, workerID, requestID string) {
	worker := hub.Registry.Get(workerID)
	if worker == nil {
		return
	}
	transport, ok := writerFor(worker)
	if !ok {
		return
	}
	_ = transport.WriteJSON(protocol.Envelope{
		Type:      string(protocol.TagCancelRequest),
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	})
}
