// Package pending implements the Edge-side Pending-Request Table (spec.md
// §4.3): a concurrency-safe correlation table from requestId to an
// in-flight HTTP call, with per-entry deadlines and exactly-once terminal
// delivery. Grounded on the teacher's internal/wsrelay.session pending
// map (sync.Map of requestId -> channel), generalized with request
// kind/mode, a deadline timer per entry, and streaming chunk delivery.
package pending

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

// OutcomeType distinguishes the events an entry's sink can carry.
type OutcomeType int

const (
	OutcomeResponse OutcomeType = iota
	OutcomeChunk
	OutcomeStreamEnd
	OutcomeError
)

// Outcome is one event delivered to a pending entry's sink channel.
type Outcome struct {
	Type  OutcomeType
	Data  json.RawMessage
	Err   error
}

// Entry is one in-flight request tracked by the Table (§3 "Pending request entry").
type Entry struct {
	RequestID string
	Kind      protocol.Kind
	Mode      protocol.Mode
	WorkerID  string
	Deadline  time.Time

	sink      chan Outcome
	timer     *time.Timer
	terminal  sync.Once
	done      bool
	mu        sync.Mutex
}

// Sink returns the channel outcomes are delivered on. Unary entries receive
// exactly one value then the channel is closed. Streaming entries receive
// zero or more OutcomeChunk values followed by exactly one of
// OutcomeStreamEnd/OutcomeError, then the channel is closed.
func (e *Entry) Sink() <-chan Outcome {
	return e.sink
}

// Table is the process-wide pending-request correlation table.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New builds an empty Table. Each test or process should construct its own
// instance (spec.md §9: no module-level singletons).
func New() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Register creates and tracks a new entry for requestID. timeout is the
// deadline duration from registration (§4.3 defaults by kind/mode); a
// timer calls Fail with protocol.ErrTimeout if no terminal event arrives
// first. Returns an error if requestID is already registered
// (invariant: uniqueness across currently-pending entries).
func (t *Table) Register(requestID string, kind protocol.Kind, mode protocol.Mode, workerID string, timeout time.Duration) (*Entry, error) {
	t.mu.Lock()
	if _, exists := t.entries[requestID]; exists {
		t.mu.Unlock()
		return nil, protocol.NewBridgeError(protocol.ErrInternal, "duplicate requestId %s", requestID)
	}
	bufSize := 1
	if mode == protocol.ModeStream {
		bufSize = 64
	}
	e := &Entry{
		RequestID: requestID,
		Kind:      kind,
		Mode:      mode,
		WorkerID:  workerID,
		Deadline:  time.Now().Add(timeout),
		sink:      make(chan Outcome, bufSize),
	}
	t.entries[requestID] = e
	t.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		t.Fail(requestID, protocol.NewBridgeError(protocol.ErrTimeout, "Request timeout"))
	})
	return e, nil
}

// remove detaches the entry and stops its deadline timer. Caller must hold no lock.
func (t *Table) remove(requestID string) *Entry {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()
	if ok && e.timer != nil {
		e.timer.Stop()
	}
	return e
}

func (t *Table) deliverTerminal(requestID string, o Outcome) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	t.mu.Unlock()
	if !ok {
		log.WithField("request_id", requestID).Warn("pending: terminal outcome for unknown/already-resolved request")
		return
	}

	delivered := false
	e.terminal.Do(func() {
		delivered = true
		e.mu.Lock()
		e.done = true
		e.mu.Unlock()
		select {
		case e.sink <- o:
		default:
		}
		close(e.sink)
	})
	if !delivered {
		log.WithField("request_id", requestID).Warn("pending: duplicate terminal outcome dropped")
	}
	t.remove(requestID)
}

// Resolve delivers a unary response and marks the entry terminal.
func (t *Table) Resolve(requestID string, data json.RawMessage) {
	t.deliverTerminal(requestID, Outcome{Type: OutcomeResponse, Data: data})
}

// Fail delivers an error and marks the entry terminal.
func (t *Table) Fail(requestID string, err error) {
	t.deliverTerminal(requestID, Outcome{Type: OutcomeError, Err: err})
}

// FinishStream marks a streaming entry terminal with no error.
func (t *Table) FinishStream(requestID string) {
	t.deliverTerminal(requestID, Outcome{Type: OutcomeStreamEnd})
}

// FeedChunk delivers one streaming chunk. It is a no-op (logged at warn) if
// the entry is unknown or already terminal — chunks after stream_end or
// cancellation are discarded (§4.6 "Tie-break / ordering").
func (t *Table) FeedChunk(requestID string, data json.RawMessage) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	t.mu.Unlock()
	if !ok {
		log.WithField("request_id", requestID).Warn("pending: chunk for unknown/terminated request discarded")
		return
	}
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done {
		log.WithField("request_id", requestID).Warn("pending: chunk after terminal outcome discarded")
		return
	}
	select {
	case e.sink <- Outcome{Type: OutcomeChunk, Data: data}:
	default:
		log.WithField("request_id", requestID).Warn("pending: chunk dropped, sink full")
	}
}

// CancelByClient tears down the entry immediately without delivering a
// sink value — the HTTP handler that owns it has already stopped reading
// (client disconnect, §4.6/§4.8). The caller is responsible for sending
// cancel_request to the owning Worker before calling this.
func (t *Table) CancelByClient(requestID string) {
	e := t.remove(requestID)
	if e == nil {
		return
	}
	e.terminal.Do(func() {
		e.mu.Lock()
		e.done = true
		e.mu.Unlock()
		close(e.sink)
	})
}

// FailAllForWorker fails every pending entry owned by workerID with
// protocol.ErrWorkerGone (§4.5: Worker disconnect cleanup). Returns the
// number of entries failed.
func (t *Table) FailAllForWorker(workerID string) int {
	t.mu.Lock()
	var ids []string
	for id, e := range t.entries {
		if e.WorkerID == workerID {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Fail(id, protocol.NewBridgeError(protocol.ErrWorkerGone, "worker %s disconnected", workerID))
	}
	return len(ids)
}

// Len reports the number of currently-pending entries (test/diagnostic use).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Has reports whether requestID is currently pending.
func (t *Table) Has(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[requestID]
	return ok
}
