package pending

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

func TestResolveDeliversExactlyOnce(t *testing.T) {
	tb := New()
	entry, err := tb.Register("r1", protocol.KindChat, protocol.ModeUnary, "w1", time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tb.Resolve("r1", json.RawMessage(`{"ok":true}`))
	tb.Resolve("r1", json.RawMessage(`{"ok":false}`)) // duplicate, must be dropped

	var outcomes []Outcome
	for o := range entry.Sink() {
		outcomes = append(outcomes, o)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected exactly one outcome delivered, got %d", len(outcomes))
	}
	if outcomes[0].Type != OutcomeResponse {
		t.Fatalf("expected OutcomeResponse, got %v", outcomes[0].Type)
	}
	if tb.Has("r1") {
		t.Fatalf("expected entry removed after terminal outcome")
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	tb := New()
	if _, err := tb.Register("dup", protocol.KindChat, protocol.ModeUnary, "w1", time.Second); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := tb.Register("dup", protocol.KindChat, protocol.ModeUnary, "w1", time.Second); err == nil {
		t.Fatalf("expected duplicate requestId to be rejected")
	}
}

func TestTimeoutFailsEntry(t *testing.T) {
	tb := New()
	entry, err := tb.Register("t1", protocol.KindModels, protocol.ModeUnary, "w1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case o, ok := <-entry.Sink():
		if !ok {
			t.Fatalf("sink closed without outcome")
		}
		if o.Type != OutcomeError {
			t.Fatalf("expected OutcomeError on timeout, got %v", o.Type)
		}
		be, ok := o.Err.(*protocol.BridgeError)
		if !ok || be.Kind != protocol.ErrTimeout {
			t.Fatalf("expected ErrTimeout, got %v", o.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for deadline failure")
	}
	if tb.Has("t1") {
		t.Fatalf("expected entry removed after timeout")
	}
}

func TestStreamChunksThenEnd(t *testing.T) {
	tb := New()
	entry, err := tb.Register("s1", protocol.KindChat, protocol.ModeStream, "w1", time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tb.FeedChunk("s1", json.RawMessage(`"A"`))
	tb.FeedChunk("s1", json.RawMessage(`"B"`))
	tb.FeedChunk("s1", json.RawMessage(`"C"`))
	tb.FinishStream("s1")
	tb.FeedChunk("s1", json.RawMessage(`"D"`)) // after stream_end, must be discarded

	var got []string
	for o := range entry.Sink() {
		switch o.Type {
		case OutcomeChunk:
			got = append(got, string(o.Data))
		case OutcomeStreamEnd:
			got = append(got, "[END]")
		}
	}
	want := []string{`"A"`, `"B"`, `"C"`, "[END]"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFailAllForWorkerOnlyAffectsThatWorker(t *testing.T) {
	tb := New()
	_, _ = tb.Register("a", protocol.KindChat, protocol.ModeUnary, "worker-1", time.Second)
	_, _ = tb.Register("b", protocol.KindChat, protocol.ModeUnary, "worker-2", time.Second)

	n := tb.FailAllForWorker("worker-1")
	if n != 1 {
		t.Fatalf("expected 1 entry failed, got %d", n)
	}
	if tb.Has("a") {
		t.Fatalf("expected entry a removed")
	}
	if !tb.Has("b") {
		t.Fatalf("expected entry b untouched")
	}
}

func TestCancelByClientRemovesWithoutOutcome(t *testing.T) {
	tb := New()
	entry, _ := tb.Register("cx", protocol.KindChat, protocol.ModeStream, "w1", time.Second)
	tb.CancelByClient("cx")

	if tb.Has("cx") {
		t.Fatalf("expected entry removed on cancel")
	}
	if _, ok := <-entry.Sink(); ok {
		t.Fatalf("expected sink closed with no outcome")
	}
}
