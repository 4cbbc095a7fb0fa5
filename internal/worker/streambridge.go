package worker

import (
	"bufio"
	"bytes"
	"io"
)

const maxSSELineBytes = 1 << 20 // 1 MiB, matches the teacher's executor scanner buffer

// sseEvent is one decoded "data: ..." delivery from an upstream SSE body.
// done is true for the terminal "[DONE]" marker (spec.md §4.7: "the
// upstream end-of-stream produces stream_end").
type sseEvent struct {
	data []byte
	done bool
}

// scanSSE reads body line by line, extracting the payload of each "data:"
// delivery and invoking emit for it. It stops at the first "[DONE]"
// marker, at EOF, or on a scan error (returned to the caller). Grounded on
// the teacher's internal/runtime/executor bufio.Scanner-over-SSE-body
// pattern, generalized from provider-specific translation to a raw pass-
// through per spec.md §4.7 ("raw bytes decoded as UTF-8").
func scanSSE(body io.Reader, emit func(sseEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(nil, maxSSELineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			emit(sseEvent{done: true})
			return nil
		}
		emit(sseEvent{data: bytes.Clone(data)})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	emit(sseEvent{done: true})
	return nil
}
