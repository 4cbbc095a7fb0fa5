// Package worker implements the Worker process components from spec.md
// §2, §4.7: the Reconnect Loop state machine, the Upstream Adapter that
// calls the local inference runtime, and the Stream Bridge that splits its
// SSE output into stream_chunk/stream_end frames. Grounded on the teacher's
// internal/runtime/executor streaming pattern (bufio.Scanner over an SSE
// response body feeding a channel) and internal/wsrelay's session shape.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lmbridge/edgeworker/internal/protocol"
)

const (
	unaryUpstreamTimeout  = 300 * time.Second
	streamUpstreamTimeout = 600 * time.Second
)

// UpstreamAdapter calls the co-located local inference runtime over plain
// HTTP (spec.md §4.7 "treated as an HTTP service the Worker calls").
type UpstreamAdapter struct {
	baseURL string
	client  *http.Client
}

// NewUpstreamAdapter builds an adapter targeting http://host:port.
func NewUpstreamAdapter(host string, port int) *UpstreamAdapter {
	return &UpstreamAdapter{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		client:  &http.Client{},
	}
}

// pathFor maps a request Kind onto the local runtime's OpenAI-compatible
// path (spec.md §1 "OpenAI response schemas, treated as opaque JSON
// pass-through").
func pathFor(kind protocol.Kind) string {
	switch kind {
	case protocol.KindChat:
		return "/v1/chat/completions"
	case protocol.KindCompletion:
		return "/v1/completions"
	case protocol.KindEmbeddings:
		return "/v1/embeddings"
	case protocol.KindModels:
		return "/v1/models"
	default:
		return "/v1/" + string(kind)
	}
}

// Unary performs a single request/response call. Models requests are GETs;
// everything else is a POST carrying payload.
func (a *UpstreamAdapter) Unary(ctx context.Context, kind protocol.Kind, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, unaryUpstreamTimeout)
	defer cancel()

	req, err := a.newRequest(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, protocol.NewBridgeError(protocol.ErrUpstream, "upstream request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.NewBridgeError(protocol.ErrUpstream, "upstream read failed: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, protocol.NewBridgeError(protocol.ErrUpstream, "upstream status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// Stream performs a streaming call and returns the raw response body for
// the Stream Bridge to split into frames. The caller is responsible for
// closing the returned body.
func (a *UpstreamAdapter) Stream(ctx context.Context, kind protocol.Kind, payload []byte) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, streamUpstreamTimeout)

	req, err := a.newRequest(ctx, kind, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return nil, protocol.NewBridgeError(protocol.ErrUpstream, "upstream request failed: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, protocol.NewBridgeError(protocol.ErrUpstream, "upstream status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose releases the per-stream context timeout when the response
// body is closed, whether that happens via EOF, cancellation, or error.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func (a *UpstreamAdapter) newRequest(ctx context.Context, kind protocol.Kind, payload []byte) (*http.Request, error) {
	url := a.baseURL + pathFor(kind)
	if kind == protocol.KindModels {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, protocol.NewBridgeError(protocol.ErrInternal, "build upstream request: %v", err)
		}
		return req, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, protocol.NewBridgeError(protocol.ErrInternal, "build upstream request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
