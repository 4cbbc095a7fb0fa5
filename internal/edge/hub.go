package edge

import (
	"time"

	"github.com/lmbridge/edgeworker/internal/authgate"
	"github.com/lmbridge/edgeworker/internal/pending"
	"github.com/lmbridge/edgeworker/internal/registry"
)

// Hub wires together the process-wide Edge components (spec.md §9: explicit
// owned objects constructed once at startup, not module-level singletons).
// One Hub is shared by the WS handler and the HTTP handlers.
type Hub struct {
	Registry *registry.Registry
	Pending  *pending.Table
	Gate     *authgate.Gate
	Models   *modelsCache

	PingInterval    time.Duration
	EnableStreaming bool
	WSPath          string
}

// NewHub builds a Hub. pingInterval is the Liveness Supervisor sweep period
// (spec.md §4.5, default 30s); enableStreaming is the global streaming
// feature flag (spec.md §4.6 "Streaming feature flag"); wsPath is the
// Worker upgrade path (spec.md §6, default "/ws").
func NewHub(gate *authgate.Gate, pingInterval time.Duration, enableStreaming bool, wsPath string) *Hub {
	return &Hub{
		Registry:        registry.New(),
		Pending:         pending.New(),
		Gate:            gate,
		Models:          newModelsCache(),
		PingInterval:    pingInterval,
		EnableStreaming: enableStreaming,
		WSPath:          wsPath,
	}
}

// writerFor returns the wsTransport backing w, if its transport is one
// (it always is in production; the indirection exists so tests can swap in
// a fake registry.Transport without touching this package).
func writerFor(w *registry.Worker) (*wsTransport, bool) {
	if w == nil || w.Transport == nil {
		return nil, false
	}
	t, ok := w.Transport.(*wsTransport)
	return t, ok
}
