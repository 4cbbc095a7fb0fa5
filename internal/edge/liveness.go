package edge

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunLivenessSupervisor sweeps the Worker Registry every hub.PingInterval
// (spec.md §4.5), terminating Workers that failed to pong since the last
// sweep and pinging the rest. It blocks until ctx is cancelled, so callers
// run it in its own goroutine (wired through errgroup in cmd/edge).
func RunLivenessSupervisor(ctx context.Context, hub *Hub) {
	ticker := time.NewTicker(hub.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(hub)
		}
	}
}

func sweep(hub *Hub) {
	for _, w := range hub.Registry.Snapshot() {
		t, ok := writerFor(w)
		if !ok {
			continue
		}
		if !w.Alive() {
			// No pong since the previous sweep's ping: terminate. The read loop's ReadMessage call
			// observes the close and runs the disconnect cleanup (registry
			// removal, pending-entry failure) within one scheduler tick.
			log.WithField("worker_id", w.ClientID).Warn("edge: worker missed pings, terminating")
			_ = t.Close(1000, "liveness timeout")
			continue
		}
		w.SetAlive(false)
		if err := t.WritePing(); err != nil {
			log.WithError(err).WithField("worker_id", w.ClientID).Warn("edge: ping failed, terminating")
			_ = t.Close(1000, "ping failed")
		}
	}
}
