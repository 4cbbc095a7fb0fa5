package edge

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// modelsCacheTTL is the TTL from spec.md §3 "Models cache".
const modelsCacheTTL = 60 * time.Second

// modelsCache is the single process-wide models response cache. A
// singleflight.Group collapses concurrent cache-fill calls into one
// models_request dispatch (SPEC_FULL.md §B), strengthening invariant 6
// under concurrent `GET /v1/models` load.
type modelsCache struct {
	mu        sync.Mutex
	payload   json.RawMessage
	expiresAt time.Time

	group singleflight.Group
}

func newModelsCache() *modelsCache {
	return &modelsCache{}
}

// fresh returns the cached payload if it hasn't expired.
func (c *modelsCache) fresh() (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.payload, true
}

// getOrFill returns the fresh cached payload, or calls fill exactly once
// across all concurrent callers to populate it (singleflight, keyed
// constant since there is exactly one cache entry per process).
func (c *modelsCache) getOrFill(fill func() (json.RawMessage, error)) (json.RawMessage, error) {
	if payload, ok := c.fresh(); ok {
		return payload, nil
	}
	v, err, _ := c.group.Do("models", func() (any, error) {
		if payload, ok := c.fresh(); ok {
			return payload, nil
		}
		payload, err := fill()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.payload = payload
		c.expiresAt = time.Now().Add(modelsCacheTTL)
		c.mu.Unlock()
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}
