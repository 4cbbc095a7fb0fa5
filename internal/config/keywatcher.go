package config

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const keyReloadDebounce = 150 * time.Millisecond

// APIKeyWatcher watches the Edge config file for changes to the api-key field
// and invokes onChange whenever the effective shared secret changes. This lets
// an operator rotate the shared secret without restarting the Edge process;
// JWT_SECRET is intentionally excluded (see SPEC_FULL.md §A.3).
type APIKeyWatcher struct {
	path      string
	onChange  func(newKey string)
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	lastKey   string
	timer     *time.Timer
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewAPIKeyWatcher creates a watcher for the given config file path. currentKey
// is the key already in effect (used to suppress a spurious first callback).
func NewAPIKeyWatcher(path, currentKey string, onChange func(string)) (*APIKeyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	kw := &APIKeyWatcher{
		path:     path,
		onChange: onChange,
		watcher:  w,
		lastKey:  currentKey,
		stopCh:   make(chan struct{}),
	}
	return kw, nil
}

// Start begins watching. It is a no-op (but harmless) if the file does not
// exist yet; fsnotify.Add will simply fail and the watcher runs idle.
func (kw *APIKeyWatcher) Start() error {
	if err := kw.watcher.Add(kw.path); err != nil {
		log.WithError(err).Warn("config: api key hot-reload disabled, could not watch config file")
		return nil
	}
	go kw.loop()
	return nil
}

// Stop releases the underlying fsnotify watcher.
func (kw *APIKeyWatcher) Stop() {
	kw.stopOnce.Do(func() { close(kw.stopCh) })
	_ = kw.watcher.Close()
}

func (kw *APIKeyWatcher) loop() {
	for {
		select {
		case <-kw.stopCh:
			return
		case ev, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			kw.debounce()
		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config: api key watcher error")
		}
	}
}

func (kw *APIKeyWatcher) debounce() {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.timer != nil {
		kw.timer.Stop()
	}
	kw.timer = time.AfterFunc(keyReloadDebounce, kw.reload)
}

func (kw *APIKeyWatcher) reload() {
	cfg, err := LoadEdgeConfig(kw.path)
	if err != nil {
		log.WithError(err).Warn("config: failed to reload config for api key hot-reload")
		return
	}
	newKey := strings.TrimSpace(cfg.APIKey)

	kw.mu.Lock()
	changed := newKey != "" && newKey != kw.lastKey
	if changed {
		kw.lastKey = newKey
	}
	kw.mu.Unlock()

	if changed && kw.onChange != nil {
		kw.onChange(newKey)
	}
}
