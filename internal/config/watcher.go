package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/logging"
)

const debounceDelay = 500 * time.Millisecond

// Watcher observes the config file for drift. The running gateway never
// reloads; a valid on-disk change is reported so operators know a restart is
// pending, an invalid change is reported as an error.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	debounce *time.Timer
	onDrift  []func(*Config)

	done chan struct{}
}

// NewWatcher creates a watcher for the given config file. The parent
// directory is watched rather than the file itself so editor rename-and-swap
// saves are still seen.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fsw,
		done:    make(chan struct{}),
	}, nil
}

// OnDrift registers a callback invoked with the newly parsed (but not
// applied) config whenever a valid change lands on disk.
func (w *Watcher) OnDrift(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDrift = append(w.onDrift, fn)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop closes the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleCheck()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

// scheduleCheck debounces bursts of write events into a single check.
func (w *Watcher) scheduleCheck() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.check)
}

func (w *Watcher) check() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Error("config file changed but does not parse",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	logging.Warn("config file changed on disk, restart required to apply",
		zap.String("path", w.path))

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.onDrift))
	copy(callbacks, w.onDrift)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}
