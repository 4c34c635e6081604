package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

var errWatcherStopped = errors.New("file watcher not started")

// FileWatcher runs callbacks when watched files change. Events for a file
// are coalesced until it has been quiet for the debounce window, so an
// editor saving in several writes triggers one callback.
type FileWatcher struct {
	debounce time.Duration
	logger   Logger

	mu        sync.RWMutex
	fsw       *fsnotify.Watcher
	callbacks map[string][]func()
	dirs      map[string]struct{}
	stop      chan struct{}
	done      chan struct{}
}

func NewFileWatcher(logger Logger) *FileWatcher {
	if logger == nil {
		logger = nopLogger{}
	}
	return &FileWatcher{
		debounce:  defaultDebounce,
		logger:    logger,
		callbacks: make(map[string][]func()),
		dirs:      make(map[string]struct{}),
	}
}

func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(fsw, w.stop, w.done)
	return nil
}

// Watch registers callback for path. The parent directory is watched so
// files replaced by rename are still seen.
func (w *FileWatcher) Watch(path string, callback func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return errWatcherStopped
	}

	dir := filepath.Dir(abs)
	if _, ok := w.dirs[dir]; !ok {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}
	w.callbacks[abs] = append(w.callbacks[abs], callback)
	return nil
}

// Stop ends the event loop and waits for a running callback to return.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	fsw, stop, done := w.fsw, w.stop, w.done
	w.fsw = nil
	w.dirs = make(map[string]struct{})
	w.mu.Unlock()
	if fsw == nil {
		return
	}

	close(stop)
	<-done
	if err := fsw.Close(); err != nil {
		w.logger.Warn("failed to close file watcher", "error", err)
	}
}

func (w *FileWatcher) watched(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.callbacks[path]
	return ok
}

func (w *FileWatcher) fire(paths map[string]struct{}) {
	w.mu.RLock()
	var fns []func()
	for path := range paths {
		fns = append(fns, w.callbacks[path]...)
	}
	w.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// run owns the pending set and the debounce timer, so neither needs a lock.
func (w *FileWatcher) run(fsw *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-stop:
			timer.Stop()
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if event.Op&relevant == 0 || !w.watched(name) {
				continue
			}
			w.logger.Debug("watched file changed", "path", name, "op", event.Op.String())
			pending[name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			batch := pending
			pending = make(map[string]struct{})
			w.fire(batch)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}
