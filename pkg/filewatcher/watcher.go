// Package filewatcher reports debounced changes to a fixed set of files.
package filewatcher

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher watches individual files. It subscribes to their parent
// directories so that editors which replace a file atomically are still seen.
type Watcher struct {
	fsw      *fsnotify.Watcher
	files    map[string]struct{}
	logger   *slog.Logger
	debounce time.Duration

	callbacksMu sync.RWMutex
	callbacks   []func(string)

	changesMu sync.Mutex
	changes   map[string]time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Watcher for the given files. Call Start to begin watching.
func New(files []string, opts ...Option) (*Watcher, error) {
	if len(files) == 0 {
		return nil, errors.New("filewatcher: no files to watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		files:    make(map[string]struct{}, len(files)),
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.files[abs] = struct{}{}
	}

	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnChange registers a callback receiving the absolute path of a changed file.
func (w *Watcher) OnChange(callback func(string)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start subscribes to the parent directories and starts the event loop.
func (w *Watcher) Start() error {
	dirs := map[string]struct{}{}
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		w.logger.Debug("Watching directory", "dir", dir)
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}

	go w.loop()
	return nil
}

// Stop ends the watch. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, watched := w.files[name]; !watched {
				continue
			}
			w.changesMu.Lock()
			w.changes[name] = time.Now()
			w.changesMu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush notifies callbacks for every change older than the debounce window.
func (w *Watcher) flush() {
	now := time.Now()
	var ready []string

	w.changesMu.Lock()
	for file, at := range w.changes {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, file)
			delete(w.changes, file)
		}
	}
	w.changesMu.Unlock()

	if len(ready) == 0 {
		return
	}

	w.callbacksMu.RLock()
	defer w.callbacksMu.RUnlock()
	for _, file := range ready {
		w.logger.Debug("File changed", "file", file)
		for _, cb := range w.callbacks {
			cb(file)
		}
	}
}
