package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads settings when the backing file changes. Invalid intermediate
// states (partial writes, parse failures) are reported through onError and the
// previous settings stay active.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewWatcher creates a watcher for path. Call Start to begin delivery.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	return &Watcher{path: path, watcher: fsw, done: make(chan struct{})}, nil
}

// Start begins watching. onChange receives each valid reload; onError receives
// reload failures. Both may be nil.
func (w *Watcher) Start(onChange func(Settings), onError func(error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("config watcher already started")
	}
	// Watch the directory: editors replace files rather than writing in place.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.started = true
	go w.loop(onChange, onError)
	return nil
}

func (w *Watcher) loop(onChange func(Settings), onError func(error)) {
	base := filepath.Base(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			settings, err := Load(w.path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onChange != nil {
				onChange(settings)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
