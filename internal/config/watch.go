package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a config file for changes, reloads and validates it, and
// invokes OnUpdate on success or OnError on a validation failure — the
// previous config is left in place either way until OnUpdate's caller calls
// Snapshot.Store. It debounces rapid editor saves, watches the containing
// directory rather than the file itself (editors commonly replace-write,
// which drops the original inode from the watch), and runs its poll loop
// in its own goroutine.
type Watcher struct {
	path        string
	watcher     *fsnotify.Watcher
	debounce    time.Duration
	OnUpdate    func(*Config)
	OnError     func(error)

	mu      sync.Mutex
	lastFire time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a Watcher for path. Call Start to begin watching.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins the watch loop in a goroutine. It is non-blocking.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !w.shouldFire() {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.OnError != nil {
				w.OnError(err)
			}
		}
	}
}

func (w *Watcher) shouldFire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if now.Sub(w.lastFire) < w.debounce {
		return false
	}
	w.lastFire = now
	return true
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	if err := cfg.Validate(); err != nil {
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	if w.OnUpdate != nil {
		w.OnUpdate(cfg)
	}
}

// Stop stops the watch loop and releases the underlying fsnotify watcher.
// Safe to call more than once: a second call sees the stop channel already
// closed and returns immediately, since Shutdown must be idempotent
// (spec.md §8).
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
	}
	w.watcher.Close()
	<-w.done
}
