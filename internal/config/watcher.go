package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher watches the scopes manifest file and delivers reloaded
// manifests when it changes. Editors replace files rather than write in
// place, so the watch is on the parent directory and events are matched
// by name.
type ManifestWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	updates chan *Manifest
	logger  *log.Logger

	debounce time.Duration

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManifestWatcher creates a watcher for the manifest at path. A nil
// logger defaults to stderr.
func NewManifestWatcher(path string, logger *log.Logger) (*ManifestWatcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &ManifestWatcher{
		path:     path,
		watcher:  fw,
		updates:  make(chan *Manifest, 1),
		logger:   logger,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Updates delivers each successfully reloaded manifest. A manifest that
// fails to parse is logged and skipped; the previous one stays in effect.
func (w *ManifestWatcher) Updates() <-chan *Manifest {
	return w.updates
}

// Start begins watching. Safe to call once.
func (w *ManifestWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop shuts the watcher down and closes Updates.
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false

	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
	close(w.updates)
}

func (w *ManifestWatcher) run() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors emit several events per save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (w *ManifestWatcher) reload() {
	m, err := LoadManifest(w.path)
	if err != nil {
		w.logger.Printf("scopes manifest reload failed, keeping previous: %v", err)
		return
	}
	w.logger.Printf("scopes manifest reloaded: %d scopes", len(m.Scopes))

	// Latest manifest wins if the consumer is behind.
	select {
	case w.updates <- m:
	default:
		select {
		case <-w.updates:
		default:
		}
		select {
		case w.updates <- m:
		default:
		}
	}
}
