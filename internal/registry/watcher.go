package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"forgeflow/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the agent manifest file for changes and stages a new
// registry snapshot on the holder. Staged snapshots are applied by the
// holder only when no execution is running, so a reload never changes the
// catalogue under a live execution.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	holder      *Holder
	manifest    string
	debounceDur time.Duration
	lastEvent   time.Time
	nextVersion int
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	// Stats for debugging
	Reloads int
	Errors  int
}

// NewWatcher creates a manifest watcher for the given holder.
func NewWatcher(manifestPath string, holder *Holder) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fw,
		holder:      holder,
		manifest:    manifestPath,
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		nextVersion: holder.Current().Version() + 1,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the manifest's directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.manifest)
	if err := w.watcher.Add(dir); err != nil {
		// Directory may not exist yet; the watcher stays idle.
		logging.Get(logging.CategoryRegistry).Warn("manifest watch failed (dir may not exist): %v", err)
	} else {
		logging.Registry("watching manifest directory: %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.manifest) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.handleChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.Errors++
			w.mu.Unlock()
			logging.Get(logging.CategoryRegistry).Warn("manifest watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleChange() {
	w.mu.Lock()
	if time.Since(w.lastEvent) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.lastEvent = time.Now()
	version := w.nextVersion
	w.mu.Unlock()

	reg, err := LoadManifest(w.manifest)
	if err != nil {
		w.mu.Lock()
		w.Errors++
		w.mu.Unlock()
		logging.Get(logging.CategoryRegistry).Error("manifest reload failed: %v", err)
		return
	}

	// Re-key to the holder's version sequence so staged snapshots are
	// monotonically versioned regardless of the manifest's own number.
	if reg.version < version {
		reg.version = version
	}

	w.holder.Stage(reg)

	w.mu.Lock()
	w.Reloads++
	w.nextVersion = reg.version + 1
	w.mu.Unlock()

	logging.Registry("staged manifest version %d from %s", reg.version, w.manifest)
}
