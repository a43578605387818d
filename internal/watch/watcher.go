// Package watch ingests trace files as they land in a directory. Create and
// write events on *.json files are debounced and handed to a callback as
// decoded trace batches, so a live agent pipeline can drop trace dumps and
// have them analyzed without polling.
package watch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tracetriage/internal/logging"
	"tracetriage/internal/trace"
)

// Handler receives each decoded trace batch.
type Handler func(ctx context.Context, traces []*trace.Trace)

// Stats tracks watcher activity.
type Stats struct {
	FilesSeen      int
	TracesIngested int
	DecodeErrors   int
	LastEventTime  time.Time
	LastEventPath  string
}

// Watcher monitors one directory for new trace files.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	handler     Handler
	debounceDur time.Duration
	pending     map[string]time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats
}

// New creates a watcher for dir. debounce guards against half-written files;
// zero picks a 500ms default.
func New(dir string, debounce time.Duration, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		watcher:     fsw,
		dir:         dir,
		handler:     handler,
		debounceDur: debounce,
		pending:     make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	logging.Watch("Watching trace directory: %s", w.dir)
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
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

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("Error closing watcher: %v", err)
	}
	logging.Watch("Watcher stopped")
}

// Statistics returns a copy of the activity counters.
func (w *Watcher) Statistics() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// run is the main event loop.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.WatchDebug("Watcher context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("Watcher error: %v", err)

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

// handleEvent marks a trace file pending once its create/write settles.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	w.mu.Lock()
	if _, seen := w.pending[event.Name]; !seen {
		w.stats.FilesSeen++
	}
	w.pending[event.Name] = time.Now()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.mu.Unlock()

	logging.WatchDebug("Trace file event: %s", event.Name)
}

// processPending fires the handler for files whose last event has settled
// past the debounce window.
func (w *Watcher) processPending(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		traces, err := trace.LoadFile(path)
		if err != nil {
			logging.Get(logging.CategoryWatch).Warn("Failed to decode %s: %v", path, err)
			w.mu.Lock()
			w.stats.DecodeErrors++
			w.mu.Unlock()
			continue
		}

		w.mu.Lock()
		w.stats.TracesIngested += len(traces)
		w.mu.Unlock()

		logging.Watch("Ingested %d trace(s) from %s", len(traces), path)
		if w.handler != nil {
			w.handler(ctx, traces)
		}
	}
}
