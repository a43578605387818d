package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"tracetriage/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collectingHandler accumulates every delivered batch.
type collectingHandler struct {
	mu      sync.Mutex
	batches [][]*trace.Trace
}

func (c *collectingHandler) handle(_ context.Context, traces []*trace.Trace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, traces)
}

func (c *collectingHandler) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWatcherIngestsNewTraceFiles(t *testing.T) {
	dir := t.TempDir()
	h := &collectingHandler{}

	w, err := New(dir, 50*time.Millisecond, h.handle)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	data := `[{"id": "t1", "success": false}, {"id": "t2", "success": true}]`
	if err := os.WriteFile(filepath.Join(dir, "batch.json"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return h.total() == 2 })

	stats := w.Statistics()
	if stats.FilesSeen != 1 {
		t.Errorf("FilesSeen = %d, want 1", stats.FilesSeen)
	}
	if stats.TracesIngested != 2 {
		t.Errorf("TracesIngested = %d, want 2", stats.TracesIngested)
	}
	if stats.LastEventPath == "" {
		t.Error("LastEventPath not recorded")
	}
}

func TestWatcherIgnoresNonJSONFiles(t *testing.T) {
	dir := t.TempDir()
	h := &collectingHandler{}

	w, err := New(dir, 50*time.Millisecond, h.handle)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a trace"), 0644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	w.Stop()

	if got := w.Statistics().FilesSeen; got != 0 {
		t.Errorf("FilesSeen = %d for non-JSON file, want 0", got)
	}
	if h.total() != 0 {
		t.Error("handler fired for non-JSON file")
	}
}

func TestWatcherCountsDecodeErrors(t *testing.T) {
	dir := t.TempDir()
	h := &collectingHandler{}

	w, err := New(dir, 50*time.Millisecond, h.handle)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"id":`), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return w.Statistics().DecodeErrors == 1 })

	if h.total() != 0 {
		t.Error("handler fired for undecodable file")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, 0, nil) // zero debounce picks the default
	if err != nil {
		t.Fatal(err)
	}
	if w.debounceDur != 500*time.Millisecond {
		t.Errorf("default debounce = %v, want 500ms", w.debounceDur)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Double start is a no-op.
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	w.Stop()
	w.Stop() // second stop must not panic or block
}

func TestWatcherMissingDirectory(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing"), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err == nil {
		t.Error("expected error watching a missing directory")
		w.Stop()
	}
	// The fsnotify handle still needs closing even though Start failed.
	w.watcher.Close()
}
