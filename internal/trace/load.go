package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"tracetriage/internal/logging"
)

// maxLoadConcurrency bounds parallel file decoding in LoadDir.
const maxLoadConcurrency = 8

// LoadFile reads one JSON file containing either a single trace object or an
// array of traces.
func LoadFile(path string) ([]*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("trace file is empty: %s", path)
	}

	if strings.HasPrefix(trimmed, "[") {
		var traces []*Trace
		if err := json.Unmarshal(data, &traces); err != nil {
			return nil, fmt.Errorf("failed to parse trace array %s: %w", path, err)
		}
		return traces, nil
	}

	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse trace %s: %w", path, err)
	}
	return []*Trace{&t}, nil
}

// LoadDir decodes every *.json file in dir concurrently and returns the
// combined traces sorted by start time. Decoding is the only parallel step;
// analysis downstream stays sequential.
func LoadDir(ctx context.Context, dir string) ([]*Trace, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	if len(paths) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var traces []*Trace

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(maxLoadConcurrency)

	for _, path := range paths {
		path := path
		eg.Go(func() error {
			loaded, err := LoadFile(path)
			if err != nil {
				return err
			}
			mu.Lock()
			traces = append(traces, loaded...)
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].StartTime.Before(traces[j].StartTime)
	})

	logging.AnalyzerDebug("Loaded %d traces from %s (%d files)", len(traces), dir, len(paths))
	return traces, nil
}
