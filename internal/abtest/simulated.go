package abtest

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"tracetriage/internal/improver"
)

// SimulatedRunner is the default TrialRunner. It stands in for live pipeline
// execution: pass probability starts from a fixed baseline and rises with the
// amount of corrective guidance present in the prompt, so improved prompts
// tend to measure better the way a real rerun would.
type SimulatedRunner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// basePassProbability is the simulated pass rate for an unmodified prompt.
const basePassProbability = 0.6

// NewSimulatedRunner creates a simulated runner with a fixed seed so test
// runs are reproducible.
func NewSimulatedRunner(seed int64) *SimulatedRunner {
	return &SimulatedRunner{rng: rand.New(rand.NewSource(seed))}
}

// RunTrial simulates one trial outcome under the given config.
func (s *SimulatedRunner) RunTrial(_ context.Context, _ TestCase, cfg *improver.PromptConfig) (bool, error) {
	p := basePassProbability
	if cfg != nil {
		// Each appended guidance block nudges the simulated pass rate up.
		p += 0.08 * float64(strings.Count(cfg.Prompt, "\n\n"))
	}
	if p > 0.95 {
		p = 0.95
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < p, nil
}

// FixedRunner always returns the configured outcome. Useful for wiring
// deterministic comparisons in tests.
type FixedRunner struct {
	// PassControl and PassVariant decide the outcome based on which config
	// is under trial, matched by config ID.
	ControlID   string
	VariantID   string
	PassControl bool
	PassVariant bool
}

// RunTrial returns the fixed outcome for the arm being exercised.
func (f *FixedRunner) RunTrial(_ context.Context, _ TestCase, cfg *improver.PromptConfig) (bool, error) {
	if cfg != nil && cfg.ID == f.VariantID {
		return f.PassVariant, nil
	}
	return f.PassControl, nil
}
