// Package abtest decides, with a statistical confidence figure, whether a
// variant prompt config outperforms a control over a shared set of test
// cases. Trial execution is pluggable; the default runner simulates trials
// so the comparison machinery can be exercised without a live pipeline.
package abtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracetriage/internal/improver"
	"tracetriage/internal/logging"
)

// tieTolerance is the pass-rate gap under which neither arm wins.
const tieTolerance = 0.05

// TestCase is one scenario both arms are measured against.
type TestCase struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Input       string `json:"input"`
	Description string `json:"description,omitempty"`
}

// Options configures one RunTest call.
type Options struct {
	RunsPerCase int  `json:"runs_per_case"`
	Randomize   bool `json:"randomize"` // shuffle case order per arm
}

// Winner names the outcome of a comparison.
type Winner string

const (
	WinnerControl Winner = "control"
	WinnerVariant Winner = "variant"
	WinnerTie     Winner = "tie"
)

// Metrics holds the per-arm trial counts and derived rates.
type Metrics struct {
	SampleSize      int     `json:"sample_size"` // cases * runs per case * 2 arms
	ControlPasses   int     `json:"control_passes"`
	VariantPasses   int     `json:"variant_passes"`
	ControlPassRate float64 `json:"control_pass_rate"`
	VariantPassRate float64 `json:"variant_pass_rate"`
	PassRateDelta   float64 `json:"pass_rate_delta"` // variant minus control
}

// Result is the outcome of one control/variant comparison.
type Result struct {
	TestID         string                 `json:"test_id"`
	ControlConfig  *improver.PromptConfig `json:"control_config"`
	VariantConfig  *improver.PromptConfig `json:"variant_config"`
	Metrics        Metrics                `json:"metrics"`
	Winner         Winner                 `json:"winner"`
	Confidence     float64                `json:"confidence"`
	Recommendation string                 `json:"recommendation"`
	StartedAt      time.Time              `json:"started_at"`
	Duration       time.Duration          `json:"duration"`
}

// Summary aggregates all retained results. The win counts always sum to
// TotalTests.
type Summary struct {
	TotalTests  int `json:"total_tests"`
	ControlWins int `json:"control_wins"`
	VariantWins int `json:"variant_wins"`
	Ties        int `json:"ties"`
}

// TrialRunner executes one trial of a test case under a prompt config and
// reports pass or fail. Implementations must be safe for sequential reuse.
type TrialRunner interface {
	RunTrial(ctx context.Context, tc TestCase, cfg *improver.PromptConfig) (bool, error)
}

// Runner executes control-vs-variant comparisons and retains every result.
type Runner struct {
	mu      sync.RWMutex
	trials  TrialRunner
	results []*Result
	byID    map[string]*Result
}

// NewRunner creates a Runner with the given trial executor. A nil executor
// falls back to the time-seeded simulated runner.
func NewRunner(trials TrialRunner) *Runner {
	if trials == nil {
		trials = NewSimulatedRunner(time.Now().UnixNano())
	}
	return &Runner{
		trials: trials,
		byID:   make(map[string]*Result),
	}
}

// RunTest executes opts.RunsPerCase simulated trials per test case against
// each of control and variant, accumulating pass/fail outcomes per arm.
// Zero test cases or a non-positive RunsPerCase is an explicit error: an
// empty comparison must never silently report a winner.
func (r *Runner) RunTest(ctx context.Context, cases []TestCase, control, variant *improver.PromptConfig, opts Options) (*Result, error) {
	if len(cases) == 0 {
		return nil, fmt.Errorf("abtest: no test cases provided")
	}
	if opts.RunsPerCase < 1 {
		return nil, fmt.Errorf("abtest: runs per case must be >= 1, got %d", opts.RunsPerCase)
	}
	if control == nil || variant == nil {
		return nil, fmt.Errorf("abtest: both control and variant configs are required")
	}

	timer := logging.StartTimer(logging.CategoryABTest, "Runner.RunTest")
	defer timer.Stop()

	start := time.Now()
	trialsPerArm := len(cases) * opts.RunsPerCase

	logging.ABTest("Starting A/B test: cases=%d runs=%d control=%s variant=%s",
		len(cases), opts.RunsPerCase, control.Version, variant.Version)

	controlPasses, err := r.runArm(ctx, cases, control, opts)
	if err != nil {
		return nil, fmt.Errorf("control arm failed: %w", err)
	}
	variantPasses, err := r.runArm(ctx, cases, variant, opts)
	if err != nil {
		return nil, fmt.Errorf("variant arm failed: %w", err)
	}

	metrics := Metrics{
		SampleSize:      trialsPerArm * 2,
		ControlPasses:   controlPasses,
		VariantPasses:   variantPasses,
		ControlPassRate: float64(controlPasses) / float64(trialsPerArm),
		VariantPassRate: float64(variantPasses) / float64(trialsPerArm),
	}
	metrics.PassRateDelta = metrics.VariantPassRate - metrics.ControlPassRate

	winner := declareWinner(metrics.PassRateDelta)
	confidence := confidenceFor(metrics.PassRateDelta, metrics.SampleSize)

	result := &Result{
		TestID:         uuid.New().String(),
		ControlConfig:  control,
		VariantConfig:  variant,
		Metrics:        metrics,
		Winner:         winner,
		Confidence:     confidence,
		Recommendation: recommend(winner, variant, metrics),
		StartedAt:      start,
		Duration:       time.Since(start),
	}

	r.mu.Lock()
	r.results = append(r.results, result)
	r.byID[result.TestID] = result
	r.mu.Unlock()

	logging.ABTest("A/B test complete: id=%s winner=%s control=%.2f variant=%.2f confidence=%.2f",
		result.TestID, winner, metrics.ControlPassRate, metrics.VariantPassRate, confidence)

	return result, nil
}

// runArm executes every trial for one arm sequentially.
func (r *Runner) runArm(ctx context.Context, cases []TestCase, cfg *improver.PromptConfig, opts Options) (int, error) {
	order := cases
	if opts.Randomize {
		order = make([]TestCase, len(cases))
		copy(order, cases)
		rand.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	passes := 0
	for _, tc := range order {
		for run := 0; run < opts.RunsPerCase; run++ {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			passed, err := r.trials.RunTrial(ctx, tc, cfg)
			if err != nil {
				return 0, fmt.Errorf("trial %s failed: %w", tc.ID, err)
			}
			if passed {
				passes++
			}
		}
	}
	return passes, nil
}

// declareWinner picks the arm with a materially higher pass rate.
func declareWinner(delta float64) Winner {
	switch {
	case delta > tieTolerance:
		return WinnerVariant
	case delta < -tieTolerance:
		return WinnerControl
	default:
		return WinnerTie
	}
}

// confidenceFor derives confidence from the pass-rate gap and sample size,
// bounded to [0,1]. A wide gap over many trials approaches 1; a tie over few
// trials approaches 0.
func confidenceFor(delta float64, sampleSize int) float64 {
	conf := math.Abs(delta) * math.Sqrt(float64(sampleSize)) / 2
	if conf > 1 {
		return 1
	}
	if conf < 0 {
		return 0
	}
	return conf
}

func recommend(winner Winner, variant *improver.PromptConfig, m Metrics) string {
	switch winner {
	case WinnerVariant:
		return fmt.Sprintf("Adopt variant %s: pass rate improved %.0f%% -> %.0f%%",
			variant.Version, m.ControlPassRate*100, m.VariantPassRate*100)
	case WinnerControl:
		return fmt.Sprintf("Keep control: variant regressed pass rate %.0f%% -> %.0f%%",
			m.ControlPassRate*100, m.VariantPassRate*100)
	default:
		return "No significant difference between arms; keep control"
	}
}

// Result returns a retained result by test ID, or nil.
func (r *Runner) Result(testID string) *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[testID]
}

// Results returns every retained result in execution order.
func (r *Runner) Results() []*Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Result, len(r.results))
	copy(out, r.results)
	return out
}

// Summary counts wins per arm across all retained results.
func (r *Runner) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{TotalTests: len(r.results)}
	for _, res := range r.results {
		switch res.Winner {
		case WinnerControl:
			s.ControlWins++
		case WinnerVariant:
			s.VariantWins++
		default:
			s.Ties++
		}
	}
	return s
}

// ClearResults drops all stored results. Prompt configs are untouched.
func (r *Runner) ClearResults() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = nil
	r.byID = make(map[string]*Result)
	logging.ABTestDebug("A/B results cleared")
}
