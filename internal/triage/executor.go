package triage

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"tracetriage/internal/analyzer"
)

// ActionExecutor performs (or records) the effect of applying a corrective
// action. The orchestrator only records the decision to apply; actual
// remediation runs in external systems, so the default executor synthesizes
// a plausible result. A real implementation is a drop-in replacement.
type ActionExecutor interface {
	Execute(ctx context.Context, action *analyzer.CorrectiveAction) (*analyzer.ActionResult, error)
}

// SimulatedExecutor synthesizes apply results without touching any live
// system. Improvement percentages are drawn from a seeded source so tests
// can pin them down.
type SimulatedExecutor struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedExecutor creates a simulated executor with the given seed.
func NewSimulatedExecutor(seed int64) *SimulatedExecutor {
	return &SimulatedExecutor{rng: rand.New(rand.NewSource(seed))}
}

// Execute records a simulated successful application with an improvement
// figure between 5 and 25 percentage points.
func (e *SimulatedExecutor) Execute(_ context.Context, action *analyzer.CorrectiveAction) (*analyzer.ActionResult, error) {
	e.mu.Lock()
	improvement := 5 + e.rng.Float64()*20
	e.mu.Unlock()

	return &analyzer.ActionResult{
		Success:     true,
		Improvement: improvement,
		Notes:       fmt.Sprintf("Simulated apply of %s action: %s", action.Type, action.Description),
	}, nil
}
