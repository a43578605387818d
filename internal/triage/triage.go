// Package triage orchestrates the self-improvement pipeline: it owns session
// lifecycle, drives failure analysis, prompt improvement, and A/B validation
// in sequence per cycle, tracks running statistics, and exposes an auto-apply
// policy for safe corrective actions.
package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracetriage/internal/abtest"
	"tracetriage/internal/analyzer"
	"tracetriage/internal/improver"
	"tracetriage/internal/logging"
	"tracetriage/internal/trace"
)

// Config holds the recognized orchestrator options.
type Config struct {
	// AutoApplySafe enables AutoApplySafeImprovements and automatic adoption
	// of A/B-validated prompt variants.
	AutoApplySafe bool `json:"auto_apply_safe" yaml:"auto_apply_safe"`

	// MinConfidenceForAutoApply gates automatic adoption of a winning A/B
	// variant: the variant must win with at least this confidence.
	MinConfidenceForAutoApply float64 `json:"min_confidence_for_auto_apply" yaml:"min_confidence_for_auto_apply"`

	// MaxActionsPerSession caps how many actions one auto-apply call takes.
	MaxActionsPerSession int `json:"max_actions_per_session" yaml:"max_actions_per_session"`

	// EnableABTesting toggles A/B validation inside ImprovePrompt.
	EnableABTesting bool `json:"enable_ab_testing" yaml:"enable_ab_testing"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AutoApplySafe:             false,
		MinConfidenceForAutoApply: 0.85,
		MaxActionsPerSession:      5,
		EnableABTesting:           true,
	}
}

// maxABTestCases caps how many recent failures feed an A/B test as cases.
const maxABTestCases = 5

// AnalysisResult is what one Analyze cycle produces.
type AnalysisResult struct {
	Failures []*analyzer.FailureAnalysis `json:"failures"`
	Patterns []*analyzer.FailurePattern  `json:"patterns"`
	Actions  []*analyzer.CorrectiveAction `json:"actions"`
}

// ImproveResult pairs a prompt improvement with its optional A/B validation.
type ImproveResult struct {
	Improvement *improver.Improvement `json:"improvement"`
	ABResult    *abtest.Result        `json:"ab_result,omitempty"`
	Adopted     bool                  `json:"adopted"` // variant promoted to current prompt
}

// TraceTriage drives the analyzer, improver, and A/B runner per cycle.
// All mutable state is owned by this instance; methods are sequential
// relative to each other when awaited by the caller.
type TraceTriage struct {
	mu sync.RWMutex

	config Config
	tracer Tracer

	analyzer *analyzer.FailureAnalyzer
	improver *improver.PromptImprover
	abRunner *abtest.Runner
	executor ActionExecutor

	current      *Session
	sessions     []*Session
	lastPatterns []*analyzer.FailurePattern
}

// Option customizes orchestrator construction.
type Option func(*TraceTriage)

// WithTracer installs an instrumentation tracer. Defaults to NopTracer.
func WithTracer(t Tracer) Option {
	return func(tt *TraceTriage) { tt.tracer = t }
}

// WithActionExecutor replaces the simulated action executor.
func WithActionExecutor(e ActionExecutor) Option {
	return func(tt *TraceTriage) { tt.executor = e }
}

// WithTrialRunner replaces the simulated A/B trial runner.
func WithTrialRunner(r abtest.TrialRunner) Option {
	return func(tt *TraceTriage) { tt.abRunner = abtest.NewRunner(r) }
}

// New creates an orchestrator with its three sub-components.
func New(config Config, opts ...Option) *TraceTriage {
	tt := &TraceTriage{
		config:   config,
		tracer:   NopTracer{},
		analyzer: analyzer.NewFailureAnalyzer(),
		improver: improver.NewPromptImprover(),
		abRunner: abtest.NewRunner(nil),
		executor: NewSimulatedExecutor(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(tt)
	}

	logging.Triage("TraceTriage initialized: autoApply=%v abTesting=%v maxActions=%d",
		config.AutoApplySafe, config.EnableABTesting, config.MaxActionsPerSession)
	return tt
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// StartSession creates a new session, marks it current, and appends it to the
// history immediately so it is visible before ending. If a session is already
// active it is auto-ended first; no session is ever orphaned without an
// EndTime.
func (tt *TraceTriage) StartSession() *Session {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.startSessionLocked()
}

func (tt *TraceTriage) startSessionLocked() *Session {
	if tt.current != nil {
		tt.endSessionLocked()
	}

	s := &Session{
		ID:        uuid.New().String(),
		StartTime: time.Now(),
	}
	tt.current = s
	tt.sessions = append(tt.sessions, s)

	logging.Session("Session started: id=%s", s.ID)
	return s
}

// EndSession finalizes the current session and detaches it. Returns nil when
// no session is active; that is a benign no-op, not an error.
func (tt *TraceTriage) EndSession() *Session {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.endSessionLocked()
}

func (tt *TraceTriage) endSessionLocked() *Session {
	if tt.current == nil {
		return nil
	}

	s := tt.current
	now := time.Now()
	s.EndTime = &now
	tt.current = nil

	logging.Session("Session ended: id=%s traces=%d failures=%d actions=%d/%d",
		s.ID, s.TracesAnalyzed, s.FailuresFound, s.ActionsApplied, s.ActionsGenerated)
	return s
}

// CurrentSession returns the active session, or nil.
func (tt *TraceTriage) CurrentSession() *Session {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.current
}

// Sessions returns the session history, oldest first.
func (tt *TraceTriage) Sessions() []*Session {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	out := make([]*Session, len(tt.sessions))
	copy(out, tt.sessions)
	return out
}

// =============================================================================
// ANALYSIS CYCLE
// =============================================================================

// Analyze ingests a batch of traces: failures are extracted and aggregated,
// patterns detected, and suggested actions flattened into one list. A session
// is auto-started when none is active. With zero failures the cycle
// short-circuits to empty results without computing patterns or actions.
func (tt *TraceTriage) Analyze(ctx context.Context, traces []*trace.Trace) (*AnalysisResult, error) {
	done := tt.tracer.Start("TraceTriage.Analyze")
	defer done()

	tt.mu.Lock()
	if tt.current == nil {
		tt.startSessionLocked()
	}
	session := tt.current
	tt.mu.Unlock()

	failures, err := tt.analyzer.AnalyzeTraces(ctx, traces)
	if err != nil {
		return nil, fmt.Errorf("trace analysis failed: %w", err)
	}

	result := &AnalysisResult{Failures: failures}

	if len(failures) > 0 {
		patterns, err := tt.analyzer.DetectPatterns(ctx)
		if err != nil {
			return nil, fmt.Errorf("pattern detection failed: %w", err)
		}
		result.Patterns = patterns

		for _, f := range failures {
			result.Actions = append(result.Actions, f.SuggestedActions...)
		}
	}

	tt.mu.Lock()
	session.TracesAnalyzed += len(traces)
	session.FailuresFound += len(failures)
	session.PatternsDetected = len(result.Patterns)
	session.ActionsGenerated = len(result.Actions)
	tt.lastPatterns = result.Patterns
	tt.mu.Unlock()

	logging.Triage("Analyze complete: traces=%d failures=%d patterns=%d actions=%d",
		len(traces), len(failures), len(result.Patterns), len(result.Actions))

	return result, nil
}

// =============================================================================
// PROMPT IMPROVEMENT
// =============================================================================

// ImprovePrompt runs prompt improvement for one agent over all currently
// known failures. When A/B testing is enabled and the improvement changed
// anything, the improved prompt is validated against the current config over
// up to five recent failures-as-test-cases; the A/B step is skipped entirely
// when no qualifying failures exist. A winning variant is adopted as the
// agent's current prompt only when AutoApplySafe is set and the win
// confidence meets MinConfidenceForAutoApply.
func (tt *TraceTriage) ImprovePrompt(ctx context.Context, agent trace.Agent) (*ImproveResult, error) {
	done := tt.tracer.Start("TraceTriage.ImprovePrompt")
	defer done()

	failures := tt.analyzer.Failures()

	improvement, err := tt.improver.ImprovePrompt(ctx, agent, failures)
	if err != nil {
		return nil, fmt.Errorf("prompt improvement failed: %w", err)
	}

	result := &ImproveResult{Improvement: improvement}

	if !tt.config.EnableABTesting || len(improvement.Changes) == 0 {
		return result, nil
	}

	cases := tt.testCasesForAgent(agent)
	if len(cases) == 0 {
		logging.TriageDebug("Skipping A/B validation for %s: no failures to replay", agent)
		return result, nil
	}

	control := tt.improver.CurrentConfig(agent)
	if control == nil {
		control = tt.improver.CreateConfig(agent, fmt.Sprintf("%s default", agent), improvement.OriginalPrompt)
	}

	// Candidate config: not appended to the version history until adopted.
	variant := &improver.PromptConfig{
		ID:        uuid.New().String(),
		Name:      fmt.Sprintf("%s improved", agent),
		Version:   "candidate",
		Prompt:    improvement.ImprovedPrompt,
		CreatedAt: time.Now(),
	}

	abResult, err := tt.abRunner.RunTest(ctx, cases, control, variant, abtest.Options{RunsPerCase: 3})
	if err != nil {
		return nil, fmt.Errorf("a/b validation failed: %w", err)
	}
	result.ABResult = abResult

	if tt.shouldAdopt(abResult) {
		adopted := tt.improver.CreateConfig(agent, variant.Name, variant.Prompt)
		result.Adopted = true
		logging.Triage("Variant adopted for %s as %s (confidence=%.2f)",
			agent, adopted.Version, abResult.Confidence)
	}

	return result, nil
}

// shouldAdopt applies the auto-adoption gate: the variant must win and the
// confidence must meet the configured threshold.
func (tt *TraceTriage) shouldAdopt(res *abtest.Result) bool {
	return tt.config.AutoApplySafe &&
		res.Winner == abtest.WinnerVariant &&
		res.Confidence >= tt.config.MinConfidenceForAutoApply
}

// testCasesForAgent replays up to maxABTestCases recent failures for the
// agent as A/B test cases.
func (tt *TraceTriage) testCasesForAgent(agent trace.Agent) []abtest.TestCase {
	failures := tt.analyzer.FailuresForAgent(agent)
	if len(failures) > maxABTestCases {
		failures = failures[len(failures)-maxABTestCases:]
	}

	cases := make([]abtest.TestCase, 0, len(failures))
	for _, f := range failures {
		cases = append(cases, abtest.TestCase{
			ID:          f.OperationID,
			Name:        fmt.Sprintf("replay %s failure", f.Cause),
			Input:       f.ErrorMessage,
			Description: f.Details,
		})
	}
	return cases
}

// =============================================================================
// ACTION APPLICATION
// =============================================================================

// ApplyAction marks an action applied and synthesizes its result through the
// executor. Re-applying an already-applied action is a no-op returning false;
// an action never transitions back to unapplied.
func (tt *TraceTriage) ApplyAction(ctx context.Context, action *analyzer.CorrectiveAction) (bool, error) {
	done := tt.tracer.Start("TraceTriage.ApplyAction")
	defer done()

	if action == nil {
		return false, fmt.Errorf("nil action")
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	if action.Applied {
		logging.TriageDebug("Action %s already applied; no-op", action.ID)
		return false, nil
	}

	result, err := tt.executor.Execute(ctx, action)
	if err != nil {
		return false, fmt.Errorf("action execution failed: %w", err)
	}

	now := time.Now()
	action.Applied = true
	action.AppliedAt = &now
	action.Result = result

	if tt.current != nil {
		tt.current.ActionsApplied++
		tt.current.ImprovementMeasured += result.Improvement
	}

	logging.Triage("Action applied: id=%s type=%s improvement=%.1f%%",
		action.ID, action.Type, result.Improvement)
	return true, nil
}

// AutoApplySafeImprovements applies unapplied HIGH-priority actions of the
// safe types (CONFIG and RETRY), capped at MaxActionsPerSession, and returns
// the successfully applied subset. A no-op unless AutoApplySafe is enabled.
func (tt *TraceTriage) AutoApplySafeImprovements(ctx context.Context) ([]*analyzer.CorrectiveAction, error) {
	done := tt.tracer.Start("TraceTriage.AutoApplySafeImprovements")
	defer done()

	if !tt.config.AutoApplySafe {
		return nil, nil
	}

	var candidates []*analyzer.CorrectiveAction
	for _, a := range tt.analyzer.HighPriorityActions() {
		if a.Type == analyzer.ActionConfig || a.Type == analyzer.ActionRetry {
			candidates = append(candidates, a)
		}
	}

	if max := tt.config.MaxActionsPerSession; max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	var applied []*analyzer.CorrectiveAction
	for _, a := range candidates {
		ok, err := tt.ApplyAction(ctx, a)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, a)
		}
	}

	logging.Triage("Auto-applied %d safe action(s)", len(applied))
	return applied, nil
}

// =============================================================================
// REPORTING AND RESET
// =============================================================================

// Statistics exposes the analyzer's frequency-weighted counts.
func (tt *TraceTriage) Statistics() analyzer.Statistics {
	return tt.analyzer.Statistics()
}

// ABTestSummary exposes the A/B runner's win counts.
func (tt *TraceTriage) ABTestSummary() abtest.Summary {
	return tt.abRunner.Summary()
}

// Summary aggregates across all sessions.
func (tt *TraceTriage) Summary() Summary {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	s := Summary{TotalSessions: len(tt.sessions)}
	for _, sess := range tt.sessions {
		s.TotalTracesAnalyzed += sess.TracesAnalyzed
		s.TotalFailuresFound += sess.FailuresFound
		s.TotalActionsGenerated += sess.ActionsGenerated
		s.TotalActionsApplied += sess.ActionsApplied
	}

	// Average improvement across applied actions carrying results.
	applied := 0
	total := 0.0
	for _, f := range tt.analyzer.Failures() {
		for _, a := range f.SuggestedActions {
			if a.Applied && a.Result != nil {
				applied++
				total += a.Result.Improvement
			}
		}
	}
	if applied > 0 {
		s.AverageImprovement = total / float64(applied)
	}

	for _, p := range tt.lastPatterns {
		s.TopPatterns = append(s.TopPatterns, p.Name)
	}
	for _, f := range tt.analyzer.Failures() {
		for _, a := range f.SuggestedActions {
			if a.Applied && len(s.TopActions) < 5 {
				s.TopActions = append(s.TopActions, a.Description)
			}
		}
	}

	return s
}

// Reset clears the analyzer, A/B results, session history, and the current
// session. Prompt version history survives: it is an audit log, not state.
func (tt *TraceTriage) Reset() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tt.analyzer.Reset()
	tt.abRunner.ClearResults()
	tt.sessions = nil
	tt.current = nil
	tt.lastPatterns = nil

	logging.Triage("TraceTriage state reset")
}

// Components exposes the three sub-components for advanced direct use.
func (tt *TraceTriage) Components() (*analyzer.FailureAnalyzer, *improver.PromptImprover, *abtest.Runner) {
	return tt.analyzer, tt.improver, tt.abRunner
}
