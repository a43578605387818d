package triage

import (
	"context"
	"testing"

	"tracetriage/internal/abtest"
	"tracetriage/internal/analyzer"
	"tracetriage/internal/improver"
	"tracetriage/internal/trace"
)

func failedTrace(id string, ops ...*trace.Operation) *trace.Trace {
	return &trace.Trace{ID: id, Success: false, Operations: ops}
}

func op(id, name string, agent trace.Agent, errMsg string) *trace.Operation {
	return &trace.Operation{
		ID:        id,
		Name:      name,
		AgentName: agent,
		Error:     &trace.OpError{Message: errMsg},
	}
}

func timeoutTraces(n int) []*trace.Trace {
	var traces []*trace.Trace
	for i := 0; i < n; i++ {
		traces = append(traces,
			failedTrace("t", op("op", "execute_test", trace.AgentTester, "timeout after 30s")))
	}
	return traces
}

// fixedExecutor applies every action with a constant improvement.
type fixedExecutor struct{ improvement float64 }

func (e fixedExecutor) Execute(_ context.Context, action *analyzer.CorrectiveAction) (*analyzer.ActionResult, error) {
	return &analyzer.ActionResult{Success: true, Improvement: e.improvement}, nil
}

// passVariantRunner makes the variant arm always pass and the control always fail.
type passVariantRunner struct{}

func (passVariantRunner) RunTrial(_ context.Context, _ abtest.TestCase, cfg *improver.PromptConfig) (bool, error) {
	return cfg != nil && cfg.Version == "candidate", nil
}

func TestSessionLifecycle(t *testing.T) {
	tt := New(DefaultConfig())

	if tt.CurrentSession() != nil {
		t.Fatal("fresh orchestrator has an active session")
	}

	s := tt.StartSession()
	if s == nil || s.ID == "" {
		t.Fatal("StartSession returned an invalid session")
	}
	if tt.CurrentSession() != s {
		t.Error("started session is not current")
	}
	if s.Ended() {
		t.Error("fresh session already ended")
	}

	ended := tt.EndSession()
	if ended != s || !ended.Ended() {
		t.Error("EndSession did not finalize the current session")
	}
	if tt.CurrentSession() != nil {
		t.Error("session still current after end")
	}
	if tt.EndSession() != nil {
		t.Error("EndSession without an active session must return nil")
	}

	history := tt.Sessions()
	if len(history) != 1 || history[0] != s {
		t.Errorf("session history = %v", history)
	}
}

func TestStartSessionAutoEndsActive(t *testing.T) {
	tt := New(DefaultConfig())

	first := tt.StartSession()
	second := tt.StartSession()

	if !first.Ended() {
		t.Error("prior session not auto-ended")
	}
	if second.Ended() {
		t.Error("new session should be active")
	}
	if tt.CurrentSession() != second {
		t.Error("second session is not current")
	}
	if len(tt.Sessions()) != 2 {
		t.Errorf("history length = %d, want 2", len(tt.Sessions()))
	}
}

func TestAnalyzeAutoStartsSession(t *testing.T) {
	tt := New(DefaultConfig())

	result, err := tt.Analyze(context.Background(), timeoutTraces(1))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	s := tt.CurrentSession()
	if s == nil {
		t.Fatal("Analyze did not auto-start a session")
	}
	if s.TracesAnalyzed != 1 {
		t.Errorf("TracesAnalyzed = %d, want 1", s.TracesAnalyzed)
	}
	if s.FailuresFound != len(result.Failures) {
		t.Errorf("FailuresFound = %d, want %d", s.FailuresFound, len(result.Failures))
	}
	if s.ActionsGenerated != len(result.Actions) {
		t.Errorf("ActionsGenerated = %d, want %d", s.ActionsGenerated, len(result.Actions))
	}
}

func TestAnalyzeZeroFailuresShortCircuits(t *testing.T) {
	tt := New(DefaultConfig())

	ok := &trace.Trace{ID: "t1", Success: true}
	result, err := tt.Analyze(context.Background(), []*trace.Trace{ok})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if len(result.Failures) != 0 || len(result.Patterns) != 0 || len(result.Actions) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestAnalyzeProducesPatternsAndActions(t *testing.T) {
	tt := New(DefaultConfig())

	// Three identical timeouts: one aggregated record at frequency 3 crosses
	// the Timeout Cascade threshold.
	result, err := tt.Analyze(context.Background(), timeoutTraces(3))
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want 1 aggregated record", len(result.Failures))
	}
	if result.Failures[0].Frequency != 3 {
		t.Errorf("frequency = %d, want 3", result.Failures[0].Frequency)
	}
	if len(result.Patterns) == 0 {
		t.Error("expected Timeout Cascade pattern")
	}
	if len(result.Actions) == 0 {
		t.Error("expected suggested actions")
	}
}

func TestImprovePromptNoChangesSkipsABTest(t *testing.T) {
	tt := New(DefaultConfig())

	// No failures known, so the improvement is a no-op and A/B is skipped.
	result, err := tt.ImprovePrompt(context.Background(), trace.AgentFixer)
	if err != nil {
		t.Fatalf("ImprovePrompt: %v", err)
	}

	if result.ABResult != nil {
		t.Error("A/B ran despite a no-op improvement")
	}
	if result.Adopted {
		t.Error("nothing should be adopted")
	}
	if result.Improvement.Confidence != 1.0 {
		t.Errorf("no-op confidence = %v", result.Improvement.Confidence)
	}
}

func TestImprovePromptRunsABTestWhenEnabled(t *testing.T) {
	tt := New(DefaultConfig(), WithTrialRunner(passVariantRunner{}))
	ctx := context.Background()

	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "generate_fix", trace.AgentFixer, "malformed JSON response")),
	}
	if _, err := tt.Analyze(ctx, traces); err != nil {
		t.Fatal(err)
	}

	result, err := tt.ImprovePrompt(ctx, trace.AgentFixer)
	if err != nil {
		t.Fatal(err)
	}

	if result.ABResult == nil {
		t.Fatal("A/B validation did not run")
	}
	if result.ABResult.Winner != abtest.WinnerVariant {
		t.Errorf("winner = %s, want variant", result.ABResult.Winner)
	}
	// AutoApplySafe is off by default: winning variant is not adopted.
	if result.Adopted {
		t.Error("variant adopted with AutoApplySafe disabled")
	}

	_, imp, _ := tt.Components()
	if len(imp.Versions(trace.AgentFixer)) != 1 {
		t.Error("version history grew without adoption")
	}
}

func TestImprovePromptAdoptsWinningVariant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApplySafe = true
	cfg.MinConfidenceForAutoApply = 0.8

	tt := New(cfg, WithTrialRunner(passVariantRunner{}))
	ctx := context.Background()

	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "generate_fix", trace.AgentFixer, "malformed JSON response")),
	}
	if _, err := tt.Analyze(ctx, traces); err != nil {
		t.Fatal(err)
	}

	result, err := tt.ImprovePrompt(ctx, trace.AgentFixer)
	if err != nil {
		t.Fatal(err)
	}

	// One case, three runs per arm, maximal gap: confidence clamps to 1.
	if !result.Adopted {
		t.Fatalf("winning variant not adopted (winner=%s confidence=%.2f)",
			result.ABResult.Winner, result.ABResult.Confidence)
	}

	_, imp, _ := tt.Components()
	versions := imp.Versions(trace.AgentFixer)
	if len(versions) != 2 {
		t.Fatalf("version history = %d entries, want 2", len(versions))
	}
	if versions[1].Version != "v2" {
		t.Errorf("adopted version = %s, want v2", versions[1].Version)
	}
	if imp.Prompt(trace.AgentFixer) != result.Improvement.ImprovedPrompt {
		t.Error("adopted prompt is not current")
	}
}

func TestImprovePromptConfidenceGateBlocksAdoption(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApplySafe = true
	cfg.MinConfidenceForAutoApply = 2.0 // unreachable

	tt := New(cfg, WithTrialRunner(passVariantRunner{}))
	ctx := context.Background()

	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "generate_fix", trace.AgentFixer, "malformed JSON response")),
	}
	if _, err := tt.Analyze(ctx, traces); err != nil {
		t.Fatal(err)
	}

	result, err := tt.ImprovePrompt(ctx, trace.AgentFixer)
	if err != nil {
		t.Fatal(err)
	}
	if result.Adopted {
		t.Error("variant adopted below the confidence gate")
	}
}

func TestImprovePromptABTestingDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableABTesting = false

	tt := New(cfg)
	ctx := context.Background()

	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "generate_fix", trace.AgentFixer, "malformed JSON response")),
	}
	if _, err := tt.Analyze(ctx, traces); err != nil {
		t.Fatal(err)
	}

	result, err := tt.ImprovePrompt(ctx, trace.AgentFixer)
	if err != nil {
		t.Fatal(err)
	}
	if result.ABResult != nil {
		t.Error("A/B ran while disabled")
	}
	if len(result.Improvement.Changes) == 0 {
		t.Error("improvement itself should still run")
	}
}

func TestApplyActionIdempotent(t *testing.T) {
	tt := New(DefaultConfig(), WithActionExecutor(fixedExecutor{improvement: 10}))
	ctx := context.Background()

	tt.StartSession()
	action := &analyzer.CorrectiveAction{ID: "a1", Type: analyzer.ActionRetry, Priority: analyzer.PriorityHigh}

	ok, err := tt.ApplyAction(ctx, action)
	if err != nil || !ok {
		t.Fatalf("first apply: ok=%v err=%v", ok, err)
	}
	if !action.Applied || action.AppliedAt == nil || action.Result == nil {
		t.Error("apply did not record state")
	}

	ok, err = tt.ApplyAction(ctx, action)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("re-apply must be a no-op returning false")
	}

	s := tt.CurrentSession()
	if s.ActionsApplied != 1 {
		t.Errorf("ActionsApplied = %d, want 1", s.ActionsApplied)
	}
	if s.ImprovementMeasured != 10 {
		t.Errorf("ImprovementMeasured = %v, want 10", s.ImprovementMeasured)
	}

	if _, err := tt.ApplyAction(ctx, nil); err == nil {
		t.Error("nil action must error")
	}
}

func TestAutoApplySafeImprovements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApplySafe = true
	cfg.MaxActionsPerSession = 1

	tt := New(cfg, WithActionExecutor(fixedExecutor{improvement: 8}))
	ctx := context.Background()

	// Rate-limit failures generate two HIGH actions (RETRY + CONFIG).
	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "call_llm", trace.AgentFixer, "rate limit exceeded")),
	}
	if _, err := tt.Analyze(ctx, traces); err != nil {
		t.Fatal(err)
	}

	applied, err := tt.AutoApplySafeImprovements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied %d actions, want cap of 1", len(applied))
	}
	if !applied[0].Applied {
		t.Error("returned action not marked applied")
	}

	// A second call picks up the remaining HIGH action.
	applied, err = tt.AutoApplySafeImprovements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 {
		t.Errorf("second pass applied %d, want 1", len(applied))
	}
}

func TestAutoApplyDisabledIsNoOp(t *testing.T) {
	tt := New(DefaultConfig()) // AutoApplySafe false
	ctx := context.Background()

	if _, err := tt.Analyze(ctx, timeoutTraces(1)); err != nil {
		t.Fatal(err)
	}

	applied, err := tt.AutoApplySafeImprovements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("applied %d actions while disabled", len(applied))
	}
}

func TestSummaryAggregatesSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApplySafe = true

	tt := New(cfg, WithActionExecutor(fixedExecutor{improvement: 12}))
	ctx := context.Background()

	tt.StartSession()
	if _, err := tt.Analyze(ctx, timeoutTraces(3)); err != nil {
		t.Fatal(err)
	}
	tt.EndSession()

	tt.StartSession()
	traces := []*trace.Trace{
		failedTrace("t", op("op", "call_llm", trace.AgentFixer, "rate limit exceeded")),
	}
	if _, err := tt.Analyze(ctx, traces); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.AutoApplySafeImprovements(ctx); err != nil {
		t.Fatal(err)
	}
	tt.EndSession()

	s := tt.Summary()
	if s.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", s.TotalSessions)
	}
	if s.TotalTracesAnalyzed != 4 {
		t.Errorf("TotalTracesAnalyzed = %d, want 4", s.TotalTracesAnalyzed)
	}
	if s.TotalActionsApplied != 2 {
		t.Errorf("TotalActionsApplied = %d, want 2", s.TotalActionsApplied)
	}
	if s.AverageImprovement != 12 {
		t.Errorf("AverageImprovement = %v, want 12", s.AverageImprovement)
	}
	if len(s.TopActions) == 0 {
		t.Error("expected applied actions in TopActions")
	}
}

func TestEndToEndScenario(t *testing.T) {
	tt := New(DefaultConfig())
	ctx := context.Background()

	// One Tester timeout plus two Fixer parse failures sharing error text.
	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "execute_test", trace.AgentTester, "timeout after 30s")),
		failedTrace("t2", op("op-2", "generate_fix", trace.AgentFixer, "Invalid JSON")),
		failedTrace("t3", op("op-3", "generate_fix", trace.AgentFixer, "Invalid JSON")),
	}

	result, err := tt.Analyze(ctx, traces)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Failures) != 2 {
		t.Fatalf("failures = %d, want 2 aggregated records", len(result.Failures))
	}

	stats := tt.Statistics()
	if stats.ByAgent[trace.AgentTester] != 1 {
		t.Errorf("ByAgent[Tester] = %d, want 1", stats.ByAgent[trace.AgentTester])
	}
	if stats.ByAgent[trace.AgentFixer] != 2 {
		t.Errorf("ByAgent[Fixer] = %d, want 2", stats.ByAgent[trace.AgentFixer])
	}

	improved, err := tt.ImprovePrompt(ctx, trace.AgentFixer)
	if err != nil {
		t.Fatal(err)
	}
	if len(improved.Improvement.Changes) == 0 {
		t.Error("Fixer improvement produced no changes")
	}
}

func TestResetPreservesPromptHistory(t *testing.T) {
	cfg := DefaultConfig()
	tt := New(cfg)
	ctx := context.Background()

	if _, err := tt.Analyze(ctx, timeoutTraces(2)); err != nil {
		t.Fatal(err)
	}

	_, imp, _ := tt.Components()
	imp.CreateConfig(trace.AgentTester, "tuned", "custom prompt")

	tt.Reset()

	if tt.Statistics().TotalFailures != 0 {
		t.Error("analyzer state survived Reset")
	}
	if tt.CurrentSession() != nil || len(tt.Sessions()) != 0 {
		t.Error("session state survived Reset")
	}
	if tt.ABTestSummary().TotalTests != 0 {
		t.Error("A/B results survived Reset")
	}
	if len(imp.Versions(trace.AgentTester)) != 2 {
		t.Error("prompt version history must survive Reset")
	}
}
